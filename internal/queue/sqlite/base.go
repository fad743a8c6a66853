// Package sqlite implements the queue store on SQLite and Postgres through
// the shared connection pool; driver differences go through the dialect
// helpers.
package sqlite

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/conveyorhq/conveyor/internal/common/clock"
	sqliteutil "github.com/conveyorhq/conveyor/internal/common/sqlite"
	"github.com/conveyorhq/conveyor/internal/db"
	"github.com/conveyorhq/conveyor/internal/db/dialect"
	"github.com/conveyorhq/conveyor/internal/queue"
)

// unknownPriority orders statuses the mode registry never declared behind
// every declared one.
const unknownPriority = 1000

// Repository provides the durable queue store.
type Repository struct {
	db    *sqlx.DB // writer
	ro    *sqlx.DB // reader (read-only pool)
	pool  *db.Pool
	clock clock.Clock

	ordering     queue.StatusOrdering
	activeIn     string
	activeWhere  string
	priorityCase string
}

var _ queue.Store = (*Repository)(nil)

// New creates a queue store over an open pool. The ordering comes from the
// mode registry; a nil clock falls back to the system clock.
func New(pool *db.Pool, ordering queue.StatusOrdering, clk clock.Clock) (*Repository, error) {
	if clk == nil {
		clk = clock.System{}
	}
	r := &Repository{
		db:           pool.Writer(),
		ro:           pool.Reader(),
		pool:         pool,
		clock:        clk,
		ordering:     ordering,
		activeIn:     buildActiveIn(ordering),
		priorityCase: buildPriorityCase(ordering),
	}
	// The list and the count queries share this predicate so the two can
	// never disagree.
	r.activeWhere = r.activeIn + " AND (retry_after = '' OR retry_after <= ?)"
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

// Close releases the underlying pool.
func (r *Repository) Close() error {
	return r.pool.Close()
}

// buildActiveIn renders the dispatchable-status filter. Status names come
// from the compiled-in mode registry, not from user input.
func buildActiveIn(ordering queue.StatusOrdering) string {
	quoted := make([]string, len(ordering.Active))
	for i, status := range ordering.Active {
		quoted[i] = "'" + status + "'"
	}
	return fmt.Sprintf("status IN (%s)", strings.Join(quoted, ", "))
}

// buildPriorityCase renders the status comparator as a SQL CASE expression.
func buildPriorityCase(ordering queue.StatusOrdering) string {
	var b strings.Builder
	b.WriteString("CASE status")
	for _, status := range ordering.Active {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", status, ordering.Priority[status])
	}
	fmt.Fprintf(&b, " ELSE %d END", unknownPriority)
	return b.String()
}

func (r *Repository) now() string {
	return clock.Timestamp(r.clock.Now())
}

// initSchema creates the tables if they don't exist, then applies the
// idempotent column migrations.
func (r *Repository) initSchema() error {
	pk := dialect.AutoIncrementPK(r.db.DriverName())

	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS tasks (
			id %s,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			repo_path TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			last_error TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			notify_chat TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			retry_after TEXT NOT NULL DEFAULT '',
			dispatched_at TEXT
		)`, pk),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS run_history (
			id %s,
			task_id INTEGER NOT NULL,
			phase TEXT NOT NULL,
			repo_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			duration_s INTEGER,
			bytes_out INTEGER NOT NULL DEFAULT 0,
			error_msg TEXT NOT NULL DEFAULT ''
		)`, pk),
		`CREATE TABLE IF NOT EXISTS registered_groups (
			jid TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			folder TEXT NOT NULL DEFAULT '',
			"trigger" TEXT NOT NULL DEFAULT '',
			requires_trigger INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_started_at ON run_history(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_status ON run_history(status)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}

	return r.runMigrations()
}

// runMigrations applies idempotent ALTER TABLE migrations for schema
// evolution.
func (r *Repository) runMigrations() error {
	if dialect.IsPostgres(r.db.DriverName()) {
		// Add retry_phase for databases created before phase-addressed
		// retries (ignore error if already exists).
		_, _ = r.db.Exec(`ALTER TABLE tasks ADD COLUMN retry_phase TEXT NOT NULL DEFAULT ''`)
		return nil
	}
	return sqliteutil.EnsureColumn(r.db.DB, "tasks", "retry_phase", "TEXT NOT NULL DEFAULT ''")
}
