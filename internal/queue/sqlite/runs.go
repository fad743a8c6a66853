package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/conveyorhq/conveyor/internal/db/dialect"
	"github.com/conveyorhq/conveyor/internal/queue"
)

const runColumns = `id, task_id, phase, repo_path, status, started_at, finished_at, duration_s, bytes_out, error_msg`

// LogRunStart inserts a running history row at phase entry and returns its
// id.
func (r *Repository) LogRunStart(ctx context.Context, taskID int64, phase, repoPath string) (int64, error) {
	id, err := dialect.InsertReturningID(ctx, r.db, `
		INSERT INTO run_history (task_id, phase, repo_path, status, started_at, bytes_out, error_msg)
		VALUES (?, ?, ?, ?, ?, 0, '')
	`, taskID, phase, repoPath, queue.RunStatusRunning, r.now())
	if err != nil {
		return 0, fmt.Errorf("failed to insert run history: %w", err)
	}
	return id, nil
}

// LogRunFinish closes a history row at phase exit. The duration is derived
// from the stored start time in the same statement. An unknown run id is a
// silent no-op.
func (r *Repository) LogRunFinish(ctx context.Context, runID int64, status string, bytesOut int64, errorMsg string) error {
	finishedAt := r.now()
	duration := dialect.SecondsBetween(r.db.DriverName(), "?", "started_at")

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE run_history
		SET status = ?, finished_at = ?, duration_s = `+duration+`, bytes_out = ?, error_msg = ?
		WHERE id = ?
	`), status, finishedAt, finishedAt, bytesOut, errorMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run history: %w", err)
	}
	return nil
}

// GetRecentRuns lists history rows newest first, tie-broken by descending
// id. An empty status means no filter; an unknown status yields an empty
// result. A limit of 0 or less means no limit.
func (r *Repository) GetRecentRuns(ctx context.Context, limit int, status string) ([]*queue.RunHistoryEntry, error) {
	query := `SELECT ` + runColumns + ` FROM run_history`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*queue.RunHistoryEntry
	for rows.Next() {
		entry, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// GetRunStats summarizes the run history table. The average duration covers
// finished rows only; failed includes error rows.
func (r *Repository) GetRunStats(ctx context.Context) (*queue.RunStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM run_history) AS total,
			(SELECT COUNT(*) FROM run_history WHERE status = ?) AS done,
			(SELECT COUNT(*) FROM run_history WHERE status IN (?, ?)) AS failed,
			(SELECT COUNT(*) FROM run_history WHERE status = ?) AS running,
			(SELECT COALESCE(AVG(duration_s), 0.0) FROM run_history WHERE status <> ?) AS avg_duration_s,
			(SELECT COALESCE(SUM(bytes_out), 0) FROM run_history) AS total_bytes_out
	`

	stats := &queue.RunStats{}
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(query),
		queue.RunStatusDone, queue.RunStatusFailed, queue.RunStatusError,
		queue.RunStatusRunning, queue.RunStatusRunning,
	).Scan(&stats.Total, &stats.Done, &stats.Failed, &stats.Running, &stats.AvgDurationS, &stats.TotalBytesOut)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func scanRun(rows *sql.Rows) (*queue.RunHistoryEntry, error) {
	entry := &queue.RunHistoryEntry{}
	var finishedAt sql.NullString
	var durationS sql.NullInt64
	err := rows.Scan(
		&entry.ID, &entry.TaskID, &entry.Phase, &entry.RepoPath, &entry.Status,
		&entry.StartedAt, &finishedAt, &durationS, &entry.BytesOut, &entry.ErrorMsg,
	)
	if err != nil {
		return nil, err
	}
	entry.FinishedAt = finishedAt.String
	entry.DurationS = durationS.Int64
	return entry, nil
}
