package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/internal/common/clock"
	"github.com/conveyorhq/conveyor/internal/db/dialect"
	"github.com/conveyorhq/conveyor/internal/queue"
)

const taskColumns = `id, title, description, repo_path, branch, status, attempt, max_attempts, last_error, created_by, notify_chat, created_at, session_id, retry_after, retry_phase, dispatched_at`

// CreateTask inserts a new task and fills in its generated id.
func (r *Repository) CreateTask(ctx context.Context, task *queue.Task) error {
	if task.MaxAttempts < 1 {
		task.MaxAttempts = 1
	}
	if task.CreatedAt == "" {
		task.CreatedAt = r.now()
	}

	id, err := dialect.InsertReturningID(ctx, r.db, `
		INSERT INTO tasks (title, description, repo_path, branch, status, attempt, max_attempts, last_error, created_by, notify_chat, created_at, session_id, retry_after, retry_phase)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.Title, task.Description, task.RepoPath, task.Branch, task.Status, task.Attempt, task.MaxAttempts, task.LastError, task.CreatedBy, task.NotifyChat, task.CreatedAt, task.SessionID, task.RetryAfter, task.RetryPhase)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	task.ID = id
	return nil
}

// GetTask retrieves a task by id; (nil, nil) when absent.
func (r *Repository) GetTask(ctx context.Context, id int64) (*queue.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	task, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// GetActiveTasks returns dispatchable tasks ordered by status priority then
// id. A limit of 0 or less means no limit.
func (r *Repository) GetActiveTasks(ctx context.Context, limit int) ([]*queue.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + r.activeWhere +
		` ORDER BY ` + r.priorityCase + ` ASC, id ASC`
	args := []interface{}{r.now()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

// GetNextTask returns the single highest-priority dispatchable task, or
// (nil, nil) when the queue is drained.
func (r *Repository) GetNextTask(ctx context.Context) (*queue.Task, error) {
	tasks, err := r.GetActiveTasks(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// GetActiveTaskCount counts tasks matching exactly the GetActiveTasks
// predicate.
func (r *Repository) GetActiveTaskCount(ctx context.Context) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT COUNT(*) FROM tasks WHERE `+r.activeWhere), r.now()).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountTasksInStatus counts tasks with the given status verbatim.
func (r *Repository) CountTasksInStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT COUNT(*) FROM tasks WHERE status = ?`), status).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateTaskStatus writes the status string verbatim. The string is not
// validated; phase names and terminal statuses share the column.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id int64, status string) error {
	return r.updateTaskField(ctx, id, "status", status)
}

// UpdateTaskBranch stores the worktree branch assigned to a task.
func (r *Repository) UpdateTaskBranch(ctx context.Context, id int64, branch string) error {
	return r.updateTaskField(ctx, id, "branch", branch)
}

// UpdateTaskError stores the most recent failure text.
func (r *Repository) UpdateTaskError(ctx context.Context, id int64, lastError string) error {
	return r.updateTaskField(ctx, id, "last_error", lastError)
}

// SetTaskSessionID stores the agent session resumed on the next phase.
func (r *Repository) SetTaskSessionID(ctx context.Context, id int64, sessionID string) error {
	return r.updateTaskField(ctx, id, "session_id", sessionID)
}

// SetTaskRetryPhase records which phase failed so the retry re-enters it.
func (r *Repository) SetTaskRetryPhase(ctx context.Context, id int64, phase string) error {
	return r.updateTaskField(ctx, id, "retry_phase", phase)
}

func (r *Repository) updateTaskField(ctx context.Context, id int64, column, value string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE tasks SET `+column+` = ? WHERE id = ?`), value, id)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", column, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return queue.ErrTaskNotFound
	}
	return nil
}

// IncrementTaskAttempt bumps the attempt counter by one atomically.
func (r *Repository) IncrementTaskAttempt(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE tasks SET attempt = attempt + 1 WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to increment task attempt: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return queue.ErrTaskNotFound
	}
	return nil
}

// SetTaskRetryAfter stores now + delayS as the eligibility timestamp.
func (r *Repository) SetTaskRetryAfter(ctx context.Context, id int64, delayS int64) error {
	retryAfter := clock.Timestamp(r.clock.Now().Add(time.Duration(delayS) * time.Second))
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE tasks SET retry_after = ? WHERE id = ?`), retryAfter, id)
	if err != nil {
		return fmt.Errorf("failed to set task retry_after: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return queue.ErrTaskNotFound
	}
	return nil
}

// MarkDispatched stamps the task as owned by a worker.
func (r *Repository) MarkDispatched(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE tasks SET dispatched_at = ? WHERE id = ?`), r.now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark task dispatched: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return queue.ErrTaskNotFound
	}
	return nil
}

// ClearDispatched releases worker ownership of the task.
func (r *Repository) ClearDispatched(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE tasks SET dispatched_at = NULL WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to clear task dispatch flag: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return queue.ErrTaskNotFound
	}
	return nil
}

// IsDispatched reports whether a worker currently owns the task.
func (r *Repository) IsDispatched(ctx context.Context, id int64) (bool, error) {
	var dispatchedAt sql.NullString
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT dispatched_at FROM tasks WHERE id = ?`), id).Scan(&dispatchedAt)
	if err == sql.ErrNoRows {
		return false, queue.ErrTaskNotFound
	}
	if err != nil {
		return false, err
	}
	return dispatchedAt.Valid && dispatchedAt.String != "", nil
}

// ClearAllDispatched drops every dispatch flag at startup and returns how
// many were set. retry_after is left untouched.
func (r *Repository) ClearAllDispatched(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `UPDATE tasks SET dispatched_at = NULL WHERE dispatched_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear dispatch flags: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// RequeueDeadLetter resets a dead-letter task back to the initial status in
// one statement. The WHERE clause makes it a silent no-op for any other
// status, including unknown ids.
func (r *Repository) RequeueDeadLetter(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks
		SET status = ?, attempt = 0, branch = '', session_id = '', last_error = '', retry_after = '', retry_phase = '', dispatched_at = NULL
		WHERE id = ? AND status = ?
	`), r.ordering.Initial, id, queue.StatusDeadLetter)
	if err != nil {
		return fmt.Errorf("failed to requeue dead-letter task: %w", err)
	}
	return nil
}

// GetDeadLetterTasks lists dead-letter tasks by id ascending. A limit of 0
// or less means no limit.
func (r *Repository) GetDeadLetterTasks(ctx context.Context, limit int) ([]*queue.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY id ASC`
	args := []interface{}{queue.StatusDeadLetter}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

// GetStats summarizes the task table. Active counts by status only; a task
// waiting out its backoff window is still active here even though the
// scheduler will not pick it up yet.
func (r *Repository) GetStats(ctx context.Context) (*queue.Stats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM tasks) AS total,
			(SELECT COUNT(*) FROM tasks WHERE ` + r.activeIn + `) AS active,
			(SELECT COUNT(*) FROM tasks WHERE status = ?) AS merged,
			(SELECT COUNT(*) FROM tasks WHERE status IN (?, ?)) AS failed
	`

	stats := &queue.Stats{}
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(query), queue.StatusMerged, queue.StatusFailed, queue.StatusDeadLetter).
		Scan(&stats.Total, &stats.Active, &stats.Merged, &stats.Failed)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func scanTaskRow(row *sql.Row) (*queue.Task, error) {
	task := &queue.Task{}
	var dispatchedAt sql.NullString
	err := row.Scan(
		&task.ID, &task.Title, &task.Description, &task.RepoPath, &task.Branch,
		&task.Status, &task.Attempt, &task.MaxAttempts, &task.LastError,
		&task.CreatedBy, &task.NotifyChat, &task.CreatedAt, &task.SessionID,
		&task.RetryAfter, &task.RetryPhase, &dispatchedAt,
	)
	if err != nil {
		return nil, err
	}
	task.DispatchedAt = dispatchedAt.String
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*queue.Task, error) {
	var result []*queue.Task
	for rows.Next() {
		task := &queue.Task{}
		var dispatchedAt sql.NullString
		err := rows.Scan(
			&task.ID, &task.Title, &task.Description, &task.RepoPath, &task.Branch,
			&task.Status, &task.Attempt, &task.MaxAttempts, &task.LastError,
			&task.CreatedBy, &task.NotifyChat, &task.CreatedAt, &task.SessionID,
			&task.RetryAfter, &task.RetryPhase, &dispatchedAt,
		)
		if err != nil {
			return nil, err
		}
		task.DispatchedAt = dispatchedAt.String
		result = append(result, task)
	}
	return result, rows.Err()
}
