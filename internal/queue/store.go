package queue

import (
	"context"
	"errors"
)

var (
	// ErrTaskNotFound is returned by single-row task writes when the id
	// does not exist.
	ErrTaskNotFound = errors.New("task not found")
)

// Store is the durable queue behind the scheduler and the phase executor.
// Implementations must make every multi-field mutation a single atomic
// statement.
type Store interface {
	// CreateTask inserts a task with queue defaults and fills in its ID.
	// MaxAttempts values below 1 are clamped to 1.
	CreateTask(ctx context.Context, task *Task) error
	// GetTask fetches a task by id; (nil, nil) when absent.
	GetTask(ctx context.Context, id int64) (*Task, error)
	// GetActiveTasks returns dispatchable tasks: status is active and the
	// retry window, if any, has expired. Ordered by status priority then id.
	// A limit of 0 or less means no limit.
	GetActiveTasks(ctx context.Context, limit int) ([]*Task, error)
	// GetNextTask is GetActiveTasks with limit 1; (nil, nil) when drained.
	GetNextTask(ctx context.Context) (*Task, error)
	// GetActiveTaskCount counts with exactly the GetActiveTasks predicate.
	GetActiveTaskCount(ctx context.Context) (int, error)
	// CountTasksInStatus counts tasks with the given status verbatim.
	CountTasksInStatus(ctx context.Context, status string) (int, error)

	// UpdateTaskStatus writes the status string verbatim.
	UpdateTaskStatus(ctx context.Context, id int64, status string) error
	UpdateTaskBranch(ctx context.Context, id int64, branch string) error
	UpdateTaskError(ctx context.Context, id int64, lastError string) error
	SetTaskSessionID(ctx context.Context, id int64, sessionID string) error
	SetTaskRetryPhase(ctx context.Context, id int64, phase string) error
	// IncrementTaskAttempt bumps attempt by one atomically.
	IncrementTaskAttempt(ctx context.Context, id int64) error
	// SetTaskRetryAfter stores now + delayS as the eligibility timestamp.
	SetTaskRetryAfter(ctx context.Context, id int64, delayS int64) error

	MarkDispatched(ctx context.Context, id int64) error
	ClearDispatched(ctx context.Context, id int64) error
	IsDispatched(ctx context.Context, id int64) (bool, error)
	// ClearAllDispatched drops every dispatch flag and returns how many were
	// set. It never touches retry_after.
	ClearAllDispatched(ctx context.Context) (int64, error)

	// RequeueDeadLetter atomically resets a dead-letter task back to the
	// initial status. Silent no-op when the task is not in dead_letter.
	RequeueDeadLetter(ctx context.Context, id int64) error
	GetDeadLetterTasks(ctx context.Context, limit int) ([]*Task, error)
	GetStats(ctx context.Context) (*Stats, error)

	// LogRunStart inserts a running history row and returns its id.
	LogRunStart(ctx context.Context, taskID int64, phase, repoPath string) (int64, error)
	// LogRunFinish closes a history row; unknown run ids are a silent no-op.
	LogRunFinish(ctx context.Context, runID int64, status string, bytesOut int64, errorMsg string) error
	// GetRecentRuns lists history newest first. An empty status means no
	// filter; an unknown status yields an empty result.
	GetRecentRuns(ctx context.Context, limit int, status string) ([]*RunHistoryEntry, error)
	GetRunStats(ctx context.Context) (*RunStats, error)

	// RegisterGroup upserts a chat group binding by jid.
	RegisterGroup(ctx context.Context, group *RegisteredGroup) error
	// GetRegisteredGroup fetches a binding; (nil, nil) when absent.
	GetRegisteredGroup(ctx context.Context, jid string) (*RegisteredGroup, error)
	ListRegisteredGroups(ctx context.Context) ([]*RegisteredGroup, error)

	Close() error
}
