// Package queue defines the durable task queue model and the store
// contract the pipeline runs against.
package queue

// Terminal task statuses. Everything else is a mode-defined phase name
// and therefore eligible for dispatch.
const (
	StatusDone       = "done"
	StatusMerged     = "merged"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
)

// StatusRetry is the well-known holding status a failed task is parked in
// until its backoff window expires.
const StatusRetry = "retry"

// RunHistoryEntry statuses.
const (
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
	RunStatusError   = "error"
)

// IsTerminal reports whether a status ends a task's lifecycle.
func IsTerminal(status string) bool {
	switch status {
	case StatusDone, StatusMerged, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Task is one unit of pipeline work. Status holds either a phase name or a
// terminal status; timestamps are UTC strings so they compare lexicographically.
type Task struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	RepoPath    string `json:"repo_path"`
	Branch      string `json:"branch"`
	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error"`
	CreatedBy   string `json:"created_by"`
	NotifyChat  string `json:"notify_chat"`
	CreatedAt   string `json:"created_at"`
	SessionID   string `json:"session_id"`
	// RetryAfter gates scheduler eligibility; empty means immediately eligible.
	RetryAfter string `json:"retry_after"`
	// RetryPhase records which phase failed so a retry re-enters it.
	RetryPhase string `json:"retry_phase"`
	// DispatchedAt marks the task as owned by a worker; cleared at startup.
	DispatchedAt string `json:"dispatched_at,omitempty"`
}

// RunHistoryEntry is one append-only record of a phase execution.
type RunHistoryEntry struct {
	ID         int64  `json:"id"`
	TaskID     int64  `json:"task_id"`
	Phase      string `json:"phase"`
	RepoPath   string `json:"repo_path"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	DurationS  int64  `json:"duration_s"`
	BytesOut   int64  `json:"bytes_out"`
	ErrorMsg   string `json:"error_msg,omitempty"`
}

// RegisteredGroup binds a chat group to the task intake.
type RegisteredGroup struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	Trigger         string `json:"trigger"`
	RequiresTrigger bool   `json:"requires_trigger"`
}

// Stats summarizes the task table. Failed includes dead-letter tasks.
type Stats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Merged int `json:"merged"`
	Failed int `json:"failed"`
}

// RunStats summarizes the run history table. AvgDurationS is computed over
// finished runs only.
type RunStats struct {
	Total         int     `json:"total"`
	Done          int     `json:"done"`
	Failed        int     `json:"failed"`
	Running       int     `json:"running"`
	AvgDurationS  float64 `json:"avg_duration_s"`
	TotalBytesOut int64   `json:"total_bytes_out"`
}

// StatusOrdering is derived from the mode registry at startup and tells the
// store which statuses are dispatchable and in what order to drain them.
type StatusOrdering struct {
	// Initial is the status newly created and requeued tasks start in.
	Initial string
	// Active lists every dispatchable status.
	Active []string
	// Priority maps each active status to its drain priority, lower first.
	Priority map[string]int
}
