// Package v1 defines the wire types of the Conveyor web API.
package v1

// Task is one pipeline task as served by the web API. Status is either a
// mode phase name or a terminal status. Timestamps are UTC strings in
// "2006-01-02 15:04:05" form, matching the queue store.
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
	RetryAfter  string `json:"retry_after"`
	RetryPhase  string `json:"retry_phase"`
	Dispatched  bool   `json:"dispatched"`
}

// CreateTaskRequest submits a new task. RepoPath defaults to the primary
// repository and MaxAttempts to the active mode's default.
type CreateTaskRequest struct {
	Title       string `json:"title" binding:"required,max=500"`
	Description string `json:"description"`
	RepoPath    string `json:"repo_path"`
	NotifyChat  string `json:"notify_chat"`
	MaxAttempts int    `json:"max_attempts" binding:"omitempty,min=1,max=100"`
}

// ListTasksResponse wraps a task listing.
type ListTasksResponse struct {
	Tasks []Task `json:"tasks"`
	Total int    `json:"total"`
}
