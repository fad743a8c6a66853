package v1

// Run is one phase-execution record from the run history.
type Run struct {
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

// ListRunsResponse wraps a run-history listing.
type ListRunsResponse struct {
	Runs  []Run `json:"runs"`
	Total int   `json:"total"`
}

// RunStats summarizes the run history. AvgDurationS covers finished runs
// only.
type RunStats struct {
	Total         int     `json:"total"`
	Done          int     `json:"done"`
	Failed        int     `json:"failed"`
	Running       int     `json:"running"`
	AvgDurationS  float64 `json:"avg_duration_s"`
	TotalBytesOut int64   `json:"total_bytes_out"`
}
