package v1

import "time"

// QueueStats summarizes the task table. Failed includes dead-letter tasks.
type QueueStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Merged int `json:"merged"`
	Failed int `json:"failed"`
}

// StatsResponse is the combined engine and queue snapshot.
type StatsResponse struct {
	Running         bool       `json:"running"`
	Mode            string     `json:"mode"`
	Continuous      bool       `json:"continuous"`
	UptimeSeconds   int64      `json:"uptime_seconds"`
	ActiveWorkers   int        `json:"active_workers"`
	MaxWorkers      int        `json:"max_workers"`
	TotalDispatched int64      `json:"total_dispatched"`
	TotalFailed     int64      `json:"total_failed"`
	Queue           QueueStats `json:"queue"`
}

// HealthResponse reports process liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

// LogEntry is one captured log record from the in-memory ring.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// LogsResponse wraps a dump of the log ring, oldest first.
type LogsResponse struct {
	Logs  []LogEntry `json:"logs"`
	Count int        `json:"count"`
}
