package streams

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	// LogRingSize is the fixed entry capacity of the ring.
	LogRingSize = 500
	// LogMsgCap bounds a stored message in bytes; longer messages are
	// truncated, never rejected.
	LogMsgCap = 512
	// LogLevelCap bounds a stored level string in bytes.
	LogLevelCap = 8
)

// LogEntry is one captured log record.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// LogRing keeps the most recent log records in a fixed-size ring for the
// debug endpoint. Old entries are overwritten once the ring is full.
type LogRing struct {
	mu      sync.Mutex
	entries [LogRingSize]LogEntry
	head    int
	count   int
}

// NewLogRing returns an empty ring.
func NewLogRing() *LogRing {
	return &LogRing{}
}

// Push records one entry, truncating message and level to their byte caps.
func (r *LogRing) Push(t time.Time, level, msg string) {
	if len(msg) > LogMsgCap {
		msg = msg[:LogMsgCap]
	}
	if len(level) > LogLevelCap {
		level = level[:LogLevelCap]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = LogEntry{Time: t, Level: level, Message: msg}
	r.head = (r.head + 1) % LogRingSize
	if r.count < LogRingSize {
		r.count++
	}
}

// Len reports the number of stored entries.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Snapshot copies the stored entries, oldest first.
func (r *LogRing) Snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, 0, r.count)
	start := (r.head - r.count + LogRingSize) % LogRingSize
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(start+i)%LogRingSize])
	}
	return out
}

// Hook adapts the ring to a zap hook so every emitted log line is also
// captured for the debug endpoint.
func (r *LogRing) Hook(e zapcore.Entry) error {
	r.Push(e.Time, e.Level.String(), e.Message)
	return nil
}
