// Package streams carries live agent output to web clients: a per-task
// fan-out with a byte-capped replay history, a plain feed for chat events,
// and the fixed-size log ring served by the debug endpoint.
package streams

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/common/logger"
)

const (
	// HistCap bounds a task's replay history, SSE framing included.
	HistCap = 2 * 1024 * 1024
	// frameOverhead is what framing adds to a line: "data: " and "\n\n".
	frameOverhead = 8
	// clientBuffer is the per-client send queue. A client that falls this
	// far behind is dropped.
	clientBuffer = 256
)

// Client is one attached stream consumer. Frames arrive pre-formatted as
// SSE; the channel is closed when the client is dropped or the stream ends.
type Client struct {
	send chan []byte
}

// Recv returns the client's frame channel.
func (c *Client) Recv() <-chan []byte {
	return c.send
}

// Frame formats one line as an SSE data frame.
func Frame(line string) []byte {
	buf := make([]byte, 0, len(line)+frameOverhead)
	buf = append(buf, "data: "...)
	buf = append(buf, line...)
	buf = append(buf, "\n\n"...)
	return buf
}

type taskStream struct {
	mu      sync.Mutex
	history []byte
	clients map[*Client]struct{}
}

// FanOut multiplexes per-task output streams. Each task entry keeps a
// byte-capped history for late subscribers and a live client set. Writes to
// an absent entry are silent no-ops.
type FanOut struct {
	mu      sync.Mutex
	entries map[int64]*taskStream
	logger  *logger.Logger
}

// NewFanOut returns an empty fan-out.
func NewFanOut(log *logger.Logger) *FanOut {
	return &FanOut{
		entries: make(map[int64]*taskStream),
		logger:  log.WithFields(zap.String("component", "streams")),
	}
}

// Open ensures a stream entry exists for the task.
func (f *FanOut) Open(taskID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[taskID]; !ok {
		f.entries[taskID] = &taskStream{clients: make(map[*Client]struct{})}
	}
}

func (f *FanOut) entry(taskID int64) *taskStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[taskID]
}

// Broadcast frames one output line and delivers it to the task's stream.
// The frame joins the replay history only while the history stays under
// HistCap; live clients receive it either way. A client whose queue is full
// is closed and dropped.
func (f *FanOut) Broadcast(taskID int64, line string) {
	e := f.entry(taskID)
	if e == nil {
		return
	}
	frame := Frame(line)

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history)+len(line)+frameOverhead < HistCap {
		e.history = append(e.history, frame...)
	}
	for c := range e.clients {
		select {
		case c.send <- frame:
		default:
			delete(e.clients, c)
			close(c.send)
			f.logger.WithTaskID(taskID).Warn("dropped slow stream client")
		}
	}
}

type phaseResultEvent struct {
	Type   string `json:"type"`
	TaskID int64  `json:"task_id"`
	Phase  string `json:"phase"`
	Result string `json:"result"`
}

// PushPhaseResult delivers an extracted phase-result block to the task's
// subscribers as a single JSON line.
func (f *FanOut) PushPhaseResult(taskID int64, phase, body string) {
	payload, err := json.Marshal(phaseResultEvent{
		Type:   "phase_result",
		TaskID: taskID,
		Phase:  phase,
		Result: body,
	})
	if err != nil {
		f.logger.WithTaskID(taskID).WithError(err).Error("marshal phase result")
		return
	}
	f.Broadcast(taskID, string(payload))
}

// Subscribe attaches a client to the task's stream, creating the entry if
// needed. The existing history is queued on the returned client before any
// live frame.
func (f *FanOut) Subscribe(taskID int64) *Client {
	f.mu.Lock()
	e, ok := f.entries[taskID]
	if !ok {
		e = &taskStream{clients: make(map[*Client]struct{})}
		f.entries[taskID] = e
	}
	f.mu.Unlock()

	c := &Client{send: make(chan []byte, clientBuffer)}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) > 0 {
		replay := make([]byte, len(e.history))
		copy(replay, e.history)
		c.send <- replay
	}
	e.clients[c] = struct{}{}
	return c
}

// Unsubscribe detaches a client. Safe to call after the client was already
// dropped or the stream closed.
func (f *FanOut) Unsubscribe(taskID int64, c *Client) {
	e := f.entry(taskID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.clients[c]; ok {
		delete(e.clients, c)
		close(c.send)
	}
}

// CloseTask tears down a task's stream entry, closing every attached
// client. Later writes to the task id are no-ops until Open is called
// again.
func (f *FanOut) CloseTask(taskID int64) {
	f.mu.Lock()
	e, ok := f.entries[taskID]
	if ok {
		delete(f.entries, taskID)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.clients {
		delete(e.clients, c)
		close(c.send)
	}
}

// Close tears down every stream entry.
func (f *FanOut) Close() {
	f.mu.Lock()
	ids := make([]int64, 0, len(f.entries))
	for id := range f.entries {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.CloseTask(id)
	}
}

// HistoryLen reports the current history size in bytes for a task, zero for
// an absent entry.
func (f *FanOut) HistoryLen(taskID int64) int {
	e := f.entry(taskID)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}
