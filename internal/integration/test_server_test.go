// Package integration exercises the assembled pipeline end to end: a real
// SQLite store, the in-memory event bus, the HTTP surface and simulated
// agent and VCS collaborators.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/chat"
	"github.com/conveyorhq/conveyor/internal/common/clock"
	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/db"
	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/events/bus"
	"github.com/conveyorhq/conveyor/internal/modes"
	"github.com/conveyorhq/conveyor/internal/queue"
	queuesqlite "github.com/conveyorhq/conveyor/internal/queue/sqlite"
	"github.com/conveyorhq/conveyor/internal/server"
	"github.com/conveyorhq/conveyor/internal/streams"
	v1 "github.com/conveyorhq/conveyor/pkg/api/v1"
)

// waitDeadline bounds every status poll in the suite.
const waitDeadline = 5 * time.Second

// PipelineTestServer is one fully wired pipeline: temporary SQLite store,
// memory bus, engine and web surface, driven by a fake clock. Tests talk to
// it over HTTP and the bus, the way deployments do.
type PipelineTestServer struct {
	Server *httptest.Server
	Store  queue.Store
	Bus    *bus.MemoryEventBus
	Engine *engine.Engine
	FanOut *streams.FanOut
	Clock  *clock.Fake
	Agent  *SimulatedAgentRunner
	VCS    *SimulatedVCS
	Logger *logger.Logger

	srv    *server.Server
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	outbound   []*bus.Event
	taskEvents []*bus.Event
}

// NewPipelineTestServer wires a pipeline running the given mode. The
// scheduler tick is an hour long, so dispatch happens only through kicks
// and the tests stay deterministic.
func NewPipelineTestServer(t *testing.T, mode *modes.Mode) *PipelineTestServer {
	t.Helper()

	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	registry, err := modes.NewRegistry(mode)
	require.NoError(t, err)

	pool, err := db.Open("sqlite3", filepath.Join(t.TempDir(), "conveyor.db"), "", 0)
	require.NoError(t, err)

	clk := clock.NewFake(time.Now())
	store, err := queuesqlite.New(pool, registry.Ordering(mode), clk)
	require.NoError(t, err)

	cfg := &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeout: 15, WriteTimeout: 15},
		Database: config.DatabaseConfig{Driver: "sqlite3"},
		Pipeline: config.PipelineConfig{
			Mode:           mode.Name,
			MaxBacklogSize: 10,
			TickIntervalS:  3600,
			MaxWorkers:     2,
			AgentTimeoutS:  30,
			PrimaryRepo:    t.TempDir(),
		},
	}

	eventBus := bus.NewMemoryEventBus(log)
	fanout := streams.NewFanOut(log)
	logring := streams.NewLogRing()

	runner := NewSimulatedAgentRunner()
	simVCS := NewSimulatedVCS(t)
	notifier := chat.NewNotifier(eventBus, cfg.Chat, log)

	eng := engine.New(engine.Options{
		Config:  cfg,
		Store:   store,
		Mode:    mode,
		Bus:     eventBus,
		FanOut:  fanout,
		LogRing: logring,
		Local:   runner,
		VCS:     simVCS,
		Chat:    notifier,
		Clock:   clk,
		Logger:  log,
	})

	srv, err := server.New(server.Options{
		Config:  cfg,
		Store:   store,
		Mode:    mode,
		Engine:  eng,
		FanOut:  fanout,
		LogRing: logring,
		Bus:     eventBus,
		Logger:  log,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &PipelineTestServer{
		Server: httptest.NewServer(srv.Router()),
		Store:  store,
		Bus:    eventBus,
		Engine: eng,
		FanOut: fanout,
		Clock:  clk,
		Agent:  runner,
		VCS:    simVCS,
		Logger: log,
		srv:    srv,
		ctx:    ctx,
		cancel: cancel,
	}

	_, err = eventBus.Subscribe(events.ChatOutbound, func(_ context.Context, event *bus.Event) error {
		ts.mu.Lock()
		ts.outbound = append(ts.outbound, event)
		ts.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	_, err = eventBus.Subscribe(events.TaskWildcardSubject(), func(_ context.Context, event *bus.Event) error {
		ts.mu.Lock()
		ts.taskEvents = append(ts.taskEvents, event)
		ts.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, eng.Start(ctx))
	return ts
}

// Close tears the pipeline down in reverse start order.
func (ts *PipelineTestServer) Close() {
	ts.Server.Close()
	_ = ts.Engine.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = ts.srv.Shutdown(shutdownCtx)
	cancel()

	ts.cancel()
	_ = ts.Store.Close()
}

// CreateTask submits a task through the web API.
func (ts *PipelineTestServer) CreateTask(t *testing.T, req v1.CreateTaskRequest) v1.Task {
	t.Helper()
	var task v1.Task
	ts.postJSON(t, "/tasks", req, http.StatusCreated, &task)
	return task
}

// GetTask fetches one task through the web API.
func (ts *PipelineTestServer) GetTask(t *testing.T, id int64) v1.Task {
	t.Helper()
	var task v1.Task
	ts.getJSON(t, fmt.Sprintf("/tasks/%d", id), &task)
	return task
}

// WaitForStatus polls until the task reaches the wanted status, kicking the
// scheduler between polls so parked work is re-dispatched as soon as it is
// eligible.
func (ts *PipelineTestServer) WaitForStatus(t *testing.T, id int64, status string) v1.Task {
	t.Helper()
	deadline := time.Now().Add(waitDeadline)
	for {
		task := ts.GetTask(t, id)
		if task.Status == status {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %d stuck in %q waiting for %q (attempt %d, last error %q)",
				id, task.Status, status, task.Attempt, task.LastError)
		}
		ts.Engine.Kick(ts.ctx)
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitForDrain blocks until the one-shot drain watcher signals Done. The
// watcher polls every five seconds, so the deadline allows two passes.
func (ts *PipelineTestServer) WaitForDrain(t *testing.T) {
	t.Helper()
	select {
	case <-ts.Engine.Done():
	case <-time.After(12 * time.Second):
		t.Fatal("engine did not signal drain")
	}
}

// PublishInbound injects one inbound chat message on the bus, as a gateway
// would.
func (ts *PipelineTestServer) PublishInbound(t *testing.T, target, sender, body string) {
	t.Helper()
	event := bus.NewEvent(events.ChatInbound, "whatsapp", map[string]interface{}{
		"target": target,
		"sender": sender,
		"body":   body,
	})
	require.NoError(t, ts.Bus.Publish(ts.ctx, events.ChatInbound, event))
}

// OutboundBodies returns the text of every chat notification published so
// far, in publish order.
func (ts *PipelineTestServer) OutboundBodies() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	bodies := make([]string, 0, len(ts.outbound))
	for _, event := range ts.outbound {
		if body, ok := event.Data["body"].(string); ok {
			bodies = append(bodies, body)
		}
	}
	return bodies
}

// TaskEventTypes returns the type of every task.* event published so far.
func (ts *PipelineTestServer) TaskEventTypes() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	types := make([]string, 0, len(ts.taskEvents))
	for _, event := range ts.taskEvents {
		types = append(types, event.Type)
	}
	return types
}

func (ts *PipelineTestServer) getJSON(t *testing.T, path string, out interface{}) {
	t.Helper()
	resp, err := http.Get(ts.Server.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (ts *PipelineTestServer) postJSON(t *testing.T, path string, body interface{}, wantStatus int, out interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.Server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, wantStatus, resp.StatusCode)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

// minimalMode is a single agent phase going straight to done, plus the
// retry fix-up phase the failure routine parks tasks into.
func minimalMode() *modes.Mode {
	return &modes.Mode{
		Name:               "minimal",
		Label:              "Minimal flow",
		DefaultMaxAttempts: 2,
		InitialStatus:      "work",
		Phases: []modes.Phase{
			{
				Name:               "work",
				Label:              "Work",
				Role:               modes.RoleAgent,
				Priority:           10,
				SystemPrompt:       "You are the pipeline's work phase.",
				Instruction:        "Do the task described above.",
				IncludeTaskContext: true,
				Next:               queue.StatusDone,
			},
			{
				Name:     queue.StatusRetry,
				Label:    "Retry fix-up",
				Role:     modes.RoleSetup,
				Priority: 20,
				Next:     "work",
			},
		},
	}
}

// deliveryMode runs one agent phase through the full worktree delivery:
// artifact check, commit, tests, pull request, merged.
func deliveryMode() *modes.Mode {
	return &modes.Mode{
		Name:               "delivery",
		Label:              "Worktree delivery",
		UsesWorktrees:      true,
		UsesVCS:            true,
		UsesTests:          true,
		DefaultMaxAttempts: 2,
		InitialStatus:      "backlog",
		Phases: []modes.Phase{
			{
				Name:     "backlog",
				Label:    "Backlog",
				Role:     modes.RoleSetup,
				Priority: 30,
				Next:     "build",
			},
			{
				Name:               "build",
				Label:              "Build",
				Role:               modes.RoleAgent,
				Priority:           10,
				SystemPrompt:       "You are the pipeline's build phase.",
				Instruction:        "Implement the task and leave a PLAN.md behind.",
				IncludeTaskContext: true,
				CheckArtifact:      "PLAN.md",
				Commits:            true,
				CommitMessage:      "Implement task",
				RunsTests:          true,
				OpensPR:            true,
				Next:               queue.StatusMerged,
			},
			{
				Name:     queue.StatusRetry,
				Label:    "Retry fix-up",
				Role:     modes.RoleSetup,
				Priority: 20,
				Next:     "backlog",
			},
		},
	}
}
