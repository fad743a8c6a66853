package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/common/clock"
	"github.com/conveyorhq/conveyor/internal/db"
	"github.com/conveyorhq/conveyor/internal/queue"
)

func testOrdering() queue.StatusOrdering {
	return queue.StatusOrdering{
		Initial: "backlog",
		Active:  []string{"backlog", "spec", "qa", "qa_fix", "impl", "retry"},
		Priority: map[string]int{
			"impl":    0,
			"qa_fix":  1,
			"qa":      2,
			"spec":    3,
			"retry":   4,
			"backlog": 5,
		},
	}
}

func newTestStore(t *testing.T) (*Repository, *clock.Fake) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	return openTestStore(t, dbPath)
}

func openTestStore(t *testing.T, dbPath string) (*Repository, *clock.Fake) {
	t.Helper()
	pool, err := db.Open("sqlite3", dbPath, "", 0)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	repo, err := New(pool, testOrdering(), clk)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return repo, clk
}

func createTask(t *testing.T, repo *Repository, status string) *queue.Task {
	t.Helper()
	task := &queue.Task{
		Title:       "Fix flaky session test",
		Description: "The auth session test fails under parallel runs.",
		RepoPath:    "/repos/primary",
		Status:      status,
		MaxAttempts: 3,
		CreatedBy:   "operator",
		NotifyChat:  "ops",
	}
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()

	first := createTask(t, repo, "backlog")
	second := createTask(t, repo, "backlog")
	if first.ID == 0 {
		t.Fatal("expected task ID to be set")
	}
	if second.ID != first.ID+1 {
		t.Errorf("expected monotonic ids, got %d then %d", first.ID, second.ID)
	}

	retrieved, err := repo.GetTask(ctx, first.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if retrieved.Title != first.Title {
		t.Errorf("expected title %q, got %q", first.Title, retrieved.Title)
	}
	if retrieved.Status != "backlog" {
		t.Errorf("expected status backlog, got %s", retrieved.Status)
	}
	if retrieved.Attempt != 0 || retrieved.Branch != "" || retrieved.SessionID != "" {
		t.Errorf("expected zero defaults, got attempt=%d branch=%q session=%q", retrieved.Attempt, retrieved.Branch, retrieved.SessionID)
	}
	if retrieved.RetryAfter != "" || retrieved.DispatchedAt != "" {
		t.Errorf("expected empty retry_after and dispatched_at, got %q and %q", retrieved.RetryAfter, retrieved.DispatchedAt)
	}
	if retrieved.CreatedAt != "2024-06-01 12:00:00" {
		t.Errorf("expected created_at from the clock, got %q", retrieved.CreatedAt)
	}
}

func TestCreateTaskClampsMaxAttempts(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()

	task := &queue.Task{Title: "No retries requested", Status: "backlog", MaxAttempts: 0}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	retrieved, _ := repo.GetTask(ctx, task.ID)
	if retrieved.MaxAttempts != 1 {
		t.Errorf("expected max_attempts clamped to 1, got %d", retrieved.MaxAttempts)
	}
}

func TestGetTaskAbsent(t *testing.T) {
	repo, _ := newTestStore(t)

	task, err := repo.GetTask(context.Background(), 9999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task != nil {
		t.Errorf("expected nil task, got %+v", task)
	}
}

func TestSingleFieldUpdatesNotFound(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()

	updates := map[string]func() error{
		"status":      func() error { return repo.UpdateTaskStatus(ctx, 42, "spec") },
		"branch":      func() error { return repo.UpdateTaskBranch(ctx, 42, "task-42") },
		"last_error":  func() error { return repo.UpdateTaskError(ctx, 42, "boom") },
		"session_id":  func() error { return repo.SetTaskSessionID(ctx, 42, "sess") },
		"retry_phase": func() error { return repo.SetTaskRetryPhase(ctx, 42, "qa") },
		"attempt":     func() error { return repo.IncrementTaskAttempt(ctx, 42) },
		"retry_after": func() error { return repo.SetTaskRetryAfter(ctx, 42, 60) },
	}
	for name, update := range updates {
		if err := update(); !errors.Is(err, queue.ErrTaskNotFound) {
			t.Errorf("%s update on missing task: expected ErrTaskNotFound, got %v", name, err)
		}
	}
}

func TestUpdateTaskStatusIdempotent(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, repo, "backlog")

	if err := repo.UpdateTaskStatus(ctx, task.ID, "spec"); err != nil {
		t.Fatalf("first status write failed: %v", err)
	}
	if err := repo.UpdateTaskStatus(ctx, task.ID, "spec"); err != nil {
		t.Fatalf("second identical status write failed: %v", err)
	}
}

func TestGetActiveTasksPriorityOrder(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()

	backlog := createTask(t, repo, "backlog")
	impl := createTask(t, repo, "impl")
	qa := createTask(t, repo, "qa")
	implLater := createTask(t, repo, "impl")

	tasks, err := repo.GetActiveTasks(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list active tasks: %v", err)
	}
	want := []int64{impl.ID, implLater.ID, qa.ID, backlog.ID}
	if len(tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(tasks))
	}
	for i, id := range want {
		if tasks[i].ID != id {
			t.Errorf("position %d: expected task %d, got %d", i, id, tasks[i].ID)
		}
	}
}

func TestGetActiveTasksLimit(t *testing.T) {
	repo, _ := newTestStore(t)

	createTask(t, repo, "backlog")
	createTask(t, repo, "backlog")
	createTask(t, repo, "backlog")

	tasks, err := repo.GetActiveTasks(context.Background(), 2)
	if err != nil {
		t.Fatalf("failed to list active tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestRetryAfterGatesEligibility(t *testing.T) {
	repo, clk := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, repo, "retry")

	if err := repo.SetTaskRetryAfter(ctx, task.ID, 60); err != nil {
		t.Fatalf("failed to set retry_after: %v", err)
	}

	assertEligible := func(want int) {
		t.Helper()
		tasks, err := repo.GetActiveTasks(ctx, 0)
		if err != nil {
			t.Fatalf("failed to list active tasks: %v", err)
		}
		if len(tasks) != want {
			t.Errorf("expected %d eligible tasks, got %d", want, len(tasks))
		}
		count, err := repo.GetActiveTaskCount(ctx)
		if err != nil {
			t.Fatalf("failed to count active tasks: %v", err)
		}
		if count != len(tasks) {
			t.Errorf("count %d disagrees with list length %d", count, len(tasks))
		}
	}

	assertEligible(0)
	clk.Advance(59 * time.Second)
	assertEligible(0)
	clk.Advance(time.Second)
	assertEligible(1)
}

func TestGetNextTask(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()

	next, err := repo.GetNextTask(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != nil {
		t.Errorf("expected nil on empty queue, got %+v", next)
	}

	createTask(t, repo, "backlog")
	impl := createTask(t, repo, "impl")

	next, err = repo.GetNextTask(ctx)
	if err != nil {
		t.Fatalf("failed to get next task: %v", err)
	}
	if next == nil || next.ID != impl.ID {
		t.Errorf("expected task %d first, got %+v", impl.ID, next)
	}
}

func TestDeadLetterExcludedFromActive(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()

	task := createTask(t, repo, "impl")
	if err := repo.UpdateTaskError(ctx, task.ID, "tests kept failing"); err != nil {
		t.Fatalf("failed to set error: %v", err)
	}
	if err := repo.UpdateTaskStatus(ctx, task.ID, queue.StatusDeadLetter); err != nil {
		t.Fatalf("failed to set status: %v", err)
	}

	active, _ := repo.GetActiveTasks(ctx, 0)
	if len(active) != 0 {
		t.Errorf("expected no active tasks, got %d", len(active))
	}
	next, _ := repo.GetNextTask(ctx)
	if next != nil {
		t.Errorf("expected no next task, got %+v", next)
	}
	dead, err := repo.GetDeadLetterTasks(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list dead-letter tasks: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != task.ID {
		t.Fatalf("expected the dead-letter task, got %+v", dead)
	}
	if dead[0].LastError != "tests kept failing" {
		t.Errorf("expected last_error preserved, got %q", dead[0].LastError)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()

	task := createTask(t, repo, "impl")
	_ = repo.UpdateTaskBranch(ctx, task.ID, "task-1")
	_ = repo.SetTaskSessionID(ctx, task.ID, "sess-abc")
	_ = repo.SetTaskRetryPhase(ctx, task.ID, "impl")
	_ = repo.UpdateTaskError(ctx, task.ID, "gave up")
	_ = repo.SetTaskRetryAfter(ctx, task.ID, 3600)
	_ = repo.IncrementTaskAttempt(ctx, task.ID)
	_ = repo.IncrementTaskAttempt(ctx, task.ID)
	_ = repo.UpdateTaskStatus(ctx, task.ID, queue.StatusDeadLetter)

	if err := repo.RequeueDeadLetter(ctx, task.ID); err != nil {
		t.Fatalf("failed to requeue: %v", err)
	}

	requeued, _ := repo.GetTask(ctx, task.ID)
	if requeued.Status != "backlog" {
		t.Errorf("expected status backlog, got %s", requeued.Status)
	}
	if requeued.Attempt != 0 || requeued.Branch != "" || requeued.SessionID != "" ||
		requeued.LastError != "" || requeued.RetryAfter != "" || requeued.RetryPhase != "" {
		t.Errorf("expected runtime fields reset, got %+v", requeued)
	}
	if requeued.Title != task.Title || requeued.CreatedBy != task.CreatedBy {
		t.Errorf("expected identity fields preserved, got %+v", requeued)
	}

	active, _ := repo.GetActiveTasks(ctx, 0)
	if len(active) != 1 {
		t.Errorf("expected requeued task to be active, got %d", len(active))
	}
}

func TestRequeueIgnoresNonDeadLetter(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()

	task := createTask(t, repo, "impl")
	_ = repo.UpdateTaskBranch(ctx, task.ID, "task-1")

	if err := repo.RequeueDeadLetter(ctx, task.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.RequeueDeadLetter(ctx, 9999); err != nil {
		t.Fatalf("unexpected error for unknown id: %v", err)
	}

	unchanged, _ := repo.GetTask(ctx, task.ID)
	if unchanged.Status != "impl" || unchanged.Branch != "task-1" {
		t.Errorf("expected task untouched, got %+v", unchanged)
	}
}

func TestDispatchFlag(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()

	task := createTask(t, repo, "backlog")
	other := createTask(t, repo, "backlog")
	_ = repo.SetTaskRetryAfter(ctx, other.ID, 120)

	dispatched, err := repo.IsDispatched(ctx, task.ID)
	if err != nil || dispatched {
		t.Fatalf("expected fresh task undispatched, got %v %v", dispatched, err)
	}

	if err := repo.MarkDispatched(ctx, task.ID); err != nil {
		t.Fatalf("failed to mark dispatched: %v", err)
	}
	if err := repo.MarkDispatched(ctx, other.ID); err != nil {
		t.Fatalf("failed to mark dispatched: %v", err)
	}
	dispatched, _ = repo.IsDispatched(ctx, task.ID)
	if !dispatched {
		t.Error("expected task to be dispatched")
	}

	cleared, err := repo.ClearAllDispatched(ctx)
	if err != nil {
		t.Fatalf("failed to clear dispatch flags: %v", err)
	}
	if cleared != 2 {
		t.Errorf("expected 2 cleared flags, got %d", cleared)
	}
	dispatched, _ = repo.IsDispatched(ctx, task.ID)
	if dispatched {
		t.Error("expected dispatch flag cleared")
	}

	// Startup cleanup must not reset backoff windows.
	gated, _ := repo.GetTask(ctx, other.ID)
	if gated.RetryAfter == "" {
		t.Error("expected retry_after to survive ClearAllDispatched")
	}

	if _, err := repo.IsDispatched(ctx, 9999); !errors.Is(err, queue.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestIncrementTaskAttempt(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, repo, "impl")

	_ = repo.IncrementTaskAttempt(ctx, task.ID)
	_ = repo.IncrementTaskAttempt(ctx, task.ID)

	retrieved, _ := repo.GetTask(ctx, task.ID)
	if retrieved.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", retrieved.Attempt)
	}
}

func TestGetStats(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()

	createTask(t, repo, "backlog")
	createTask(t, repo, "impl")
	createTask(t, repo, queue.StatusMerged)
	createTask(t, repo, queue.StatusFailed)
	createTask(t, repo, queue.StatusDeadLetter)
	createTask(t, repo, queue.StatusDone)

	stats, err := repo.GetStats(ctx)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.Total != 6 {
		t.Errorf("expected total 6, got %d", stats.Total)
	}
	if stats.Active != 2 {
		t.Errorf("expected active 2, got %d", stats.Active)
	}
	if stats.Merged != 1 {
		t.Errorf("expected merged 1, got %d", stats.Merged)
	}
	if stats.Failed != 2 {
		t.Errorf("expected failed to include dead_letter, got %d", stats.Failed)
	}
}

func TestCountTasksInStatus(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()

	createTask(t, repo, "backlog")
	createTask(t, repo, "backlog")
	createTask(t, repo, "impl")

	count, err := repo.CountTasksInStatus(ctx, "backlog")
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 backlog tasks, got %d", count)
	}
	count, _ = repo.CountTasksInStatus(ctx, "no_such_status")
	if count != 0 {
		t.Errorf("expected 0 for unknown status, got %d", count)
	}
}

func TestRegisterGroupUpsert(t *testing.T) {
	repo, _ := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"Old Name", "Mid Name", "Final Name"} {
		err := repo.RegisterGroup(ctx, &queue.RegisteredGroup{
			JID:             "group-1@broadcast",
			Name:            name,
			Folder:          "/repos/primary",
			Trigger:         "!task",
			RequiresTrigger: name == "Final Name",
		})
		if err != nil {
			t.Fatalf("failed to register group: %v", err)
		}
	}

	groups, err := repo.ListRegisteredGroups(ctx)
	if err != nil {
		t.Fatalf("failed to list groups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected exactly one row after upserts, got %d", len(groups))
	}
	if groups[0].Name != "Final Name" || !groups[0].RequiresTrigger {
		t.Errorf("expected fields from the last call, got %+v", groups[0])
	}

	group, err := repo.GetRegisteredGroup(ctx, "group-1@broadcast")
	if err != nil {
		t.Fatalf("failed to get group: %v", err)
	}
	if group == nil || group.Trigger != "!task" {
		t.Errorf("expected stored trigger, got %+v", group)
	}

	absent, err := repo.GetRegisteredGroup(ctx, "nope@broadcast")
	if err != nil || absent != nil {
		t.Errorf("expected (nil, nil) for unknown jid, got %+v %v", absent, err)
	}
}

func TestSchemaMigrationIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	repo, _ := openTestStore(t, dbPath)
	ctx := context.Background()
	task := createTask(t, repo, "retry")
	if err := repo.SetTaskRetryPhase(ctx, task.ID, "qa"); err != nil {
		t.Fatalf("failed to set retry phase: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	// Reopening runs initSchema and the column migrations a second time.
	reopened, _ := openTestStore(t, dbPath)
	retrieved, err := reopened.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task after reopen: %v", err)
	}
	if retrieved.RetryPhase != "qa" {
		t.Errorf("expected retry_phase to survive reopen, got %q", retrieved.RetryPhase)
	}
}
