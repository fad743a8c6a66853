package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/common/clock"
	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/common/stringutil"
	"github.com/conveyorhq/conveyor/internal/db"
	"github.com/conveyorhq/conveyor/internal/modes"
	"github.com/conveyorhq/conveyor/internal/pipeline/sentinel"
	"github.com/conveyorhq/conveyor/internal/queue"
	queuesqlite "github.com/conveyorhq/conveyor/internal/queue/sqlite"
	"github.com/conveyorhq/conveyor/internal/streams"
	"github.com/conveyorhq/conveyor/internal/vcs"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatal(err)
	}
	return log
}

// scriptedRun is one planned agent invocation: the lines it streams and
// what Run returns.
type scriptedRun struct {
	lines   []string
	session string
	err     error
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []agent.Request
	scripts []scriptedRun

	// run overrides the scripted behavior entirely when set.
	run func(req agent.Request) (*agent.Result, error)
}

func (r *fakeRunner) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	var script scriptedRun
	if len(r.scripts) > 0 {
		script = r.scripts[0]
		r.scripts = r.scripts[1:]
	}
	r.mu.Unlock()

	if r.run != nil {
		return r.run(req)
	}
	if script.err != nil {
		return nil, script.err
	}
	for _, line := range script.lines {
		if req.OnLine != nil {
			req.OnLine(line)
		}
	}
	return &agent.Result{Output: strings.Join(script.lines, "\n"), NewSessionID: script.session}, nil
}

func (r *fakeRunner) requests() []agent.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Request(nil), r.calls...)
}

type prCall struct {
	branch    string
	title     string
	autoMerge bool
}

type fakeVCS struct {
	mu sync.Mutex

	worktreePath string
	branch       string

	createCalls int
	removeCalls int
	resetCalls  int

	commitMessages []string
	commitOK       bool
	commitErr      error

	testCmds   []string
	testResult *vcs.TestResult
	testErr    error

	rebaseBases []string
	rebaseErr   error

	prs   []prCall
	prErr error

	files []string
}

func newFakeVCS(t *testing.T) *fakeVCS {
	t.Helper()
	return &fakeVCS{
		worktreePath: t.TempDir(),
		branch:       "conveyor/fix-login-redirect-k2m",
		commitOK:     true,
		testResult:   &vcs.TestResult{Stdout: "ok", ExitCode: 0},
	}
}

func (f *fakeVCS) CreateWorktree(ctx context.Context, repo string, taskID int64, title string) (*vcs.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	return &vcs.Worktree{Path: f.worktreePath, Branch: f.branch}, nil
}

func (f *fakeVCS) RemoveWorktree(ctx context.Context, repo string, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	return nil
}

func (f *fakeVCS) Commit(ctx context.Context, dir, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return false, f.commitErr
	}
	f.commitMessages = append(f.commitMessages, message)
	return f.commitOK, nil
}

func (f *fakeVCS) RunTests(ctx context.Context, dir, command string) (*vcs.TestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.testCmds = append(f.testCmds, command)
	if f.testErr != nil {
		return nil, f.testErr
	}
	return f.testResult, nil
}

func (f *fakeVCS) Rebase(ctx context.Context, dir, base string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebaseBases = append(f.rebaseBases, base)
	return f.rebaseErr
}

func (f *fakeVCS) OpenPR(ctx context.Context, dir, branch, title string, autoMerge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prErr != nil {
		return f.prErr
	}
	f.prs = append(f.prs, prCall{branch: branch, title: title, autoMerge: autoMerge})
	return nil
}

func (f *fakeVCS) ListTrackedFiles(ctx context.Context, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files, nil
}

func (f *fakeVCS) ResetWorktree(ctx context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	return nil
}

type chatNote struct {
	target string
	body   string
}

type fakeChat struct {
	mu    sync.Mutex
	notes []chatNote
}

func (c *fakeChat) Notify(ctx context.Context, target, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, chatNote{target: target, body: message})
	return nil
}

func (c *fakeChat) sent() []chatNote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chatNote(nil), c.notes...)
}

func testPipeline() config.PipelineConfig {
	return config.PipelineConfig{
		PrimaryRepo:    "/repos/app",
		PrimaryTestCmd: "make test",
	}
}

// singlePhaseMode builds a one-phase mode for focused tests. The phase
// advances to done unless it names another next status.
func singlePhaseMode(phase modes.Phase) *modes.Mode {
	if phase.Next == "" {
		phase.Next = queue.StatusDone
	}
	return &modes.Mode{
		Name:               "single",
		Label:              "Single phase",
		DefaultMaxAttempts: 3,
		InitialStatus:      phase.Name,
		Phases:             []modes.Phase{phase},
	}
}

func agentPhase(name string) modes.Phase {
	return modes.Phase{
		Name:         name,
		Label:        name,
		Role:         modes.RoleAgent,
		SystemPrompt: "You are the " + name + " agent.",
		Instruction:  "Do the " + name + " work.",
	}
}

type execFixture struct {
	store  queue.Store
	mode   *modes.Mode
	runner *fakeRunner
	vcs    *fakeVCS
	chat   *fakeChat
	fanout *streams.FanOut
	exec   *Executor
}

func newFixture(t *testing.T, mode *modes.Mode, runner *fakeRunner, fv *fakeVCS, pipeline config.PipelineConfig) *execFixture {
	t.Helper()
	return newFixtureWithClock(t, mode, runner, fv, pipeline, clock.System{})
}

func newFixtureWithClock(t *testing.T, mode *modes.Mode, runner *fakeRunner, fv *fakeVCS, pipeline config.PipelineConfig, clk clock.Clock) *execFixture {
	t.Helper()
	log := testLogger(t)

	reg, err := modes.NewRegistry(mode)
	if err != nil {
		t.Fatalf("test mode invalid: %v", err)
	}
	pool, err := db.Open("sqlite3", filepath.Join(t.TempDir(), "executor.db"), "", 0)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := queuesqlite.New(pool, reg.Ordering(mode), clk)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})

	fan := streams.NewFanOut(log)
	t.Cleanup(fan.Close)
	fc := &fakeChat{}

	exec := New(Options{
		Store:    store,
		Mode:     mode,
		FanOut:   fan,
		Local:    runner,
		VCS:      fv,
		Chat:     fc,
		Pipeline: pipeline,
		Logger:   log,
	})
	return &execFixture{store: store, mode: mode, runner: runner, vcs: fv, chat: fc, fanout: fan, exec: exec}
}

func (f *execFixture) createTask(t *testing.T, mutate func(*queue.Task)) *queue.Task {
	t.Helper()
	task := &queue.Task{
		Title:       "Fix login redirect",
		Description: "Users land on a blank page after logging in.",
		RepoPath:    "/repos/app",
		Status:      f.mode.InitialStatus,
		MaxAttempts: f.mode.DefaultMaxAttempts,
		CreatedBy:   "operator",
	}
	if mutate != nil {
		mutate(task)
	}
	if err := f.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func (f *execFixture) reload(t *testing.T, id int64) *queue.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	if task == nil {
		t.Fatalf("task %d vanished", id)
	}
	return task
}

func TestExecuteTask_AdvancesThroughPhases(t *testing.T) {
	mode := &modes.Mode{
		Name:               "build",
		Label:              "Build",
		DefaultMaxAttempts: 3,
		InitialStatus:      "plan",
		Phases: []modes.Phase{
			{Name: "plan", Label: "Planning", Role: modes.RoleAgent, Priority: 1,
				SystemPrompt: "You plan.", Instruction: "Write the plan.", Next: "build"},
			{Name: "build", Label: "Building", Role: modes.RoleAgent, Priority: 0,
				SystemPrompt: "You build.", Instruction: "Implement the plan.", Next: queue.StatusDone},
		},
	}
	runner := &fakeRunner{scripts: []scriptedRun{
		{
			lines: []string{
				"reading the codebase",
				sentinel.BeginMarker,
				"Planned: add a regression test first.",
				sentinel.EndMarker,
			},
			session: "sess-1",
		},
		{lines: []string{"patching internal/auth/redirect.go"}},
	}}
	fix := newFixture(t, mode, runner, newFakeVCS(t), testPipeline())
	task := fix.createTask(t, func(task *queue.Task) { task.NotifyChat = "ops-room" })
	ctx := context.Background()

	if err := fix.exec.ExecuteTask(ctx, task); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}

	got := fix.reload(t, task.ID)
	if got.Status != queue.StatusDone {
		t.Errorf("expected status done, got %q", got.Status)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("expected session sess-1 persisted, got %q", got.SessionID)
	}

	calls := runner.requests()
	if len(calls) != 2 {
		t.Fatalf("expected 2 agent runs, got %d", len(calls))
	}
	if calls[0].SessionID != "" {
		t.Errorf("first run should start without a session, got %q", calls[0].SessionID)
	}
	if calls[1].SessionID != "sess-1" {
		t.Errorf("second run should resume sess-1, got %q", calls[1].SessionID)
	}
	if calls[0].SystemPrompt != "You plan." || calls[1].SystemPrompt != "You build." {
		t.Errorf("phases ran out of order: %q then %q", calls[0].SystemPrompt, calls[1].SystemPrompt)
	}

	notes := fix.chat.sent()
	if len(notes) != 1 {
		t.Fatalf("expected one phase-result notification, got %d", len(notes))
	}
	if notes[0].target != "ops-room" || notes[0].body != "Planned: add a regression test first." {
		t.Errorf("unexpected notification: %+v", notes[0])
	}

	if fix.fanout.HistoryLen(task.ID) == 0 {
		t.Error("expected streamed lines in the fan-out history")
	}

	runs, err := fix.store.GetRecentRuns(ctx, 10, "")
	if err != nil {
		t.Fatalf("GetRecentRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 run history rows, got %d", len(runs))
	}
	if runs[0].Phase != "build" || runs[1].Phase != "plan" {
		t.Errorf("expected newest-first history, got %q then %q", runs[0].Phase, runs[1].Phase)
	}
	for _, run := range runs {
		if run.Status != queue.RunStatusDone {
			t.Errorf("run %d (%s) status = %q, want done", run.ID, run.Phase, run.Status)
		}
	}
	if runs[1].BytesOut == 0 {
		t.Error("expected the plan run to record streamed bytes")
	}
}

func TestExecuteTask_FreshSessionDiscardsStoredSession(t *testing.T) {
	phase := agentPhase("plan")
	phase.FreshSession = true
	runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"starting over"}}}}
	fix := newFixture(t, singlePhaseMode(phase), runner, newFakeVCS(t), testPipeline())
	task := fix.createTask(t, nil)
	ctx := context.Background()

	if err := fix.store.SetTaskSessionID(ctx, task.ID, "stale-session"); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	task = fix.reload(t, task.ID)

	if err := fix.exec.ExecuteTask(ctx, task); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}
	calls := runner.requests()
	if len(calls) != 1 {
		t.Fatalf("expected 1 agent run, got %d", len(calls))
	}
	if calls[0].SessionID != "" {
		t.Errorf("fresh-session phase must not resume, got session %q", calls[0].SessionID)
	}
}

func TestExecuteTask_MissingArtifactParksForRetry(t *testing.T) {
	phase := agentPhase("spec")
	phase.CheckArtifact = "PLAN.md"
	mode := singlePhaseMode(phase)
	mode.UsesWorktrees = true
	runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"skipped the write"}}}}
	fv := newFakeVCS(t)
	fix := newFixture(t, mode, runner, fv, testPipeline())
	task := fix.createTask(t, nil)

	if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}

	got := fix.reload(t, task.ID)
	if got.Status != queue.StatusRetry {
		t.Errorf("expected status retry, got %q", got.Status)
	}
	if got.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", got.Attempt)
	}
	if got.RetryPhase != "spec" {
		t.Errorf("expected failing phase recorded, got %q", got.RetryPhase)
	}
	if got.RetryAfter == "" {
		t.Error("expected a retry window to be set")
	}
	if !strings.Contains(got.LastError, "PLAN.md") {
		t.Errorf("expected last error to name the artifact, got %q", got.LastError)
	}
	if got.Branch != fv.branch {
		t.Errorf("expected worktree branch persisted, got %q", got.Branch)
	}
}

func TestExecuteTask_ArtifactPresentCommitsAndAdvances(t *testing.T) {
	phase := agentPhase("spec")
	phase.CheckArtifact = "PLAN.md"
	phase.Commits = true
	phase.CommitMessage = "Add implementation plan"
	mode := singlePhaseMode(phase)
	mode.UsesWorktrees = true
	runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"writing PLAN.md"}}}}
	fv := newFakeVCS(t)
	fix := newFixture(t, mode, runner, fv, testPipeline())
	task := fix.createTask(t, nil)

	if err := os.WriteFile(filepath.Join(fv.worktreePath, "PLAN.md"), []byte("# Plan\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}

	if got := fix.reload(t, task.ID); got.Status != queue.StatusDone {
		t.Errorf("expected status done, got %q", got.Status)
	}
	if len(fv.commitMessages) != 1 || fv.commitMessages[0] != "Add implementation plan" {
		t.Errorf("unexpected commits: %v", fv.commitMessages)
	}
}

func TestExecuteTask_NoChangesToCommit(t *testing.T) {
	t.Run("strict phase parks for retry", func(t *testing.T) {
		phase := agentPhase("impl")
		phase.Commits = true
		runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"nothing to do"}}}}
		fv := newFakeVCS(t)
		fv.commitOK = false
		fix := newFixture(t, singlePhaseMode(phase), runner, fv, testPipeline())
		task := fix.createTask(t, nil)

		if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
			t.Fatalf("ExecuteTask failed: %v", err)
		}
		got := fix.reload(t, task.ID)
		if got.Status != queue.StatusRetry {
			t.Errorf("expected status retry, got %q", got.Status)
		}
		if !strings.Contains(got.LastError, "no changes to commit") {
			t.Errorf("unexpected last error: %q", got.LastError)
		}
	})

	t.Run("tolerant phase advances", func(t *testing.T) {
		phase := agentPhase("review")
		phase.Commits = true
		phase.AllowNoChanges = true
		runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"looks correct already"}}}}
		fv := newFakeVCS(t)
		fv.commitOK = false
		fix := newFixture(t, singlePhaseMode(phase), runner, fv, testPipeline())
		task := fix.createTask(t, nil)

		if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
			t.Fatalf("ExecuteTask failed: %v", err)
		}
		if got := fix.reload(t, task.ID); got.Status != queue.StatusDone {
			t.Errorf("expected status done, got %q", got.Status)
		}
	})
}

func qaFixMode() *modes.Mode {
	impl := agentPhase("impl")
	impl.Priority = 1
	impl.RunsTests = true
	impl.HasQAFixRouting = true
	impl.Next = queue.StatusDone
	qaFix := agentPhase(modes.QAFixPhase)
	qaFix.Priority = 0
	qaFix.Next = "impl"
	return &modes.Mode{
		Name:               "tested",
		Label:              "Tested",
		DefaultMaxAttempts: 3,
		InitialStatus:      "impl",
		Phases:             []modes.Phase{impl, qaFix},
	}
}

func TestExecuteTask_TestFileFailureRoutesToQAFix(t *testing.T) {
	runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"running tests"}}}}
	fv := newFakeVCS(t)
	fv.testResult = &vcs.TestResult{Stderr: "auth_test.go:12: error: undefined sessionStore", ExitCode: 2}
	fix := newFixture(t, qaFixMode(), runner, fv, testPipeline())
	task := fix.createTask(t, nil)

	if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}

	got := fix.reload(t, task.ID)
	if got.Status != modes.QAFixPhase {
		t.Errorf("expected status qa_fix, got %q", got.Status)
	}
	if got.Attempt != 0 {
		t.Errorf("qa_fix routing must not burn an attempt, got %d", got.Attempt)
	}
	if got.LastError != "auth_test.go:12: error: undefined sessionStore" {
		t.Errorf("expected the raw test output as last error, got %q", got.LastError)
	}
	if got.RetryAfter != "" {
		t.Errorf("qa_fix routing must not set a retry window, got %q", got.RetryAfter)
	}
	if len(fv.testCmds) != 1 || fv.testCmds[0] != "make test" {
		t.Errorf("unexpected test commands: %v", fv.testCmds)
	}
}

func TestExecuteTask_CodeTestFailureParksForRetry(t *testing.T) {
	runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"running tests"}}}}
	fv := newFakeVCS(t)
	fv.testResult = &vcs.TestResult{Stdout: "assertion failed: want 200, got 500", ExitCode: 1}
	fix := newFixture(t, qaFixMode(), runner, fv, testPipeline())
	task := fix.createTask(t, nil)

	if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}

	got := fix.reload(t, task.ID)
	if got.Status != queue.StatusRetry {
		t.Errorf("expected status retry, got %q", got.Status)
	}
	if got.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", got.Attempt)
	}
	want := "tests failed with exit 1:\nassertion failed: want 200, got 500"
	if got.LastError != want {
		t.Errorf("last error = %q, want %q", got.LastError, want)
	}
	if got.RetryPhase != "impl" {
		t.Errorf("expected failing phase recorded, got %q", got.RetryPhase)
	}
}

func TestExecuteTask_DeadLetterAfterFinalAttempt(t *testing.T) {
	phase := agentPhase("impl")
	phase.CheckArtifact = "out.txt"
	mode := singlePhaseMode(phase)
	mode.UsesWorktrees = true
	runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"did nothing"}}}}
	fix := newFixture(t, mode, runner, newFakeVCS(t), testPipeline())
	task := fix.createTask(t, func(task *queue.Task) {
		task.MaxAttempts = 1
		task.NotifyChat = "ops-room"
	})
	ctx := context.Background()

	if err := fix.exec.ExecuteTask(ctx, task); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}

	got := fix.reload(t, task.ID)
	if got.Status != queue.StatusDeadLetter {
		t.Errorf("expected status dead_letter, got %q", got.Status)
	}
	if got.RetryAfter != "" {
		t.Errorf("dead-lettered task must not carry a retry window, got %q", got.RetryAfter)
	}

	dead, err := fix.store.GetDeadLetterTasks(ctx, 10)
	if err != nil {
		t.Fatalf("GetDeadLetterTasks failed: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != task.ID {
		t.Errorf("expected the task in the dead letter, got %v", dead)
	}

	notes := fix.chat.sent()
	if len(notes) != 1 {
		t.Fatalf("expected one dead-letter notification, got %d", len(notes))
	}
	if notes[0].target != "ops-room" || !strings.Contains(notes[0].body, "failed permanently") {
		t.Errorf("unexpected notification: %+v", notes[0])
	}
	if !strings.Contains(notes[0].body, fmt.Sprintf("#%d", task.ID)) {
		t.Errorf("notification should name the task: %q", notes[0].body)
	}
}

func TestExecuteTask_RetryPhaseResumesFailingPhase(t *testing.T) {
	mode := &modes.Mode{
		Name:               "resumable",
		Label:              "Resumable",
		DefaultMaxAttempts: 3,
		InitialStatus:      "plan",
		UsesWorktrees:      true,
		Phases: []modes.Phase{
			{Name: "plan", Label: "Planning", Role: modes.RoleAgent, Priority: 2,
				SystemPrompt: "You plan.", Instruction: "Write the plan.", Next: "build"},
			{Name: "build", Label: "Building", Role: modes.RoleAgent, Priority: 1,
				SystemPrompt: "You build.", Instruction: "Implement the plan.", Next: queue.StatusDone},
			{Name: queue.StatusRetry, Label: "Retry", Role: modes.RoleSetup, Priority: 0, Next: "plan"},
		},
	}
	runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"second try"}}}}
	fv := newFakeVCS(t)
	fix := newFixture(t, mode, runner, fv, testPipeline())
	task := fix.createTask(t, func(task *queue.Task) { task.Status = queue.StatusRetry })
	ctx := context.Background()

	if err := fix.store.SetTaskRetryPhase(ctx, task.ID, "build"); err != nil {
		t.Fatalf("failed to seed retry phase: %v", err)
	}
	task = fix.reload(t, task.ID)

	if err := fix.exec.ExecuteTask(ctx, task); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}

	got := fix.reload(t, task.ID)
	if got.Status != queue.StatusDone {
		t.Errorf("expected status done, got %q", got.Status)
	}
	if got.RetryPhase != "" {
		t.Errorf("expected retry phase cleared, got %q", got.RetryPhase)
	}
	if fv.resetCalls != 1 {
		t.Errorf("expected one worktree reset, got %d", fv.resetCalls)
	}

	calls := runner.requests()
	if len(calls) != 1 {
		t.Fatalf("expected the retry to re-enter a single phase, got %d runs", len(calls))
	}
	if calls[0].SystemPrompt != "You build." {
		t.Errorf("expected the recorded failing phase to run, got %q", calls[0].SystemPrompt)
	}
}

func TestExecuteTask_RebasePhase(t *testing.T) {
	mode := singlePhaseMode(modes.Phase{
		Name:       "rebase",
		Label:      "Rebase",
		Role:       modes.RoleRebase,
		RebaseBase: "main",
		Next:       queue.StatusMerged,
	})
	mode.UsesWorktrees = true
	pipeline := testPipeline()
	pipeline.AutoMerge = true

	t.Run("clean rebase refreshes the pull request", func(t *testing.T) {
		fv := newFakeVCS(t)
		fix := newFixture(t, mode, &fakeRunner{}, fv, pipeline)
		task := fix.createTask(t, func(task *queue.Task) {
			task.Title = "Fix \"login\"\nredirect"
		})

		if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
			t.Fatalf("ExecuteTask failed: %v", err)
		}

		got := fix.reload(t, task.ID)
		if got.Status != queue.StatusMerged {
			t.Errorf("expected status merged, got %q", got.Status)
		}
		if len(fv.rebaseBases) != 1 || fv.rebaseBases[0] != "main" {
			t.Errorf("unexpected rebase calls: %v", fv.rebaseBases)
		}
		if len(fv.prs) != 1 {
			t.Fatalf("expected one pull request, got %d", len(fv.prs))
		}
		pr := fv.prs[0]
		if pr.branch != fv.branch {
			t.Errorf("pull request branch = %q, want %q", pr.branch, fv.branch)
		}
		if want := stringutil.SanitizeTitle(task.Title, 100); pr.title != want {
			t.Errorf("pull request title = %q, want %q", pr.title, want)
		}
		if !pr.autoMerge {
			t.Error("expected auto-merge for the primary repo")
		}
		if fv.removeCalls != 1 {
			t.Errorf("expected the merged task's worktree removed, got %d removals", fv.removeCalls)
		}
	})

	t.Run("conflict parks for retry", func(t *testing.T) {
		fv := newFakeVCS(t)
		fv.rebaseErr = vcs.ErrRebaseConflict
		fix := newFixture(t, mode, &fakeRunner{}, fv, pipeline)
		task := fix.createTask(t, nil)

		if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
			t.Fatalf("ExecuteTask failed: %v", err)
		}
		got := fix.reload(t, task.ID)
		if got.Status != queue.StatusRetry {
			t.Errorf("expected status retry, got %q", got.Status)
		}
		if !strings.Contains(got.LastError, "rebase onto main failed") {
			t.Errorf("unexpected last error: %q", got.LastError)
		}
	})
}

func TestExecuteTask_PromptAssembly(t *testing.T) {
	phase := agentPhase("impl")
	phase.IncludeTaskContext = true
	phase.IncludeFileListing = true
	phase.AllowedTools = []string{"read", "edit", "bash"}
	phase.ErrorInstruction = "The previous attempt failed:\n{ERROR}\nStart from that failure."
	runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"working"}}}}
	fv := newFakeVCS(t)
	fv.files = []string{"cmd/conveyor/main.go", "internal/queue/store.go"}
	fix := newFixture(t, singlePhaseMode(phase), runner, fv, testPipeline())
	fix.exec.repoPrompt = func(config.RepoTarget, string) string { return "Follow the project style guide." }

	task := fix.createTask(t, nil)
	ctx := context.Background()
	if err := fix.store.UpdateTaskError(ctx, task.ID, "tests timed out"); err != nil {
		t.Fatalf("failed to seed last error: %v", err)
	}
	task = fix.reload(t, task.ID)

	if err := fix.exec.ExecuteTask(ctx, task); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}

	calls := runner.requests()
	if len(calls) != 1 {
		t.Fatalf("expected 1 agent run, got %d", len(calls))
	}
	req := calls[0]

	want := "## Project Context\n\nFollow the project style guide.\n\n---\n\n" +
		fmt.Sprintf("Task #%d: Fix login redirect\nDescription:\nUsers land on a blank page after logging in.\n\n", task.ID) +
		"Do the impl work." +
		"\n\n## Repository Files\n\ncmd/conveyor/main.go\ninternal/queue/store.go" +
		"\n\nThe previous attempt failed:\ntests timed out\nStart from that failure."
	if req.Prompt != want {
		t.Errorf("prompt mismatch:\n got: %q\nwant: %q", req.Prompt, want)
	}
	if req.SystemPrompt != phase.SystemPrompt {
		t.Errorf("system prompt = %q, want %q", req.SystemPrompt, phase.SystemPrompt)
	}
	if req.WorkDir != task.RepoPath {
		t.Errorf("workdir = %q, want the repo path %q", req.WorkDir, task.RepoPath)
	}
	if len(req.AllowedTools) != 3 || req.AllowedTools[0] != "read" {
		t.Errorf("allowed tools not forwarded: %v", req.AllowedTools)
	}
}

func TestReadRepoPrompt_Sources(t *testing.T) {
	fix := newFixture(t, singlePhaseMode(agentPhase("impl")), &fakeRunner{}, newFakeVCS(t), testPipeline())

	t.Run("repo config yaml", func(t *testing.T) {
		repo := t.TempDir()
		yaml := "prompt: |\n  Keep handlers thin.\ntest_cmd: make check\n"
		if err := os.WriteFile(filepath.Join(repo, config.RepoConfigFile), []byte(yaml), 0o644); err != nil {
			t.Fatal(err)
		}
		if got := fix.exec.readRepoPrompt(config.RepoTarget{}, repo); got != "Keep handlers thin." {
			t.Errorf("expected the .conveyor.yaml prompt, got %q", got)
		}
	})

	t.Run("explicit prompt file wins", func(t *testing.T) {
		repo := t.TempDir()
		if err := os.WriteFile(filepath.Join(repo, config.RepoConfigFile), []byte("prompt: from yaml\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(repo, "CONTEXT.md"), []byte("From the prompt file.\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		got := fix.exec.readRepoPrompt(config.RepoTarget{PromptFile: "CONTEXT.md"}, repo)
		if got != "From the prompt file." {
			t.Errorf("expected the explicit prompt file to win, got %q", got)
		}
	})

	t.Run("conventional prompt.md fallback", func(t *testing.T) {
		repo := t.TempDir()
		if err := os.MkdirAll(filepath.Join(repo, ".conveyor"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(repo, repoPromptFile), []byte("Conventional context.\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if got := fix.exec.readRepoPrompt(config.RepoTarget{}, repo); got != "Conventional context." {
			t.Errorf("expected the conventional prompt file, got %q", got)
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		if got := fix.exec.readRepoPrompt(config.RepoTarget{}, t.TempDir()); got != "" {
			t.Errorf("expected no prompt, got %q", got)
		}
	})
}

func TestRepoFor_RepoConfigTestCmd(t *testing.T) {
	fix := newFixture(t, singlePhaseMode(agentPhase("impl")), &fakeRunner{}, newFakeVCS(t), testPipeline())

	repo := t.TempDir()
	target := fix.exec.repoFor(repo)
	if target.TestCmd != "make test" {
		t.Errorf("expected the primary test command inherited, got %q", target.TestCmd)
	}

	if err := os.WriteFile(filepath.Join(repo, config.RepoConfigFile), []byte("test_cmd: make check\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	target = fix.exec.repoFor(repo)
	if target.TestCmd != "make check" {
		t.Errorf("expected the .conveyor.yaml test command, got %q", target.TestCmd)
	}
}

func TestExecuteTask_UnknownStatus(t *testing.T) {
	runner := &fakeRunner{}
	fix := newFixture(t, singlePhaseMode(agentPhase("plan")), runner, newFakeVCS(t), testPipeline())
	task := fix.createTask(t, nil)
	ctx := context.Background()

	if err := fix.store.UpdateTaskStatus(ctx, task.ID, "review"); err != nil {
		t.Fatalf("failed to set status: %v", err)
	}
	task = fix.reload(t, task.ID)

	if err := fix.exec.ExecuteTask(ctx, task); !errors.Is(err, ErrUnknownPhase) {
		t.Errorf("expected ErrUnknownPhase, got %v", err)
	}
}

func TestExecuteTask_AgentErrorParksForRetry(t *testing.T) {
	runner := &fakeRunner{scripts: []scriptedRun{{err: errors.New("agent exited with code 2")}}}
	fix := newFixture(t, singlePhaseMode(agentPhase("impl")), runner, newFakeVCS(t), testPipeline())
	task := fix.createTask(t, nil)

	if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}
	got := fix.reload(t, task.ID)
	if got.Status != queue.StatusRetry {
		t.Errorf("expected status retry, got %q", got.Status)
	}
	if got.LastError != "agent exited with code 2" {
		t.Errorf("unexpected last error: %q", got.LastError)
	}
}

func TestExecuteTask_RetryWindowFollowsBackoffSchedule(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	t.Run("first failure", func(t *testing.T) {
		runner := &fakeRunner{scripts: []scriptedRun{{err: errors.New("agent exited with code 2")}}}
		fix := newFixtureWithClock(t, singlePhaseMode(agentPhase("impl")), runner, newFakeVCS(t), testPipeline(), clock.NewFake(now))
		task := fix.createTask(t, nil)

		if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
			t.Fatalf("ExecuteTask failed: %v", err)
		}
		got := fix.reload(t, task.ID)
		if got.Attempt != 1 {
			t.Errorf("expected attempt 1, got %d", got.Attempt)
		}
		if want := clock.Timestamp(now.Add(time.Minute)); got.RetryAfter != want {
			t.Errorf("expected first failure to park until %q, got %q", want, got.RetryAfter)
		}
	})

	t.Run("third failure", func(t *testing.T) {
		runner := &fakeRunner{scripts: []scriptedRun{{err: errors.New("agent exited with code 2")}}}
		fix := newFixtureWithClock(t, singlePhaseMode(agentPhase("impl")), runner, newFakeVCS(t), testPipeline(), clock.NewFake(now))
		task := fix.createTask(t, func(task *queue.Task) {
			task.Attempt = 2
			task.MaxAttempts = 5
		})

		if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
			t.Fatalf("ExecuteTask failed: %v", err)
		}
		got := fix.reload(t, task.ID)
		if got.Attempt != 3 {
			t.Errorf("expected attempt 3, got %d", got.Attempt)
		}
		if want := clock.Timestamp(now.Add(4 * time.Minute)); got.RetryAfter != want {
			t.Errorf("expected third failure to park until %q, got %q", want, got.RetryAfter)
		}
	})
}

func TestExecuteTask_WatchdogTimesOutAgent(t *testing.T) {
	runner := &fakeRunner{}
	runner.run = func(req agent.Request) (*agent.Result, error) {
		p := newStubProcess()
		if req.OnStart != nil {
			req.OnStart(p)
		}
		select {
		case <-p.terminateCh:
		case <-time.After(5 * time.Second):
			return nil, errors.New("watchdog never terminated the run")
		}
		return nil, errors.New("killed")
	}
	pipeline := testPipeline()
	pipeline.AgentTimeoutS = 1
	fix := newFixture(t, singlePhaseMode(agentPhase("impl")), runner, newFakeVCS(t), pipeline)
	task := fix.createTask(t, nil)

	if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}
	got := fix.reload(t, task.ID)
	if got.Status != queue.StatusRetry {
		t.Errorf("expected status retry, got %q", got.Status)
	}
	if got.LastError != "agent timeout after 1 s" {
		t.Errorf("unexpected last error: %q", got.LastError)
	}
}

func TestExecuteTask_SandboxFallsBackToLocal(t *testing.T) {
	phase := agentPhase("impl")
	phase.UseSandbox = true
	runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"running locally"}}}}
	fix := newFixture(t, singlePhaseMode(phase), runner, newFakeVCS(t), testPipeline())
	task := fix.createTask(t, nil)

	if err := fix.exec.ExecuteTask(context.Background(), task); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}
	if len(runner.requests()) != 1 {
		t.Error("expected the local runner to serve the sandbox phase")
	}
	if got := fix.reload(t, task.ID); got.Status != queue.StatusDone {
		t.Errorf("expected status done, got %q", got.Status)
	}
}
