package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/vcs"
)

// SimulatedAgentRunner stands in for the agent CLI. Each run streams the
// scripted lines through OnLine and returns the scripted output; failures
// are armed per run with FailNext.
type SimulatedAgentRunner struct {
	mu       sync.Mutex
	requests []agent.Request
	lines    []string
	output   string
	session  string
	failures int
	failText string
	work     func(req agent.Request)
}

// NewSimulatedAgentRunner returns a runner that succeeds silently until
// scripted otherwise.
func NewSimulatedAgentRunner() *SimulatedAgentRunner {
	return &SimulatedAgentRunner{session: "sim-session-1"}
}

// ScriptLines sets the lines every subsequent run streams.
func (s *SimulatedAgentRunner) ScriptLines(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = lines
}

// ScriptOutput sets the final output of every subsequent run.
func (s *SimulatedAgentRunner) ScriptOutput(output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = output
}

// FailNext arms the next n runs to fail with msg.
func (s *SimulatedAgentRunner) FailNext(n int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failText = msg
}

// OnRun registers fn to execute inside each invocation before any output;
// tests use it to drop artifacts into the workdir.
func (s *SimulatedAgentRunner) OnRun(fn func(req agent.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.work = fn
}

// Runs reports how many invocations happened.
func (s *SimulatedAgentRunner) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// LastRequest returns the most recent invocation.
func (s *SimulatedAgentRunner) LastRequest() (agent.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return agent.Request{}, false
	}
	return s.requests[len(s.requests)-1], true
}

func (s *SimulatedAgentRunner) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	failText := s.failText
	lines := append([]string(nil), s.lines...)
	output := s.output
	session := s.session
	work := s.work
	s.mu.Unlock()

	if req.OnStart != nil {
		req.OnStart(simulatedProcess{})
	}
	if work != nil {
		work(req)
	}
	if fail {
		return nil, errors.New(failText)
	}
	for _, line := range lines {
		if req.OnLine != nil {
			req.OnLine(line)
		}
	}
	return &agent.Result{Output: output, NewSessionID: session}, nil
}

type simulatedProcess struct{}

func (simulatedProcess) Terminate() error { return nil }
func (simulatedProcess) Kill() error      { return nil }

// SimulatedVCS implements the pipeline's version-control surface with real
// directories and recorded calls. Worktrees are plain directories under the
// test's temporary root; commits, test runs and pull requests always
// succeed.
type SimulatedVCS struct {
	root string

	mu        sync.Mutex
	worktrees map[int64]*vcs.Worktree
	commits   []string
	prs       []string
	rebases   []string
	removed   []int64
	testRuns  int
	resets    int
}

// NewSimulatedVCS returns a recording VCS rooted in a fresh temp directory.
func NewSimulatedVCS(t *testing.T) *SimulatedVCS {
	t.Helper()
	return &SimulatedVCS{
		root:      t.TempDir(),
		worktrees: make(map[int64]*vcs.Worktree),
	}
}

func (s *SimulatedVCS) CreateWorktree(_ context.Context, _ string, taskID int64, _ string) (*vcs.Worktree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wt, ok := s.worktrees[taskID]; ok {
		return wt, nil
	}
	path := filepath.Join(s.root, fmt.Sprintf("task-%d", taskID))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	wt := &vcs.Worktree{Path: path, Branch: fmt.Sprintf("conveyor/task-%d", taskID)}
	s.worktrees[taskID] = wt
	return wt, nil
}

func (s *SimulatedVCS) RemoveWorktree(_ context.Context, _ string, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worktrees[taskID]; !ok {
		return vcs.ErrWorktreeNotFound
	}
	delete(s.worktrees, taskID)
	s.removed = append(s.removed, taskID)
	return nil
}

func (s *SimulatedVCS) Commit(_ context.Context, _ string, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, message)
	return true, nil
}

func (s *SimulatedVCS) RunTests(_ context.Context, _, _ string) (*vcs.TestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testRuns++
	return &vcs.TestResult{Stdout: "ok", ExitCode: 0}, nil
}

func (s *SimulatedVCS) Rebase(_ context.Context, _, base string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebases = append(s.rebases, base)
	return nil
}

func (s *SimulatedVCS) OpenPR(_ context.Context, _, _, title string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prs = append(s.prs, title)
	return nil
}

func (s *SimulatedVCS) ListTrackedFiles(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (s *SimulatedVCS) ResetWorktree(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

// Commits returns the recorded commit messages.
func (s *SimulatedVCS) Commits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commits...)
}

// PRs returns the recorded pull request titles.
func (s *SimulatedVCS) PRs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prs...)
}

// Removed returns the task ids whose worktrees were torn down.
func (s *SimulatedVCS) Removed() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.removed...)
}

// TestRuns reports how many times the test command ran.
func (s *SimulatedVCS) TestRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testRuns
}
