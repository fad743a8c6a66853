// Package executor drives one task through its mode's phase chain: prepare
// the workspace, invoke the agent, check the produced work, then advance,
// retry, or dead-letter.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/chat"
	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/events/bus"
	"github.com/conveyorhq/conveyor/internal/modes"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/streams"
	"github.com/conveyorhq/conveyor/internal/vcs"
)

// Common errors
var (
	// ErrUnknownPhase means a task's status names no phase of its mode.
	ErrUnknownPhase = errors.New("task status is not a phase of its mode")
)

// maxPRTitleBytes caps sanitized pull request titles.
const maxPRTitleBytes = 100

// repoPromptFile is the conventional location of a repository's project
// context prompt, read when the repo config names no explicit file.
const repoPromptFile = ".conveyor/prompt.md"

// Options wires the executor's collaborators. Sandbox may be nil when no
// container runtime is available; sandbox phases then fall back to the
// local runner with a warning.
type Options struct {
	Store    queue.Store
	Mode     *modes.Mode
	FanOut   *streams.FanOut
	Local    agent.Runner
	Sandbox  agent.Runner
	VCS      vcs.VCS
	Chat     chat.Chat
	Bus      bus.EventBus
	Pipeline config.PipelineConfig
	Logger   *logger.Logger
}

// Executor runs tasks phase by phase. One ExecuteTask call owns one task;
// the scheduler guarantees a task is never driven by two workers at once.
type Executor struct {
	store   queue.Store
	mode    *modes.Mode
	fanout  *streams.FanOut
	local   agent.Runner
	sandbox agent.Runner
	vcs     vcs.VCS
	chat    chat.Chat
	bus     bus.EventBus
	cfg     config.PipelineConfig
	repos   map[string]config.RepoTarget
	logger  *logger.Logger

	// repoPrompt resolves the project-context prefix for a repository.
	// Overridable in tests.
	repoPrompt func(target config.RepoTarget, repoPath string) string
}

// New creates an executor for the selected mode.
func New(opts Options) *Executor {
	repos := make(map[string]config.RepoTarget)
	for _, target := range opts.Pipeline.Repos() {
		repos[target.Path] = target
	}

	e := &Executor{
		store:   opts.Store,
		mode:    opts.Mode,
		fanout:  opts.FanOut,
		local:   opts.Local,
		sandbox: opts.Sandbox,
		vcs:     opts.VCS,
		chat:    opts.Chat,
		bus:     opts.Bus,
		cfg:     opts.Pipeline,
		repos:   repos,
		logger:  opts.Logger.WithFields(zap.String("component", "executor")),
	}
	e.repoPrompt = e.readRepoPrompt
	return e
}

// ExecuteTask drives a task until it reaches a terminal status or is parked
// for the scheduler (retry window, qa_fix re-dispatch). The stop signal is
// honored at phase boundaries only; a phase in flight finishes under its
// own watchdog.
func (e *Executor) ExecuteTask(ctx context.Context, task *queue.Task) error {
	log := e.logger.WithTaskID(task.ID)
	e.fanout.Open(task.ID)

	for {
		select {
		case <-ctx.Done():
			log.Info("stopping at phase boundary")
			return ctx.Err()
		default:
		}

		if queue.IsTerminal(task.Status) {
			return nil
		}
		phase, ok := e.mode.Phase(task.Status)
		if !ok {
			return fmt.Errorf("%w: %q in mode %s", ErrUnknownPhase, task.Status, e.mode.Name)
		}

		result, err := e.runPhase(ctx, task, phase)
		if err != nil {
			return err
		}
		if result.parked {
			return nil
		}
		if queue.IsTerminal(result.next) {
			e.finishTask(ctx, task, result.next)
			return nil
		}

		fresh, err := e.store.GetTask(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("failed to reload task: %w", err)
		}
		if fresh == nil {
			return queue.ErrTaskNotFound
		}
		task = fresh
	}
}

// finishTask runs terminal-status side effects: the completion event and,
// for merged work, worktree cleanup.
func (e *Executor) finishTask(ctx context.Context, task *queue.Task, status string) {
	e.logger.WithTaskID(task.ID).Info("task finished", zap.String("status", status))
	e.publishEvent(ctx, events.TaskDone, map[string]interface{}{
		"task_id": task.ID,
		"status":  status,
	})

	if status == queue.StatusMerged && e.mode.UsesWorktrees && e.vcs != nil {
		if err := e.vcs.RemoveWorktree(ctx, task.RepoPath, task.ID); err != nil {
			e.logger.WithTaskID(task.ID).Debug("worktree cleanup failed", zap.Error(err))
		}
	}
}

// repoFor resolves the repo-specific settings for a task. Unregistered
// paths inherit the primary repo's test command and merge policy; a
// .conveyor.yaml test_cmd in the repository itself wins over both.
func (e *Executor) repoFor(path string) config.RepoTarget {
	target, ok := e.repos[path]
	if !ok {
		target = config.RepoTarget{
			Path:      path,
			TestCmd:   e.cfg.PrimaryTestCmd,
			AutoMerge: e.cfg.AutoMerge,
		}
	}
	if rc, err := config.LoadRepoConfig(path); err == nil && rc != nil && rc.TestCmd != "" {
		target.TestCmd = rc.TestCmd
	}
	return target
}

// readRepoPrompt resolves the project-context prefix: an explicit prompt
// file or .conveyor.yaml prompt first, then the conventional
// .conveyor/prompt.md. repoPath may be a worktree rather than target.Path.
func (e *Executor) readRepoPrompt(target config.RepoTarget, repoPath string) string {
	target.Path = repoPath
	if prompt := config.RepoPrompt(target); prompt != "" {
		return prompt
	}
	data, err := os.ReadFile(filepath.Join(repoPath, repoPromptFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// publishEvent emits a bus event best-effort; delivery problems never stall
// a task.
func (e *Executor) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, subject, bus.NewEvent(subject, "executor", data)); err != nil {
		e.logger.Debug("event publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (e *Executor) publishPhaseFinished(ctx context.Context, task *queue.Task, phase *modes.Phase, outcome, errMsg string) {
	data := map[string]interface{}{
		"task_id": task.ID,
		"phase":   phase.Name,
		"outcome": outcome,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	e.publishEvent(ctx, events.PhaseFinished, data)
}
