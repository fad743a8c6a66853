package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/common/stringutil"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/modes"
	"github.com/conveyorhq/conveyor/internal/pipeline/sentinel"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/vcs"
)

// phaseResult is one phase turn's verdict for the ExecuteTask loop.
type phaseResult struct {
	// next is the status the task advanced to (success only).
	next string
	// parked means the task was handed back to the scheduler: retry
	// window, qa_fix re-dispatch, or dead letter.
	parked bool
}

// phaseFailure is a classified failure: the task keeps running through the
// retry routine rather than aborting the worker.
type phaseFailure struct {
	text string
	// testOutput is set when a test run produced the failure; it feeds
	// qa_fix routing.
	testOutput *vcs.TestResult
}

// runPhase executes one phase turn: bookkeeping around drivePhase plus
// outcome routing.
func (e *Executor) runPhase(ctx context.Context, task *queue.Task, phase *modes.Phase) (phaseResult, error) {
	log := e.logger.WithTaskID(task.ID).WithPhase(phase.Name)
	log.Info("phase starting",
		zap.String("role", string(phase.Role)),
		zap.Int("attempt", task.Attempt))

	e.publishEvent(ctx, events.PhaseStarted, map[string]interface{}{
		"task_id": task.ID,
		"phase":   phase.Name,
	})

	runID, err := e.store.LogRunStart(ctx, task.ID, phase.Name, task.RepoPath)
	if err != nil {
		return phaseResult{}, fmt.Errorf("failed to record run start: %w", err)
	}

	failure, bytesOut, err := e.drivePhase(ctx, task, phase, log)

	finish := func(status, errMsg string) {
		if ferr := e.store.LogRunFinish(ctx, runID, status, bytesOut, errMsg); ferr != nil {
			log.Warn("failed to close run history row", zap.Error(ferr))
		}
	}

	if err != nil {
		finish(queue.RunStatusError, err.Error())
		e.publishPhaseFinished(ctx, task, phase, "error", err.Error())
		return phaseResult{}, err
	}

	if failure == nil {
		next, aerr := e.advance(ctx, task, phase)
		if aerr != nil {
			finish(queue.RunStatusError, aerr.Error())
			return phaseResult{}, aerr
		}
		finish(queue.RunStatusDone, "")
		log.Info("phase complete", zap.String("next", next))
		e.publishPhaseFinished(ctx, task, phase, "done", "")
		return phaseResult{next: next}, nil
	}

	// Failures authored by the agent's own test files route to qa_fix
	// without burning an attempt; the agent fixes its tests and the
	// scheduler re-dispatches.
	if failure.testOutput != nil && phase.HasQAFixRouting &&
		ClassifyTestFailure(failure.testOutput.Stderr, failure.testOutput.Stdout) == FailureTestFile {
		output := failure.testOutput.Combined()
		if uerr := e.store.UpdateTaskError(ctx, task.ID, output); uerr != nil {
			finish(queue.RunStatusError, uerr.Error())
			return phaseResult{}, fmt.Errorf("failed to record test failure: %w", uerr)
		}
		if uerr := e.store.UpdateTaskStatus(ctx, task.ID, modes.QAFixPhase); uerr != nil {
			finish(queue.RunStatusError, uerr.Error())
			return phaseResult{}, fmt.Errorf("failed to route to %s: %w", modes.QAFixPhase, uerr)
		}
		finish(queue.RunStatusFailed, output)
		log.Warn("test failure routed to qa_fix")
		e.publishPhaseFinished(ctx, task, phase, modes.QAFixPhase, output)
		return phaseResult{parked: true}, nil
	}

	if rerr := e.routeFailure(ctx, task, phase, failure.text); rerr != nil {
		finish(queue.RunStatusError, rerr.Error())
		return phaseResult{}, rerr
	}
	finish(queue.RunStatusFailed, failure.text)
	e.publishPhaseFinished(ctx, task, phase, "failed", failure.text)
	return phaseResult{parked: true}, nil
}

// drivePhase prepares the workspace and dispatches on the phase role. A
// returned phaseFailure is a classified failure; err is reserved for
// infrastructure problems (store writes) that abort the worker.
func (e *Executor) drivePhase(ctx context.Context, task *queue.Task, phase *modes.Phase, log *logger.Logger) (*phaseFailure, int64, error) {
	workdir, target, failure, err := e.prepareWorkspace(ctx, task)
	if err != nil || failure != nil {
		return failure, 0, err
	}

	switch phase.Role {
	case modes.RoleSetup:
		return e.runSetupPhase(ctx, task, phase, workdir), 0, nil
	case modes.RoleRebase:
		return e.runRebasePhase(ctx, task, phase, workdir, target), 0, nil
	default:
		return e.runAgentPhase(ctx, task, phase, workdir, target, log)
	}
}

// prepareWorkspace resolves the directory a phase works in. Worktree modes
// get their task-scoped checkout allocated (or resumed) and the branch
// persisted on first allocation.
func (e *Executor) prepareWorkspace(ctx context.Context, task *queue.Task) (string, config.RepoTarget, *phaseFailure, error) {
	target := e.repoFor(task.RepoPath)
	if !e.mode.UsesWorktrees || e.vcs == nil {
		return task.RepoPath, target, nil, nil
	}

	wt, err := e.vcs.CreateWorktree(ctx, task.RepoPath, task.ID, task.Title)
	if err != nil {
		return "", target, &phaseFailure{text: "worktree allocation failed: " + err.Error()}, nil
	}
	if task.Branch != wt.Branch {
		if err := e.store.UpdateTaskBranch(ctx, task.ID, wt.Branch); err != nil {
			return "", target, nil, fmt.Errorf("failed to persist branch: %w", err)
		}
		task.Branch = wt.Branch
	}
	return wt.Path, target, nil, nil
}

// runSetupPhase performs the non-agent workspace work. The retry phase
// discards whatever the failed attempt left uncommitted.
func (e *Executor) runSetupPhase(ctx context.Context, task *queue.Task, phase *modes.Phase, workdir string) *phaseFailure {
	if phase.Name == queue.StatusRetry && e.mode.UsesWorktrees && e.vcs != nil && task.Branch != "" {
		if err := e.vcs.ResetWorktree(ctx, workdir); err != nil {
			return &phaseFailure{text: "workspace reset failed: " + err.Error()}
		}
	}
	return nil
}

// runRebasePhase repairs the task branch against its base and refreshes
// the pull request.
func (e *Executor) runRebasePhase(ctx context.Context, task *queue.Task, phase *modes.Phase, workdir string, target config.RepoTarget) *phaseFailure {
	if err := e.vcs.Rebase(ctx, workdir, phase.RebaseBase); err != nil {
		return &phaseFailure{text: "rebase onto " + phase.RebaseBase + " failed: " + err.Error()}
	}

	title := stringutil.SanitizeTitle(task.Title, maxPRTitleBytes)
	if err := e.vcs.OpenPR(ctx, workdir, task.Branch, title, target.AutoMerge); err != nil {
		return &phaseFailure{text: "pull request update failed: " + err.Error()}
	}
	return nil
}

// runAgentPhase invokes the agent with the phase prompts and applies the
// post-run checks.
func (e *Executor) runAgentPhase(ctx context.Context, task *queue.Task, phase *modes.Phase, workdir string, target config.RepoTarget, log *logger.Logger) (*phaseFailure, int64, error) {
	prompt := e.buildPrompt(ctx, task, phase, target, workdir)

	runner := e.local
	if phase.UseSandbox {
		if e.sandbox != nil {
			runner = e.sandbox
		} else {
			log.Warn("sandbox unavailable, running agent locally")
		}
	}

	sessionID := task.SessionID
	if phase.FreshSession {
		sessionID = ""
	}

	scanner := sentinel.NewScanner()
	streamSubject := events.BuildAgentStreamSubject(task.ID)
	var bytesOut int64

	dog := newWatchdog(e.cfg.AgentTimeoutS, log)

	req := agent.Request{
		SystemPrompt: phase.SystemPrompt,
		Prompt:       prompt,
		AllowedTools: phase.AllowedTools,
		SessionID:    sessionID,
		WorkDir:      workdir,
		OnLine: func(line string) {
			atomic.AddInt64(&bytesOut, int64(len(line)))
			e.fanout.Broadcast(task.ID, line)
			e.publishEvent(ctx, streamSubject, map[string]interface{}{
				"task_id": task.ID,
				"line":    line,
			})
			scanner.Feed(line)
		},
		OnStart: dog.Watch,
	}

	result, runErr := runner.Run(ctx, req)
	dog.Finish()
	streamed := atomic.LoadInt64(&bytesOut)

	if result != nil && result.NewSessionID != "" && result.NewSessionID != task.SessionID {
		if err := e.store.SetTaskSessionID(ctx, task.ID, result.NewSessionID); err != nil {
			return nil, streamed, fmt.Errorf("failed to persist session id: %w", err)
		}
		task.SessionID = result.NewSessionID
	}

	// Every exit path below delivers the phase-result block once: the
	// streaming scanner if it fired, the post-run extraction otherwise.
	defer e.deliverPhaseResult(ctx, task, phase, scanner, result)

	if dog.Fired() {
		return &phaseFailure{text: fmt.Sprintf("agent timeout after %d s", e.cfg.AgentTimeoutS)}, streamed, nil
	}
	if runErr != nil {
		return &phaseFailure{text: runErr.Error()}, streamed, nil
	}

	// Post-run checks, in order: artifact, commit, tests, PR.
	if phase.CheckArtifact != "" {
		if _, err := os.Stat(filepath.Join(workdir, phase.CheckArtifact)); err != nil {
			return &phaseFailure{text: fmt.Sprintf("expected artifact %s was not produced", phase.CheckArtifact)}, streamed, nil
		}
	}

	if phase.Commits {
		committed, err := e.vcs.Commit(ctx, workdir, phase.CommitMessage)
		if err != nil {
			return &phaseFailure{text: "commit failed: " + err.Error()}, streamed, nil
		}
		if !committed && !phase.AllowNoChanges {
			return &phaseFailure{text: fmt.Sprintf("phase %s produced no changes to commit", phase.Name)}, streamed, nil
		}
	}

	if phase.RunsTests {
		testResult, err := e.vcs.RunTests(ctx, workdir, target.TestCmd)
		if err != nil {
			return &phaseFailure{text: "test command failed to run: " + err.Error()}, streamed, nil
		}
		if !testResult.Passed() {
			return &phaseFailure{
				text:       fmt.Sprintf("tests failed with exit %d:\n%s", testResult.ExitCode, testResult.Combined()),
				testOutput: testResult,
			}, streamed, nil
		}
	}

	if phase.OpensPR {
		title := stringutil.SanitizeTitle(task.Title, maxPRTitleBytes)
		if err := e.vcs.OpenPR(ctx, workdir, task.Branch, title, target.AutoMerge); err != nil {
			return &phaseFailure{text: "pull request failed: " + err.Error()}, streamed, nil
		}
	}

	return nil, streamed, nil
}

// buildPrompt assembles the phase prompt: project context, task context,
// the phase instruction, the tracked-file listing, and the substituted
// error instruction, in that order.
func (e *Executor) buildPrompt(ctx context.Context, task *queue.Task, phase *modes.Phase, target config.RepoTarget, workdir string) string {
	var b strings.Builder

	if repoPrompt := e.repoPrompt(target, task.RepoPath); repoPrompt != "" {
		b.WriteString("## Project Context\n\n")
		b.WriteString(repoPrompt)
		b.WriteString("\n\n---\n\n")
	}

	if phase.IncludeTaskContext {
		fmt.Fprintf(&b, "Task #%d: %s\nDescription:\n%s\n\n", task.ID, task.Title, task.Description)
	}

	b.WriteString(phase.Instruction)

	if phase.IncludeFileListing && e.vcs != nil {
		files, err := e.vcs.ListTrackedFiles(ctx, workdir)
		if err != nil {
			e.logger.WithTaskID(task.ID).Warn("file listing unavailable", zap.Error(err))
		} else if len(files) > 0 {
			b.WriteString("\n\n## Repository Files\n\n")
			b.WriteString(strings.Join(files, "\n"))
		}
	}

	if task.LastError != "" && phase.ErrorInstruction != "" {
		b.WriteString("\n\n")
		b.WriteString(modes.SubstituteError(phase.ErrorInstruction, task.LastError))
	}

	return b.String()
}

// deliverPhaseResult pushes the extracted phase-result block to the SSE
// stream and chat. At most one delivery per phase; silence when no block
// was emitted.
func (e *Executor) deliverPhaseResult(ctx context.Context, task *queue.Task, phase *modes.Phase, scanner *sentinel.Scanner, result *agent.Result) {
	body := scanner.Result()
	if body == "" && result != nil {
		body = sentinel.ExtractPhaseResult(result.Output)
	}
	if body == "" {
		return
	}

	e.fanout.PushPhaseResult(task.ID, phase.Name, body)
	e.publishEvent(ctx, events.PhaseResult, map[string]interface{}{
		"task_id": task.ID,
		"phase":   phase.Name,
		"result":  body,
	})

	if task.NotifyChat == "" || e.chat == nil {
		return
	}
	if err := e.chat.Notify(ctx, task.NotifyChat, body); err != nil {
		e.logger.WithTaskID(task.ID).Warn("phase result notification failed", zap.Error(err))
	}
}

// advance writes the success status. A completed retry phase prefers the
// recorded failing phase over its static next, then clears the record.
func (e *Executor) advance(ctx context.Context, task *queue.Task, phase *modes.Phase) (string, error) {
	next := phase.Next
	if phase.Name == queue.StatusRetry && task.RetryPhase != "" {
		if _, ok := e.mode.Phase(task.RetryPhase); ok {
			next = task.RetryPhase
		}
		if err := e.store.SetTaskRetryPhase(ctx, task.ID, ""); err != nil {
			return "", fmt.Errorf("failed to clear retry phase: %w", err)
		}
		task.RetryPhase = ""
	}

	if err := e.store.UpdateTaskStatus(ctx, task.ID, next); err != nil {
		return "", fmt.Errorf("failed to advance task: %w", err)
	}
	task.Status = next
	return next, nil
}
