package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/modes"
	"github.com/conveyorhq/conveyor/internal/pipeline/backoff"
	"github.com/conveyorhq/conveyor/internal/queue"
)

// routeFailure runs the retry / dead-letter routine for any non-success,
// non-qa_fix failure: record the error, burn an attempt, then either park
// the task behind its backoff window or move it to the dead letter.
func (e *Executor) routeFailure(ctx context.Context, task *queue.Task, phase *modes.Phase, failureText string) error {
	log := e.logger.WithTaskID(task.ID).WithPhase(phase.Name)

	if err := e.store.UpdateTaskError(ctx, task.ID, failureText); err != nil {
		return fmt.Errorf("failed to record task error: %w", err)
	}
	// Remember which phase failed so the retry phase re-enters it. A
	// failure of the retry phase itself keeps the original target.
	if phase.Name != queue.StatusRetry {
		if err := e.store.SetTaskRetryPhase(ctx, task.ID, phase.Name); err != nil {
			return fmt.Errorf("failed to record failing phase: %w", err)
		}
	}
	// The delay is indexed by the attempt that just failed, so the first
	// failure parks for backoff.Delay(0) = 60s.
	failedAttempt := task.Attempt
	if err := e.store.IncrementTaskAttempt(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to increment attempt: %w", err)
	}

	fresh, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to re-fetch task: %w", err)
	}
	if fresh == nil {
		return queue.ErrTaskNotFound
	}
	*task = *fresh

	if task.Attempt >= task.MaxAttempts {
		if err := e.store.UpdateTaskStatus(ctx, task.ID, queue.StatusDeadLetter); err != nil {
			return fmt.Errorf("failed to dead-letter task: %w", err)
		}
		log.Error("task moved to dead letter",
			zap.Int("attempt", task.Attempt),
			zap.Int("max_attempts", task.MaxAttempts),
			zap.String("last_error", failureText))
		e.publishEvent(ctx, events.TaskDeadLetter, map[string]interface{}{
			"task_id": task.ID,
			"phase":   phase.Name,
			"attempt": task.Attempt,
			"error":   failureText,
		})
		e.notifyDeadLetter(ctx, task, phase)
		return nil
	}

	delay := backoff.Delay(failedAttempt)
	if err := e.store.SetTaskRetryAfter(ctx, task.ID, delay); err != nil {
		return fmt.Errorf("failed to set retry window: %w", err)
	}
	if err := e.store.UpdateTaskStatus(ctx, task.ID, queue.StatusRetry); err != nil {
		return fmt.Errorf("failed to park task for retry: %w", err)
	}
	log.Warn("task parked for retry",
		zap.Int("attempt", task.Attempt),
		zap.Int64("delay_s", delay))
	e.publishEvent(ctx, events.TaskRetry, map[string]interface{}{
		"task_id": task.ID,
		"phase":   phase.Name,
		"attempt": task.Attempt,
		"delay_s": delay,
	})
	return nil
}

func (e *Executor) notifyDeadLetter(ctx context.Context, task *queue.Task, phase *modes.Phase) {
	if task.NotifyChat == "" || e.chat == nil {
		return
	}
	msg := fmt.Sprintf("Task #%d (%s) failed permanently in phase %s after %d attempts:\n%s",
		task.ID, task.Title, phase.Name, task.Attempt, task.LastError)
	if err := e.chat.Notify(ctx, task.NotifyChat, msg); err != nil {
		e.logger.WithTaskID(task.ID).Warn("dead-letter notification failed", zap.Error(err))
	}
}
