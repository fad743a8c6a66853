package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/events/bus"
	"github.com/conveyorhq/conveyor/internal/queue"
)

// seedCreatedBy marks tasks the seeder creates so operators can tell them
// apart from chat- and API-submitted work.
const seedCreatedBy = "seeder"

// seedLoop keeps a continuous-mode deployment busy: whenever the queue is
// fully idle it creates one improvement task per watched repo that carries a
// prompt file, rate-limited by the global seed cooldown.
func (e *Engine) seedLoop(ctx context.Context) {
	defer e.wg.Done()

	e.seedPass(ctx)
	ticker := time.NewTicker(e.seedPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.seedPass(ctx)
		}
	}
}

// seedPass runs one seeding decision. It seeds only when no task is active
// anywhere (parked retries included) and the cooldown window has passed, so
// a busy pipeline is never diluted with generated work.
func (e *Engine) seedPass(ctx context.Context) {
	stats, err := e.store.GetStats(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("failed to read queue stats for seeding")
		return
	}
	if stats.Active > 0 {
		return
	}

	now := e.clock.Now()
	cooldown := time.Duration(e.cfg.Pipeline.SeedCooldownS) * time.Second
	if !e.lastSeed.IsZero() && now.Sub(e.lastSeed) < cooldown {
		return
	}

	seeded := 0
	for _, target := range e.cfg.Pipeline.Repos() {
		if target.PromptFile == "" {
			continue
		}
		task, err := e.seedRepo(ctx, target)
		if err != nil {
			e.logger.WithError(err).Warn("failed to seed repo", zap.String("repo", target.Path))
			continue
		}
		e.logger.Info("seeded improvement task",
			zap.Int64("task_id", task.ID),
			zap.String("repo", target.Path))
		seeded++
	}

	if seeded > 0 {
		e.lastSeed = now
		e.scheduler.Kick(ctx)
	}
}

// seedRepo builds one task from the repo's prompt file. A relative prompt
// file path is resolved inside the repo.
func (e *Engine) seedRepo(ctx context.Context, target config.RepoTarget) (*queue.Task, error) {
	promptPath := target.PromptFile
	if !filepath.IsAbs(promptPath) {
		promptPath = filepath.Join(target.Path, promptPath)
	}
	raw, err := os.ReadFile(promptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}
	prompt := strings.TrimSpace(string(raw))
	if prompt == "" {
		return nil, fmt.Errorf("prompt file %s is empty", promptPath)
	}

	task := &queue.Task{
		Title:       fmt.Sprintf("Continuous improvement: %s", filepath.Base(target.Path)),
		Description: prompt,
		RepoPath:    target.Path,
		Status:      e.mode.InitialStatus,
		MaxAttempts: e.mode.DefaultMaxAttempts,
		CreatedBy:   seedCreatedBy,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create seed task: %w", err)
	}

	if e.bus != nil {
		event := bus.NewEvent(events.TaskCreated, seedCreatedBy, map[string]interface{}{
			"task_id":    task.ID,
			"title":      task.Title,
			"created_by": task.CreatedBy,
			"repo_path":  task.RepoPath,
		})
		if err := e.bus.Publish(ctx, events.TaskCreated, event); err != nil {
			e.logger.WithError(err).Warn("failed to publish task created event")
		}
	}
	return task, nil
}
