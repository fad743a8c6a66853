// Package scheduler drives the dispatch loop. Each tick drains the
// store's eligible tasks and hands them to per-task workers, bounded by
// the worker cap and deduplicated against the in-flight set.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/events/bus"
	"github.com/conveyorhq/conveyor/internal/queue"
)

// Common errors
var (
	ErrAlreadyRunning = errors.New("scheduler is already running")
	ErrNotRunning     = errors.New("scheduler is not running")
)

// clearFlagTimeout bounds the dispatch-flag cleanup a finished worker
// performs; it runs on its own context so a shutdown cannot strand flags.
const clearFlagTimeout = 5 * time.Second

// Config holds the dispatch loop settings.
type Config struct {
	TickInterval time.Duration // how often the queue is drained
	MaxWorkers   int           // concurrent worker cap
	FetchLimit   int           // tasks examined per tick
}

// DefaultConfig returns the dispatch defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: 30 * time.Second,
		MaxWorkers:   2,
		FetchLimit:   32,
	}
}

// TaskSource is the slice of the queue store the scheduler needs.
type TaskSource interface {
	GetActiveTasks(ctx context.Context, limit int) ([]*queue.Task, error)
	MarkDispatched(ctx context.Context, id int64) error
	ClearDispatched(ctx context.Context, id int64) error
}

// Executor runs one task until it parks or reaches a terminal status.
type Executor interface {
	ExecuteTask(ctx context.Context, task *queue.Task) error
}

// Status is a point-in-time dispatch snapshot.
type Status struct {
	Running         bool  `json:"running"`
	ActiveWorkers   int   `json:"active_workers"`
	MaxWorkers      int   `json:"max_workers"`
	TotalDispatched int64 `json:"total_dispatched"`
	TotalFailed     int64 `json:"total_failed"`
}

// Scheduler owns the tick loop and the worker pool.
type Scheduler struct {
	store    TaskSource
	executor Executor
	bus      bus.EventBus
	logger   *logger.Logger
	config   Config

	activeWorkers int64

	// passMu serializes dispatch passes so a Kick racing the ticker
	// cannot overshoot the worker cap.
	passMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[int64]struct{}

	totalDispatched int64
	totalFailed     int64

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. The bus is optional; without one dispatch
// events are simply not published.
func New(store TaskSource, exec Executor, eventBus bus.EventBus, log *logger.Logger, config Config) *Scheduler {
	if config.MaxWorkers < 1 {
		config.MaxWorkers = 1
	}
	if config.FetchLimit < 1 {
		config.FetchLimit = DefaultConfig().FetchLimit
	}
	return &Scheduler{
		store:    store,
		executor: exec,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		config:   config,
		inflight: make(map[int64]struct{}),
	}
}

// Start begins the tick loop. Workers inherit ctx and stop at phase
// boundaries when it is canceled; the agent run in flight is bounded by
// the executor's watchdog, not by ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("tick_interval", s.config.TickInterval),
		zap.Int("max_workers", s.config.MaxWorkers))

	s.wg.Add(1)
	go s.processLoop(ctx)

	return nil
}

// Stop halts the tick loop and waits for in-flight workers to park or
// finish their task.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether the tick loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status returns dispatch statistics for the HTTP surface.
func (s *Scheduler) Status() Status {
	return Status{
		Running:         s.IsRunning(),
		ActiveWorkers:   int(atomic.LoadInt64(&s.activeWorkers)),
		MaxWorkers:      s.config.MaxWorkers,
		TotalDispatched: atomic.LoadInt64(&s.totalDispatched),
		TotalFailed:     atomic.LoadInt64(&s.totalFailed),
	}
}

// Kick triggers one dispatch pass outside the tick cadence. The intake
// calls it so a freshly created task does not wait out the interval.
func (s *Scheduler) Kick(ctx context.Context) {
	if !s.IsRunning() {
		return
	}
	s.processTasks(ctx)
}

func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.Info("dispatch loop started")

	// Drain once at startup rather than waiting out the first interval.
	s.processTasks(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("dispatch loop stopping, context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("dispatch loop stopping")
			return
		case <-ticker.C:
			s.processTasks(ctx)
		}
	}
}

// processTasks runs one dispatch pass. The capacity gate is checked
// before the in-flight gate: once the pool is full nothing later in the
// batch can dispatch either, so the pass ends immediately.
func (s *Scheduler) processTasks(ctx context.Context) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	tasks, err := s.store.GetActiveTasks(ctx, s.config.FetchLimit)
	if err != nil {
		s.logger.Error("failed to fetch dispatchable tasks", zap.Error(err))
		return
	}

	for _, task := range tasks {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		if atomic.LoadInt64(&s.activeWorkers) >= int64(s.config.MaxWorkers) {
			break
		}

		if !s.claim(task.ID) {
			continue
		}
		atomic.AddInt64(&s.activeWorkers, 1)

		if err := s.store.MarkDispatched(ctx, task.ID); err != nil {
			s.logger.Error("failed to mark task dispatched",
				zap.Int64("task_id", task.ID),
				zap.Error(err))
			s.release(task.ID)
			atomic.AddInt64(&s.activeWorkers, -1)
			continue
		}

		s.logger.Info("dispatching task",
			zap.Int64("task_id", task.ID),
			zap.String("status", task.Status),
			zap.Int("attempt", task.Attempt))
		s.publishDispatched(ctx, task)

		s.wg.Add(1)
		go s.runWorker(ctx, task)
	}
}

func (s *Scheduler) runWorker(ctx context.Context, task *queue.Task) {
	defer s.wg.Done()
	log := s.logger.WithTaskID(task.ID)

	defer func() {
		s.release(task.ID)
		atomic.AddInt64(&s.activeWorkers, -1)

		// Clear the flag on a fresh context so a canceled run ctx cannot
		// strand the task until the next restart sweep.
		clearCtx, cancel := context.WithTimeout(context.Background(), clearFlagTimeout)
		defer cancel()
		if err := s.store.ClearDispatched(clearCtx, task.ID); err != nil {
			log.Warn("failed to clear dispatch flag", zap.Error(err))
		}
	}()

	if err := s.executor.ExecuteTask(ctx, task); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("worker stopped at phase boundary")
			return
		}
		atomic.AddInt64(&s.totalFailed, 1)
		log.Error("worker aborted", zap.Error(err))
		return
	}
	atomic.AddInt64(&s.totalDispatched, 1)
}

// claim reserves the task in the in-flight set; false means another
// worker already owns it.
func (s *Scheduler) claim(id int64) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id int64) {
	s.inflightMu.Lock()
	delete(s.inflight, id)
	s.inflightMu.Unlock()
}

func (s *Scheduler) publishDispatched(ctx context.Context, task *queue.Task) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.TaskDispatched, "scheduler", map[string]interface{}{
		"task_id": task.ID,
		"status":  task.Status,
		"attempt": task.Attempt,
	})
	if err := s.bus.Publish(ctx, events.TaskDispatched, event); err != nil {
		s.logger.Debug("event publish failed", zap.Error(err))
	}
}
