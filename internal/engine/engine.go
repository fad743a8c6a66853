// Package engine assembles the pipeline: durable queue store, phase
// executor, scheduler, chat intake and the continuous-mode seeder behind a
// single Start/Stop lifecycle. cmd/conveyor builds the collaborators and
// hands them in; nothing here is a singleton.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/chat"
	"github.com/conveyorhq/conveyor/internal/common/clock"
	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/events/bus"
	"github.com/conveyorhq/conveyor/internal/modes"
	"github.com/conveyorhq/conveyor/internal/pipeline/executor"
	"github.com/conveyorhq/conveyor/internal/pipeline/scheduler"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/streams"
	"github.com/conveyorhq/conveyor/internal/vcs"
)

var (
	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("engine already running")
	// ErrNotRunning is returned when Stop is called before Start.
	ErrNotRunning = errors.New("engine not running")
)

// drainPollInterval is how often a one-shot run checks whether the queue
// has drained.
const drainPollInterval = 5 * time.Second

// Options carries the collaborators the engine runs on. Store, Mode, Bus,
// FanOut, Local and Logger are required; Sandbox, VCS and Chat may be nil
// when the deployment does without them.
type Options struct {
	Config  *config.Config
	Store   queue.Store
	Mode    *modes.Mode
	Bus     bus.EventBus
	FanOut  *streams.FanOut
	LogRing *streams.LogRing
	Local   agent.Runner
	Sandbox agent.Runner
	VCS     vcs.VCS
	Chat    chat.Chat
	Clock   clock.Clock
	Logger  *logger.Logger
}

// Engine owns the pipeline's moving parts and their start order. Startup
// clears stale dispatch flags left by a crash; shutdown stops intake first,
// then joins the scheduler and its workers.
type Engine struct {
	cfg     *config.Config
	store   queue.Store
	mode    *modes.Mode
	bus     bus.EventBus
	fanout  *streams.FanOut
	logring *streams.LogRing
	chat    chat.Chat
	clock   clock.Clock
	logger  *logger.Logger

	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	intake    *chat.Intake

	// Poll cadences, overridable in tests.
	drainPoll time.Duration
	seedPoll  time.Duration
	// lastSeed is touched only by the seed loop goroutine.
	lastSeed time.Time

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup

	doneCh   chan struct{}
	doneOnce sync.Once
}

// Status is a point-in-time snapshot for the web surface.
type Status struct {
	Running       bool             `json:"running"`
	Mode          string           `json:"mode"`
	Continuous    bool             `json:"continuous"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Scheduler     scheduler.Status `json:"scheduler"`
}

// New wires the executor, scheduler and chat intake from the given
// collaborators. Nothing starts until Start.
func New(opts Options) *Engine {
	log := opts.Logger.WithFields(zap.String("component", "engine"))

	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}

	exec := executor.New(executor.Options{
		Store:    opts.Store,
		Mode:     opts.Mode,
		FanOut:   opts.FanOut,
		Local:    opts.Local,
		Sandbox:  opts.Sandbox,
		VCS:      opts.VCS,
		Chat:     opts.Chat,
		Bus:      opts.Bus,
		Pipeline: opts.Config.Pipeline,
		Logger:   opts.Logger,
	})

	schedCfg := scheduler.DefaultConfig()
	schedCfg.TickInterval = opts.Config.Pipeline.TickInterval()
	schedCfg.MaxWorkers = opts.Config.Pipeline.MaxWorkers
	sched := scheduler.New(opts.Store, exec, opts.Bus, opts.Logger, schedCfg)

	e := &Engine{
		cfg:       opts.Config,
		store:     opts.Store,
		mode:      opts.Mode,
		bus:       opts.Bus,
		fanout:    opts.FanOut,
		logring:   opts.LogRing,
		chat:      opts.Chat,
		clock:     clk,
		logger:    log,
		executor:  exec,
		scheduler: sched,
		drainPoll: drainPollInterval,
		seedPoll:  opts.Config.Pipeline.TickInterval(),
		doneCh:    make(chan struct{}),
	}
	e.intake = chat.NewIntake(opts.Store, opts.Bus, opts.Chat, opts.Mode, opts.Config.Pipeline, sched.Kick, opts.Logger)
	return e
}

// Start clears stale dispatch flags, then brings up the scheduler, the chat
// intake and the mode-dependent background loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.startedAt = time.Now()
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	cleared, err := e.store.ClearAllDispatched(ctx)
	if err != nil {
		e.abortStart()
		return fmt.Errorf("failed to clear stale dispatch flags: %w", err)
	}
	if cleared > 0 {
		e.logger.Info("cleared stale dispatch flags from previous run", zap.Int64("count", cleared))
	}

	if err := e.scheduler.Start(ctx); err != nil {
		e.abortStart()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if err := e.intake.Start(ctx); err != nil {
		if stopErr := e.scheduler.Stop(); stopErr != nil {
			e.logger.WithError(stopErr).Warn("failed to stop scheduler after intake start failure")
		}
		e.abortStart()
		return fmt.Errorf("failed to start chat intake: %w", err)
	}

	e.wg.Add(1)
	if e.cfg.Pipeline.ContinuousMode {
		go e.seedLoop(ctx)
	} else {
		go e.drainLoop(ctx)
	}

	e.publishLifecycle(ctx, events.EngineStarted, map[string]interface{}{
		"mode":        e.mode.Name,
		"max_workers": e.cfg.Pipeline.MaxWorkers,
		"continuous":  e.cfg.Pipeline.ContinuousMode,
	})
	e.logger.Info("engine started",
		zap.String("mode", e.mode.Name),
		zap.Int("max_workers", e.cfg.Pipeline.MaxWorkers),
		zap.Bool("continuous", e.cfg.Pipeline.ContinuousMode))
	return nil
}

func (e *Engine) abortStart() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// Stop halts intake, then the background loop, then the scheduler. The
// scheduler stop joins in-flight workers, so Stop returns only once every
// task has reached a phase boundary.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	stopCh := e.stopCh
	startedAt := e.startedAt
	e.mu.Unlock()

	e.logger.Info("stopping engine")
	close(stopCh)
	e.wg.Wait()

	var errs []error
	if err := e.intake.Stop(); err != nil {
		e.logger.WithError(err).Error("failed to stop chat intake")
		errs = append(errs, err)
	}
	if err := e.scheduler.Stop(); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
		e.logger.WithError(err).Error("failed to stop scheduler")
		errs = append(errs, err)
	}

	e.publishLifecycle(context.Background(), events.EngineStopped, map[string]interface{}{
		"mode":           e.mode.Name,
		"uptime_seconds": int64(time.Since(startedAt).Seconds()),
	})
	e.logger.Info("engine stopped")

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// IsRunning reports whether the engine is between Start and Stop.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Status snapshots the engine and scheduler state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	running := e.running
	startedAt := e.startedAt
	e.mu.Unlock()

	var uptime int64
	if running {
		uptime = int64(time.Since(startedAt).Seconds())
	}
	return Status{
		Running:       running,
		Mode:          e.mode.Name,
		Continuous:    e.cfg.Pipeline.ContinuousMode,
		UptimeSeconds: uptime,
		Scheduler:     e.scheduler.Status(),
	}
}

// Kick asks the scheduler for an immediate dispatch pass.
func (e *Engine) Kick(ctx context.Context) {
	e.scheduler.Kick(ctx)
}

// Done is closed when a non-continuous run has drained its queue and every
// worker is idle. In continuous mode it never closes.
func (e *Engine) Done() <-chan struct{} {
	return e.doneCh
}

func (e *Engine) signalDone() {
	e.doneOnce.Do(func() { close(e.doneCh) })
}

// drainLoop watches for the one-shot exit condition: no active tasks left
// (parked retries count as active) and no worker running.
func (e *Engine) drainLoop(ctx context.Context) {
	defer e.wg.Done()

	if e.checkDrained(ctx) {
		return
	}
	ticker := time.NewTicker(e.drainPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if e.checkDrained(ctx) {
				return
			}
		}
	}
}

func (e *Engine) checkDrained(ctx context.Context) bool {
	stats, err := e.store.GetStats(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("failed to read queue stats")
		return false
	}
	if stats.Active != 0 || e.scheduler.Status().ActiveWorkers != 0 {
		return false
	}
	e.logger.Info("queue drained, signaling shutdown")
	e.signalDone()
	return true
}

func (e *Engine) publishLifecycle(ctx context.Context, subject string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "engine", data)
	if err := e.bus.Publish(ctx, subject, event); err != nil {
		e.logger.WithError(err).Debug("failed to publish engine lifecycle event")
	}
}
