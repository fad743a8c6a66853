package executor

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/common/logger"
)

// sigkillGrace is how long a terminated agent gets to exit before the
// force-kill.
const sigkillGrace = 30 * time.Second

// watchdog bounds one agent run. It polls once a second until the deadline,
// then terminates the process, waits out the grace period, and force-kills
// if the run still has not finished. A non-positive timeout disables it.
type watchdog struct {
	timeout time.Duration
	grace   time.Duration
	poll    time.Duration
	log     *logger.Logger

	fired    atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

func newWatchdog(timeoutS int64, log *logger.Logger) *watchdog {
	return &watchdog{
		timeout: time.Duration(timeoutS) * time.Second,
		grace:   sigkillGrace,
		poll:    time.Second,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Watch starts the timer against a running process. It is handed to the
// runner as the OnStart callback; a disabled watchdog ignores it.
func (w *watchdog) Watch(p agent.Process) {
	if w.timeout <= 0 {
		return
	}
	w.wg.Add(1)
	go w.run(p)
}

// Finish marks the run complete and joins the poller. Called by the
// executor right after the runner returns.
func (w *watchdog) Finish() {
	w.doneOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

// Fired reports whether the deadline was hit.
func (w *watchdog) Fired() bool {
	return w.fired.Load()
}

func (w *watchdog) run(p agent.Process) {
	defer w.wg.Done()

	deadline := time.Now().Add(w.timeout)
	for time.Now().Before(deadline) {
		select {
		case <-w.done:
			return
		case <-time.After(w.poll):
		}
	}

	w.fired.Store(true)
	w.log.Warn("agent deadline exceeded, terminating",
		zap.Duration("timeout", w.timeout))
	if err := p.Terminate(); err != nil {
		w.log.Warn("terminate failed", zap.Error(err))
	}

	graceDeadline := time.Now().Add(w.grace)
	for time.Now().Before(graceDeadline) {
		select {
		case <-w.done:
			return
		case <-time.After(w.poll):
		}
	}

	w.log.Warn("agent ignored terminate, force-killing")
	if err := p.Kill(); err != nil {
		w.log.Warn("kill failed", zap.Error(err))
	}
}
