// Package main is the Conveyor daemon: one binary runs the durable task
// queue, the pipeline engine and the web surface together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/agent/local"
	"github.com/conveyorhq/conveyor/internal/agent/sandbox"
	"github.com/conveyorhq/conveyor/internal/chat"
	"github.com/conveyorhq/conveyor/internal/common/clock"
	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/common/tracing"
	"github.com/conveyorhq/conveyor/internal/db"
	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/modes"
	queuestore "github.com/conveyorhq/conveyor/internal/queue/sqlite"
	"github.com/conveyorhq/conveyor/internal/server"
	"github.com/conveyorhq/conveyor/internal/streams"
	"github.com/conveyorhq/conveyor/internal/vcs/git"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize the logger with the debug ring attached, so every log
	// line is also served by /logs
	logring := streams.NewLogRing()
	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}, zap.Hooks(logring.Hook))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting conveyor",
		zap.String("pipeline_mode", cfg.Pipeline.Mode),
		zap.Bool("continuous", cfg.Pipeline.ContinuousMode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("using in-memory event bus")
	}

	// 4. Mode registry and the active mode
	registry, err := modes.NewRegistry(modes.Software, modes.Legal, modes.Web)
	if err != nil {
		log.Fatal("failed to build mode registry", zap.Error(err))
	}
	mode, ok := registry.Get(cfg.Pipeline.Mode)
	if !ok {
		log.Fatal("unknown pipeline mode", zap.String("mode", cfg.Pipeline.Mode))
	}

	// 5. Durable queue store
	pool, err := db.Open(cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN, cfg.Database.BusyTimeoutMS)
	if err != nil {
		log.Fatal("failed to open database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	store, err := queuestore.New(pool, registry.Ordering(mode), clock.System{})
	if err != nil {
		log.Fatal("failed to initialize queue store", zap.Error(err))
	}
	defer store.Close()
	log.Info("queue store ready", zap.String("driver", cfg.Database.Driver))

	// 6. Agent runners: the local subprocess runner always, the container
	// sandbox only when the mode wants it and Docker responds
	localRunner := local.NewRunner(cfg.Agent, log)
	var sandboxRunner agent.Runner
	if mode.UsesSandbox {
		sb, err := sandbox.NewRunner(cfg.Sandbox, cfg.Agent, log)
		if err != nil {
			log.Warn("sandbox disabled, sandbox phases fall back to the local runner", zap.Error(err))
		} else if err := sb.Ping(ctx); err != nil {
			log.Warn("docker daemon not available, sandbox phases fall back to the local runner", zap.Error(err))
			sb.Close()
		} else {
			defer sb.Close()
			sandboxRunner = sb
			log.Info("sandbox runner ready", zap.String("image", cfg.Sandbox.Image))
		}
	}

	// 7. Remaining collaborators: git worktrees and the chat notifier
	vcsManager := git.NewManager(cfg.Worktree, log)
	notifier := chat.NewNotifier(eventBus, cfg.Chat, log)

	// 8. Pipeline engine
	fanout := streams.NewFanOut(log)
	eng := engine.New(engine.Options{
		Config:  cfg,
		Store:   store,
		Mode:    mode,
		Bus:     eventBus,
		FanOut:  fanout,
		LogRing: logring,
		Local:   localRunner,
		Sandbox: sandboxRunner,
		VCS:     vcsManager,
		Chat:    notifier,
		Clock:   clock.System{},
		Logger:  log,
	})

	// 9. Web surface
	srv, err := server.New(server.Options{
		Config:  cfg,
		Store:   store,
		Mode:    mode,
		Engine:  eng,
		FanOut:  fanout,
		LogRing: logring,
		Bus:     eventBus,
		Logger:  log,
	})
	if err != nil {
		log.Fatal("failed to build web server", zap.Error(err))
	}

	if err := eng.Start(ctx); err != nil {
		log.Fatal("failed to start engine", zap.Error(err))
	}

	// 10. Run until a signal arrives or, in one-shot mode, the queue drains
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)

		select {
		case s := <-sig:
			log.Info("signal received, shutting down", zap.String("signal", s.String()))
		case <-eng.Done():
			log.Info("queue drained, shutting down")
		case <-gctx.Done():
			return nil
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("web server shutdown error", zap.Error(err))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
	}
	cancel()

	if err := eng.Stop(); err != nil {
		log.Error("engine stop error", zap.Error(err))
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer flushCancel()
	if err := tracing.Shutdown(flushCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("conveyor stopped")
}
