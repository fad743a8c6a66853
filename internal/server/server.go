// Package server exposes the pipeline over HTTP: a JSON REST surface for
// tasks, runs and chat groups, SSE streams for live agent output, and a
// websocket feed of pipeline events.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/common/config"
	"github.com/conveyorhq/conveyor/internal/common/httpmw"
	"github.com/conveyorhq/conveyor/internal/common/logger"
	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/events/bus"
	"github.com/conveyorhq/conveyor/internal/modes"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/streams"
)

// Pipeline is the engine surface the web layer drives.
type Pipeline interface {
	Kick(ctx context.Context)
	Status() engine.Status
}

// Options carries the server's collaborators.
type Options struct {
	Config  *config.Config
	Store   queue.Store
	Mode    *modes.Mode
	Engine  Pipeline
	FanOut  *streams.FanOut
	LogRing *streams.LogRing
	Bus     bus.EventBus
	Logger  *logger.Logger
}

// Server is the HTTP front of the pipeline.
type Server struct {
	cfg     *config.Config
	store   queue.Store
	mode    *modes.Mode
	engine  Pipeline
	fanout  *streams.FanOut
	logring *streams.LogRing
	bus     bus.EventBus
	logger  *logger.Logger

	chatFeed *streams.Feed
	chatSub  bus.Subscription
	wsHub    *wsHub

	router *gin.Engine
	http   *http.Server

	// quit ends streaming handlers on shutdown; their connections would
	// otherwise hold http.Shutdown open until every client disconnects.
	quit     chan struct{}
	quitOnce sync.Once
}

// New builds the router, wires the streaming feeds to the event bus and
// prepares the HTTP server. Nothing listens until Start.
func New(opts Options) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(opts.Logger, "web"))
	router.Use(httpmw.OtelTracing("conveyor-web"))

	s := &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		mode:     opts.Mode,
		engine:   opts.Engine,
		fanout:   opts.FanOut,
		logring:  opts.LogRing,
		bus:      opts.Bus,
		logger:   opts.Logger.WithFields(zap.String("component", "server")),
		chatFeed: streams.NewFeed(),
		router:   router,
		quit:     make(chan struct{}),
	}
	s.wsHub = newWSHub(opts.Bus, opts.Logger)

	if s.bus != nil {
		if err := s.subscribeChatFeed(); err != nil {
			return nil, err
		}
		if err := s.wsHub.start(); err != nil {
			return nil, err
		}
	}

	s.routes()

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Config.Server.Host, opts.Config.Server.Port),
		Handler: router,
		// The streaming endpoints hold connections open indefinitely, so
		// only the header read gets a deadline.
		ReadHeaderTimeout: opts.Config.Server.ReadTimeoutDuration(),
	}
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)

	r.GET("/tasks", s.handleListTasks)
	r.POST("/tasks", s.handleCreateTask)
	r.GET("/tasks/dead-letter", s.handleDeadLetterTasks)
	r.GET("/tasks/:id", s.handleGetTask)
	r.POST("/tasks/:id/requeue", s.handleRequeueTask)

	r.GET("/runs", s.handleListRuns)
	r.GET("/runs/stats", s.handleRunStats)
	r.GET("/logs", s.handleLogs)

	r.GET("/groups", s.handleListGroups)
	r.POST("/groups", s.handleRegisterGroup)

	r.GET("/stream/task/:id", s.handleTaskStream)
	r.GET("/stream/chat", s.handleChatStream)
	r.GET("/ws", s.handleWebSocket)
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown ends the streaming connections, then drains in-flight requests
// and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")

	s.quitOnce.Do(func() { close(s.quit) })
	if s.chatSub != nil {
		if err := s.chatSub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe chat feed", zap.Error(err))
		}
		s.chatSub = nil
	}
	s.chatFeed.Close()
	s.wsHub.stop()

	return s.http.Shutdown(ctx)
}
