// File: internal/server/server.go

// Package server exposes the automation API over HTTP: webhook submission,
// task status, queue introspection, and trace downloads. Handlers never touch
// the browser; they only talk to the engine and its registry, so every
// endpoint stays responsive while automation runs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xkilldash9x/guardbot/api/schemas"
	"github.com/xkilldash9x/guardbot/internal/config"
	"github.com/xkilldash9x/guardbot/internal/engine"
)

// TaskQueue is the engine surface the handlers submit to.
type TaskQueue interface {
	Enqueue(rec schemas.TaskRecord) (schemas.TaskRecord, error)
	Stats() engine.Stats
}

// TaskDirectory is the read side of the task registry.
type TaskDirectory interface {
	Get(id string) (schemas.TaskRecord, bool)
	List() []schemas.TaskRecord
}

var (
	_ TaskQueue     = (*engine.Engine)(nil)
	_ TaskDirectory = (*engine.Registry)(nil)
)

// Server owns the gin router and the http.Server wrapping it.
type Server struct {
	cfg      config.Interface
	logger   *zap.Logger
	queue    TaskQueue
	registry TaskDirectory

	router  *gin.Engine
	httpSrv *http.Server
}

// New wires the routes and prepares the listener. Nothing binds until
// ListenAndServe.
func New(cfg config.Interface, logger *zap.Logger, queue TaskQueue, registry TaskDirectory) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if queue == nil {
		return nil, errors.New("task queue cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("task registry cannot be nil")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		queue:    queue,
		registry: registry,
		router:   router,
	}

	router.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()

	srvCfg := cfg.Server()
	s.httpSrv = &http.Server{
		Addr:         srvCfg.Addr(),
		Handler:      router,
		ReadTimeout:  srvCfg.ReadTimeout,
		WriteTimeout: srvCfg.WriteTimeout,
		IdleTimeout:  srvCfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	webhook := s.cfg.Server().WebhookPath
	if webhook == "" {
		webhook = "/webhook"
	}

	submit := s.router.Group("")
	if s.cfg.Server().AuthEnabled() {
		submit.Use(s.bearerAuth(s.cfg.Server().AuthSecret))
	}
	submit.POST(webhook, s.handleWebhook)

	// Preflight answers unauthenticated so browser-based callers can probe.
	s.router.OPTIONS(webhook, func(c *gin.Context) {
		s.respond(c, http.StatusOK, gin.H{"status": "ok"})
	})

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/task/:id/status", s.handleTaskStatus)
	s.router.GET("/tasks", s.handleListTasks)
	s.router.GET("/queue/status", s.handleQueueStatus)
	s.router.GET("/trace/:id", s.handleTraceDownload)
	s.router.GET("/traces", s.handleListTraces)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Webhook server listening",
		zap.String("addr", s.httpSrv.Addr),
		zap.String("webhook_path", s.cfg.Server().WebhookPath),
		zap.Bool("auth_enabled", s.cfg.Server().AuthEnabled()))

	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Webhook server shutting down")
	return s.httpSrv.Shutdown(ctx)
}
