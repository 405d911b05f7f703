// Package http exposes the engine's commands and queries over a JSON REST
// API. Callers are authenticated upstream; the gateway asserts identity in
// the X-User-ID and X-User-Role headers.
package http

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/progress-engine/internal/app"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	// EnableMetrics mounts the Prometheus handler at /metrics.
	EnableMetrics bool

	// Debug switches gin to debug mode.
	Debug bool
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		EnableMetrics:  true,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// HTTPObserver records one served request.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, latency time.Duration)
}

// Dependencies contains everything the handlers call.
type Dependencies struct {
	Commands app.Commands
	Queries  app.Queries

	Health HealthChecker

	// Observer and MetricsHandler are optional.
	Observer       HTTPObserver
	MetricsHandler http.Handler

	Version string
	Logger  *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server is the HTTP API server.
type Server struct {
	config    Config
	deps      Dependencies
	engine    *gin.Engine
	server    *http.Server
	log       *logger.Logger
	running   atomic.Bool
	startTime time.Time
}

// NewServer creates a server and registers its routes.
func NewServer(config Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Health == nil {
		deps.Health = NewCompositeHealthChecker(deps.Version)
	}
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: config,
		deps:   deps,
		engine: gin.New(),
		log:    deps.Logger.Named("http"),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:           config.Addr,
		Handler:        s.engine,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	r := s.engine
	r.Use(s.requestID(), s.recovery(), s.accessLog(), s.observe())

	r.GET("/health", s.handleHealth)
	r.GET("/health/live", s.handleLive)
	if s.config.EnableMetrics && s.deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.deps.MetricsHandler))
	}

	v1 := r.Group("/api/v1", identity())

	v1.POST("/activities", s.handleRecordActivity)

	v1.POST("/enrollments", s.handleEnroll)
	v1.DELETE("/enrollments/:studentID/:pathID", s.handleWithdraw)

	v1.GET("/students/:studentID/progress", s.handleStudentProgress)
	v1.GET("/students/:studentID/report", s.handleProgressReport)
	v1.GET("/students/:studentID/workflows", s.handleListWorkflows)
	v1.GET("/classes/:classID/analytics", s.handleClassAnalytics)

	v1.POST("/milestones/:milestoneID/acknowledge", s.handleAcknowledgeMilestone)

	v1.POST("/workflows", s.handleStartWorkflow)
	v1.GET("/workflows/:workflowID", s.handleGetWorkflow)
	v1.POST("/workflows/:workflowID/steps/:stepID/complete", s.handleCompleteStep)
	v1.POST("/workflows/:workflowID/abandon", s.handleAbandonWorkflow)

	v1.POST("/curricula/:pathID/versions", s.handlePublishCurriculum)
	v1.GET("/curricula/:pathID/versions", s.handleCurriculumHistory)
	v1.GET("/curricula/:pathID/versions/:number", s.handleCurriculumVersion)

	v1.POST("/portfolios/:portfolioID/versions", s.handleCommitPortfolio)
	v1.POST("/portfolios/:portfolioID/rollback", s.handleRollbackPortfolio)
	v1.GET("/portfolios/:portfolioID/versions", s.handlePortfolioHistory)
	v1.GET("/portfolios/:portfolioID/versions/:number", s.handlePortfolioVersion)

	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "route not found")
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.startTime = time.Now()
	s.running.Store(true)
	defer s.running.Store(false)

	s.log.Info("http server listening", logger.String("addr", s.config.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.server.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	if !s.IsRunning() {
		return 0
	}
	return time.Since(s.startTime)
}
