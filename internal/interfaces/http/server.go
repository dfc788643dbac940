// internal/interfaces/http/server.go
package http

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/config"
	"github.com/your-org/checkout-engine/internal/interfaces/http/middleware"
	"github.com/your-org/checkout-engine/internal/interfaces/http/routes"
	"github.com/your-org/checkout-engine/internal/pkg/metrics"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators the HTTP layer is built from
type Deps struct {
	Handlers routes.Handlers
	Tokens   middleware.TokenValidator
	Limiter  middleware.Limiter
	Metrics  *metrics.Metrics
	Checks   map[string]HealthCheck
	Log      logrus.FieldLogger
}

// Server represents the HTTP server
type Server struct {
	config     *config.Config
	deps       Deps
	gin        *gin.Engine
	httpServer *http.Server
	started    time.Time
}

// NewServer creates a new HTTP server instance and mounts its routes
func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:  cfg,
		deps:    deps,
		gin:     gin.New(),
		started: time.Now(),
	}
	if len(cfg.Security.TrustedProxies) > 0 {
		if err := s.gin.SetTrustedProxies(cfg.Security.TrustedProxies); err != nil {
			deps.Log.WithError(err).Warn("Invalid trusted proxies, ignoring")
		}
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      s.gin,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.deps.Log.WithFields(logrus.Fields{
		"port":        s.config.Server.Port,
		"environment": s.config.App.Environment,
	}).Info("HTTP server starting")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.deps.Log.Info("Shutting down HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.deps.Log.Info("HTTP server stopped gracefully")
	return nil
}

func (s *Server) setupMiddleware() {
	s.gin.Use(gin.Recovery())
	s.gin.Use(middleware.RequestID())
	s.gin.Use(middleware.Logger(s.deps.Log, s.deps.Metrics))
	s.gin.Use(middleware.CORS(s.config))
	s.gin.Use(middleware.SecurityHeaders())
	if s.deps.Limiter != nil {
		s.gin.Use(middleware.RateLimit(s.deps.Limiter, s.config.Security.RateLimitPerMinute, s.deps.Log))
	}
	s.gin.Use(middleware.RequestSizeLimit(s.config.Server.MaxBodyBytes))
	s.gin.Use(middleware.Timeout(s.config.Server.RequestTimeout))
}

func (s *Server) setupRoutes() {
	s.gin.GET("/health", s.healthCheck)
	s.gin.GET("/ready", s.readinessCheck)
	if s.deps.Metrics != nil {
		s.gin.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	apiV1 := s.gin.Group("/api/v1")
	routes.SetupRoutes(apiV1, s.deps.Handlers, s.deps.Tokens)
}

// healthCheck is the liveness probe
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().UTC(),
		"version":     s.config.App.Version,
		"environment": s.config.App.Environment,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}

// readinessCheck pings every dependency
func (s *Server) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(gin.H, len(names))
	for _, name := range names {
		if err := s.deps.Checks[name](ctx); err != nil {
			s.deps.Log.WithError(err).WithField("dependency", name).Warn("Readiness check failed")
			results[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"checks":    results,
		"timestamp": time.Now().UTC(),
	})
}
