// Package api exposes the admin HTTP surface: job control, health and
// Prometheus metrics. It is read-mostly; the only mutations are the
// run/enable/disable controls, which delegate to the orchestrator.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wizdata/scraperd/internal/logger"
	"github.com/wizdata/scraperd/internal/orchestrator"
)

const readHeaderTimeout = 10 * time.Second

// Orchestrator is the control surface the handlers need. The concrete
// orchestrator satisfies it; tests substitute a fake.
type Orchestrator interface {
	ListJobs() []orchestrator.JobSummary
	GetJob(name string) (orchestrator.JobDetail, error)
	RunNow(name string) (orchestrator.RunHandle, error)
	Enable(name string) error
	Disable(name string) error
	Health() map[string]orchestrator.HealthStatus
	Stats() orchestrator.Stats
}

// Config tunes the admin server.
type Config struct {
	Address string
	Debug   bool
}

// Server is the admin HTTP server.
type Server struct {
	srv *http.Server
	log logger.Logger
}

// NewServer builds the server and its routes. gatherer feeds /metrics;
// pass the registry the metrics were registered on.
func NewServer(cfg Config, orch Orchestrator, gatherer prometheus.Gatherer, log logger.Logger) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(log))

	handler := newJobsHandler(orch, log)

	router.GET("/healthz", handler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	v1.GET("/jobs", handler.ListJobs)
	v1.GET("/jobs/:name", handler.GetJob)
	v1.POST("/jobs/:name/run", handler.RunJob)
	v1.POST("/jobs/:name/enable", handler.EnableJob)
	v1.POST("/jobs/:name/disable", handler.DisableJob)
	v1.GET("/stats", handler.Stats)

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		log: log,
	}
}

// Start serves until Shutdown is called. It blocks.
func (s *Server) Start() error {
	s.log.Info("admin server listening", logger.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("admin server shutting down")
	return s.srv.Shutdown(ctx)
}

// loggingMiddleware logs one line per request.
func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Debug("http request",
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("latency", time.Since(start)),
		)
	}
}
