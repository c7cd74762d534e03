package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/queue"
)

// QueueStatusFunc reports the queue summary served at /queue.
type QueueStatusFunc func(ctx context.Context) (queue.Stats, error)

// Server serves /metrics, /healthz and /queue.
type Server struct {
	echo    *echo.Echo
	metrics *Metrics
	status  QueueStatusFunc
	logger  *logging.Logger
	addr    string
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// NewServer creates a server listening on addr. status may be nil, in
// which case /queue is not registered.
func NewServer(addr string, m *Metrics, status QueueStatusFunc, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithComponent("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration", time.Since(start),
			)
			return err
		}
	})

	s := &Server{echo: e, metrics: m, status: status, logger: logger, addr: addr}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})))
	if s.status != nil {
		s.echo.GET("/queue", s.handleQueue)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleQueue(c echo.Context) error {
	stats, err := s.status(c.Request().Context())
	if err != nil {
		s.logger.Warn("queue status failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "queue status unavailable")
	}
	return c.JSON(http.StatusOK, stats)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
