package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stoik/smsledger/internal/models"
	"github.com/stoik/smsledger/services/reporting-service/internal/aggregate"
	"github.com/stoik/smsledger/services/reporting-service/internal/backfill"
	"github.com/stoik/smsledger/services/reporting-service/internal/logger"
	"github.com/stoik/smsledger/services/reporting-service/internal/metrics"
	"github.com/stoik/smsledger/services/reporting-service/internal/webhook"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

// Server exposes the reporting API, the DLR webhook, health and metrics.
type Server struct {
	engine   *aggregate.Engine
	webhook  *webhook.Handler
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	health   func(context.Context) error
	lastRun  func() (backfill.RunReport, bool)
	backfill func(context.Context, models.Window) (backfill.RunReport, error)
	location *time.Location
	lookback time.Duration
	log      *zap.Logger
	now      func() time.Time
}

type ServerOption func(*Server)

// WithLastRun exposes the scheduler's latest report on /api/backfill/last.
func WithLastRun(fn func() (backfill.RunReport, bool)) ServerOption {
	return func(s *Server) { s.lastRun = fn }
}

// WithBackfill enables POST /api/backfill, which runs fn over the requested
// window and answers with its report.
func WithBackfill(fn func(context.Context, models.Window) (backfill.RunReport, error)) ServerOption {
	return func(s *Server) { s.backfill = fn }
}

func WithHealthCheck(fn func(context.Context) error) ServerOption {
	return func(s *Server) { s.health = fn }
}

func NewServer(engine *aggregate.Engine, hook *webhook.Handler, gatherer prometheus.Gatherer, m *metrics.Metrics, loc *time.Location, log *zap.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Server{
		engine:   engine,
		webhook:  hook,
		gatherer: gatherer,
		metrics:  m,
		location: loc,
		lookback: 24 * time.Hour,
		log:      log.Named("http"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.GinMiddleware(s.log, s.metrics))

	r.GET("/health", s.handleHealth)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	if s.webhook != nil {
		s.webhook.Register(r)
	}

	stats := r.Group("/api/stats")
	{
		stats.GET("/overview", s.view(func(ctx context.Context, w models.Window) (any, error) {
			return s.engine.Overview(ctx, w)
		}))
		stats.GET("/errors", s.view(func(ctx context.Context, w models.Window) (any, error) {
			return s.engine.ErrorClusters(ctx, w)
		}))
		stats.GET("/timeseries", s.view(func(ctx context.Context, w models.Window) (any, error) {
			return s.engine.TimeSeries(ctx, w)
		}))
		stats.GET("/latency", s.view(func(ctx context.Context, w models.Window) (any, error) {
			return s.engine.Latency(ctx, w)
		}))
		stats.GET("/optouts", s.view(func(ctx context.Context, w models.Window) (any, error) {
			return s.engine.OptOuts(ctx, w)
		}))
		stats.GET("/snapshot", s.view(func(ctx context.Context, w models.Window) (any, error) {
			return s.engine.Snapshot(ctx, w)
		}))
	}
	r.GET("/api/alerts", s.view(func(ctx context.Context, w models.Window) (any, error) {
		return s.engine.Alerts(ctx, w)
	}))
	r.GET("/api/backfill/last", s.handleLastRun)
	r.POST("/api/backfill", s.handleBackfill)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLastRun(c *gin.Context) {
	if s.lastRun == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "backfill is not scheduled"})
		return
	}
	report, ok := s.lastRun()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no backfill run finished yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleBackfill(c *gin.Context) {
	if s.backfill == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider credentials not configured"})
		return
	}
	window, ok := s.window(c)
	if !ok {
		return
	}

	report, err := s.backfill(c.Request.Context(), window)
	switch {
	case errors.Is(err, backfill.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.log.Error("failed to run backfill", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to run backfill"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// window resolves the window from the query string, answering 400 itself
// when the parameters are invalid. Accepted parameters: start_date/end_date
// (YYYY-MM-DD), since/until (RFC 3339) and hours.
func (s *Server) window(c *gin.Context) (models.Window, bool) {
	args := windowArgs{
		Since: firstNonEmpty(c.Query("start_date"), c.Query("since")),
		Until: firstNonEmpty(c.Query("end_date"), c.Query("until")),
	}
	if raw := c.Query("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
			return models.Window{}, false
		}
		args.Hours = hours
	}
	window, err := args.resolve(s.now(), s.location, s.lookback)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return models.Window{}, false
	}
	return window, true
}

// view resolves the window from the query string and renders fn's result.
func (s *Server) view(fn func(context.Context, models.Window) (any, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		window, ok := s.window(c)
		if !ok {
			return
		}

		result, err := fn(c.Request.Context(), window)
		if err != nil {
			s.log.Error("failed to compute view", zap.String("path", c.FullPath()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute view"})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
