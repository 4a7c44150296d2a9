package router

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jwalitptl/carelink/internal/handler"
	"github.com/jwalitptl/carelink/internal/middleware"
	"github.com/jwalitptl/carelink/pkg/logger"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// AdminHandler exposes development-only routes.
type AdminHandler interface {
	Handler
	RegisterAdminRoutes(*gin.RouterGroup)
}

type Router struct {
	engine     *gin.Engine
	h          *handler.Handler
	userH      AdminHandler
	caregiverH Handler
	cfg        RouterConfig
	registry   *prometheus.Registry
	metrics    *routerMetrics
	down       atomic.Bool
}

type routerMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	errorTotal      *prometheus.CounterVec
}

type RouterConfig struct {
	// JWTSecret, when set, requires a bearer token on every API route.
	JWTSecret     string
	MetricsPrefix string
}

func NewRouter(userH AdminHandler, caregiverH Handler, log *logger.Logger, config RouterConfig) *Router {
	gin.SetMode(gin.ReleaseMode)
	if config.MetricsPrefix == "" {
		config.MetricsPrefix = "carelink_stub"
	}
	if log == nil {
		log = logger.Nop()
	}

	registry := prometheus.NewRegistry()
	r := &Router{
		engine:     gin.New(),
		h:          handler.NewHandler(registry),
		userH:      userH,
		caregiverH: caregiverH,
		cfg:        config,
		registry:   registry,
		metrics:    initRouterMetrics(registry, config.MetricsPrefix),
	}

	r.engine.Use(
		middleware.Recovery(log),
		middleware.RequestID(),
		middleware.Logger(log),
		r.metricsMiddleware(),
	)
	return r
}

func (r *Router) Setup() {
	r.engine.GET("/metrics", r.h.MetricsHandler)
	r.engine.GET("/live", r.h.LivenessCheck)

	// Everything the client talks to goes down together.
	served := r.engine.Group("", middleware.Outage(&r.down))
	for _, path := range []string{"/health", "/api/health", "/ping"} {
		served.GET(path, r.h.HealthCheck)
	}

	api := served.Group("", middleware.Authenticate(r.cfg.JWTSecret))
	r.userH.RegisterRoutes(api)
	r.caregiverH.RegisterRoutes(api)

	r.userH.RegisterAdminRoutes(r.engine.Group(""))
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// SetDown simulates an outage of the client-facing routes.
func (r *Router) SetDown(down bool) {
	r.down.Store(down)
}

func (r *Router) Registry() *prometheus.Registry {
	return r.registry
}

func initRouterMetrics(registry *prometheus.Registry, prefix string) *routerMetrics {
	f := promauto.With(registry)
	return &routerMetrics{
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: prefix + "_request_duration_seconds",
				Help: "Duration of HTTP requests in seconds",
			},
			[]string{"method", "path", "status"},
		),
		requestTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		errorTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_errors_total",
				Help: "Total number of HTTP errors",
			},
			[]string{"method", "path", "type"},
		),
	}
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()

		c.Next()

		status := fmt.Sprintf("%d", c.Writer.Status())
		duration := time.Since(start).Seconds()

		r.metrics.requestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		r.metrics.requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()

		if c.Writer.Status() >= 400 {
			r.metrics.errorTotal.WithLabelValues(c.Request.Method, path, "http").Inc()
		}
	}
}
