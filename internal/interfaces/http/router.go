// Package http exposes the MixProp HTTP API.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/mixprop/internal/interfaces/http/handlers"
	"github.com/turtacn/mixprop/internal/interfaces/http/middleware"
)

type RouterConfig struct {
	// Handlers
	PredictionHandler *handlers.PredictionHandler
	ModelHandler      *handlers.ModelHandler
	HealthHandler     *handlers.HealthHandler
	JobHandler        *handlers.JobHandler

	// Middleware
	RateLimiter middleware.RateLimiter
	Logging     middleware.LoggingConfig
	// AdminMiddleware guards model activation, rollback and eviction.
	AdminMiddleware []gin.HandlerFunc

	// Infrastructure
	Logger           logging.Logger
	Metrics          *prometheus.AppMetrics
	MetricsCollector prometheus.MetricsCollector
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewRouter assembles the gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	// --- Global middleware ---
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogging(cfg.Logger, cfg.Logging))
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}

	// --- Health and metrics ---
	if cfg.HealthHandler != nil {
		cfg.HealthHandler.RegisterRoutes(r)
	}
	if cfg.MetricsCollector != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsCollector.Handler()))
	}

	// --- API v1 ---
	api := r.Group("/api/v1")
	if cfg.RateLimiter != nil {
		api.Use(middleware.RateLimit(cfg.RateLimiter))
	}
	if cfg.PredictionHandler != nil {
		cfg.PredictionHandler.RegisterRoutes(api)
	}
	if cfg.ModelHandler != nil {
		cfg.ModelHandler.RegisterRoutes(api, cfg.AdminMiddleware...)
	}
	if cfg.JobHandler != nil {
		cfg.JobHandler.RegisterRoutes(api)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, handlers.ErrorResponse{Code: "COMMON_005", Message: "route not found"})
	})
	return r
}
