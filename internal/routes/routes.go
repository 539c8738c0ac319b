package routes

import (
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subha-wp/trading-app/internal/dto"
	"github.com/subha-wp/trading-app/internal/handlers"
	"github.com/subha-wp/trading-app/internal/middleware"
	"github.com/subha-wp/trading-app/internal/monitoring"
)

type Router struct {
	engine         *gin.Engine
	tradeHandler   *handlers.TradeHandler
	accountHandler *handlers.AccountHandler
	healthHandler  *handlers.HealthHandler
	authMiddleware *middleware.AuthMiddleware
	logMiddleware  *middleware.LoggingMiddleware
	rateLimiter    *middleware.RateLimiter
	metrics        *monitoring.PrometheusMetrics
	gatherer       prometheus.Gatherer
}

type RouterConfig struct {
	Debug          bool
	CORSEnabled    bool
	AllowedOrigins []string
}

type Dependencies struct {
	TradeHandler   *handlers.TradeHandler
	AccountHandler *handlers.AccountHandler
	HealthHandler  *handlers.HealthHandler
	AuthMiddleware *middleware.AuthMiddleware
	LogMiddleware  *middleware.LoggingMiddleware
	RateLimiter    *middleware.RateLimiter
	Metrics        *monitoring.PrometheusMetrics
	Gatherer       prometheus.Gatherer
}

func NewRouter(deps *Dependencies, config *RouterConfig) (*Router, error) {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := dto.RegisterValidators(v); err != nil {
			return nil, fmt.Errorf("failed to register validators: %w", err)
		}
	}

	r := &Router{
		engine:         gin.New(),
		tradeHandler:   deps.TradeHandler,
		accountHandler: deps.AccountHandler,
		healthHandler:  deps.HealthHandler,
		authMiddleware: deps.AuthMiddleware,
		logMiddleware:  deps.LogMiddleware,
		rateLimiter:    deps.RateLimiter,
		metrics:        deps.Metrics,
		gatherer:       deps.Gatherer,
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}

	r.setupGlobalMiddleware(config)
	r.setupHealthRoutes()
	r.setupAPIRoutes(r.engine.Group("/api/v1"))

	return r, nil
}

func (r *Router) setupGlobalMiddleware(config *RouterConfig) {
	r.engine.Use(r.logMiddleware.LogPanic())
	r.engine.Use(requestid.New())
	r.engine.Use(r.logMiddleware.LogRequests())

	if r.metrics != nil {
		r.engine.Use(r.metrics.HTTPMiddleware())
	}

	if config.CORSEnabled {
		corsConfig := cors.Config{
			AllowOrigins:  config.AllowedOrigins,
			AllowMethods:  []string{"GET", "POST", "HEAD", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Request-ID"},
			ExposeHeaders: []string{"X-Request-ID", "Retry-After"},
			MaxAge:        12 * time.Hour,
		}
		if len(corsConfig.AllowOrigins) == 0 || (len(corsConfig.AllowOrigins) == 1 && corsConfig.AllowOrigins[0] == "*") {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
		}
		r.engine.Use(cors.New(corsConfig))
	}

	r.engine.Use(securityHeaders())
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

func (r *Router) setupHealthRoutes() {
	health := r.engine.Group("/health")
	{
		health.GET("", r.healthHandler.Health)
		health.GET("/live", r.healthHandler.Liveness)
		health.GET("/ready", r.healthHandler.Readiness)
	}

	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))
}

func (r *Router) setupAPIRoutes(v1 *gin.RouterGroup) {
	v1.Use(r.authMiddleware.ValidateToken())

	trades := v1.Group("/trades")
	{
		trades.POST("", r.rateLimiter.Limit(), r.tradeHandler.OpenTrade)
		trades.GET("", r.tradeHandler.ListTrades)
		trades.GET("/:id", r.tradeHandler.GetTrade)
	}

	v1.GET("/balance", r.accountHandler.GetBalance)
	v1.GET("/symbols", r.accountHandler.ListSymbols)
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
