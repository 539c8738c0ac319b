package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/subha-wp/trading-app/internal/concurrent"
	"github.com/subha-wp/trading-app/internal/feed"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type BrokerStatus interface {
	IsHealthy() bool
}

type FeedStatus interface {
	Status() []feed.SymbolStatus
}

type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Uptime    string                   `json:"uptime"`
	Services  map[string]ServiceHealth `json:"services"`
}

type ServiceHealth struct {
	Status       string        `json:"status"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
	Error        string        `json:"error,omitempty"`
	LastCheck    time.Time     `json:"last_check"`
	Details      any           `json:"details,omitempty"`
}

type ReadinessResponse struct {
	Ready    bool                     `json:"ready"`
	Services map[string]ServiceHealth `json:"services"`
}

type LivenessResponse struct {
	Alive bool `json:"alive"`
}

type healthCheck struct {
	name string
	// critical checks gate readiness; the others only degrade /health.
	critical bool
	run      func(ctx context.Context) ServiceHealth
}

type HealthHandler struct {
	version   string
	startTime time.Time
	checks    []healthCheck
}

type HealthOption func(*HealthHandler)

func WithDatabase(db Pinger) HealthOption {
	return func(h *HealthHandler) {
		h.checks = append(h.checks, healthCheck{name: "mongodb", critical: true, run: func(ctx context.Context) ServiceHealth {
			return timed(func() error { return db.Ping(ctx) })
		}})
	}
}

func WithRedis(client redis.UniversalClient) HealthOption {
	return func(h *HealthHandler) {
		h.checks = append(h.checks, healthCheck{name: "redis", critical: true, run: func(ctx context.Context) ServiceHealth {
			return timed(func() error { return client.Ping(ctx).Err() })
		}})
	}
}

func WithBroker(broker BrokerStatus) HealthOption {
	return func(h *HealthHandler) {
		h.checks = append(h.checks, healthCheck{name: "rabbitmq", run: func(context.Context) ServiceHealth {
			if !broker.IsHealthy() {
				return ServiceHealth{Status: statusUnhealthy, Error: "connection closed", LastCheck: time.Now()}
			}
			return ServiceHealth{Status: statusHealthy, LastCheck: time.Now()}
		}})
	}
}

func WithFeed(hub FeedStatus) HealthOption {
	return func(h *HealthHandler) {
		h.checks = append(h.checks, healthCheck{name: "price_feed", run: func(context.Context) ServiceHealth {
			statuses := hub.Status()
			health := ServiceHealth{Status: statusHealthy, LastCheck: time.Now(), Details: statuses}
			for _, s := range statuses {
				if !s.Connected {
					health.Status = statusUnhealthy
					health.Error = "stream disconnected: " + s.Symbol
					break
				}
			}
			return health
		}})
	}
}

func WithWorkerPool(pool *concurrent.WorkerPool) HealthOption {
	return func(h *HealthHandler) {
		h.checks = append(h.checks, healthCheck{name: "resolution_workers", run: func(context.Context) ServiceHealth {
			metrics := pool.GetMetrics()
			health := ServiceHealth{Status: statusHealthy, LastCheck: time.Now(), Details: map[string]any{
				"active_workers": metrics.ActiveWorkers,
				"idle_workers":   metrics.IdleWorkers,
				"queue_length":   metrics.QueueLength,
				"completed":      metrics.Completed,
				"failed":         metrics.Failed,
				"rejected":       metrics.Rejected,
			}}
			if !pool.IsRunning() {
				health.Status = statusUnhealthy
				health.Error = "worker pool stopped"
			}
			return health
		}})
	}
}

func NewHealthHandler(version string, opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	services, criticalDown, anyDown := h.runChecks(ctx, false)

	status := statusHealthy
	switch {
	case criticalDown:
		status = statusUnhealthy
	case anyDown:
		status = statusDegraded
	}

	code := http.StatusOK
	if status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, &HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Services:  services,
	})
}

func (h *HealthHandler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	services, criticalDown, _ := h.runChecks(ctx, true)

	code := http.StatusOK
	if criticalDown {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, &ReadinessResponse{Ready: !criticalDown, Services: services})
}

func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &LivenessResponse{Alive: true})
}

func (h *HealthHandler) runChecks(ctx context.Context, criticalOnly bool) (map[string]ServiceHealth, bool, bool) {
	services := make(map[string]ServiceHealth, len(h.checks))
	criticalDown, anyDown := false, false

	for _, check := range h.checks {
		if criticalOnly && !check.critical {
			continue
		}
		result := check.run(ctx)
		services[check.name] = result
		if result.Status != statusHealthy {
			anyDown = true
			if check.critical {
				criticalDown = true
			}
		}
	}

	return services, criticalDown, anyDown
}

func timed(ping func() error) ServiceHealth {
	start := time.Now()
	err := ping()
	health := ServiceHealth{
		Status:       statusHealthy,
		ResponseTime: time.Since(start),
		LastCheck:    time.Now(),
	}
	if err != nil {
		health.Status = statusUnhealthy
		health.Error = err.Error()
	}
	return health
}
