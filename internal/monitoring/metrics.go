package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/subha-wp/trading-app/internal/models"
)

const namespace = "settlement"

type PrometheusMetrics struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Trade metrics
	tradesOpenedTotal   *prometheus.CounterVec
	tradesRejectedTotal *prometheus.CounterVec
	tradesResolvedTotal *prometheus.CounterVec
	tradesFailedTotal   *prometheus.CounterVec
	resolutionDelay     prometheus.Histogram

	// Scheduler metrics
	resolveRetriesTotal prometheus.Counter
	sweepFoundOrders    prometheus.Gauge

	// Feed metrics
	feedTicksTotal      *prometheus.CounterVec
	feedReconnectsTotal *prometheus.CounterVec

	// System metrics
	memoryUsageGauge    prometheus.Gauge
	goroutineCountGauge prometheus.Gauge
	uptimeGauge         prometheus.Gauge

	startTime time.Time
}

// NewPrometheusMetrics registers every collector on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		tradesOpenedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_opened_total",
				Help:      "Trades accepted",
			},
			[]string{"symbol", "direction"},
		),
		tradesRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_rejected_total",
				Help:      "Trades refused at open",
			},
			[]string{"reason"},
		),
		tradesResolvedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_resolved_total",
				Help:      "Trades settled with an exit price",
			},
			[]string{"symbol", "outcome"},
		),
		tradesFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_failed_total",
				Help:      "Trades closed without an exit price",
			},
			[]string{"symbol", "reason"},
		),
		resolutionDelay: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_delay_seconds",
				Help:      "Time between expiry and settlement",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
		),
		resolveRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolve_retries_total",
				Help:      "Resolution attempts that will be retried",
			},
		),
		sweepFoundOrders: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sweep_found_orders",
				Help:      "Pending orders returned by the last reconciliation sweep",
			},
		),
		feedTicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_ticks_total",
				Help:      "Price ticks received from the stream",
			},
			[]string{"symbol"},
		),
		feedReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_reconnects_total",
				Help:      "Price stream reconnections",
			},
			[]string{"symbol"},
		),
		memoryUsageGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Allocated heap bytes",
		}),
		goroutineCountGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Number of goroutines",
		}),
		uptimeGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime",
		}),
		startTime: time.Now(),
	}
}

func (m *PrometheusMetrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, fmt.Sprintf("%d", statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordTradeOpened(symbol string, direction models.Direction) {
	m.tradesOpenedTotal.WithLabelValues(symbol, string(direction)).Inc()
}

func (m *PrometheusMetrics) RecordTradeRejected(reason string) {
	m.tradesRejectedTotal.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) RecordTradeResolved(symbol string, outcome models.Outcome, delay time.Duration) {
	m.tradesResolvedTotal.WithLabelValues(symbol, string(outcome)).Inc()
	m.resolutionDelay.Observe(delay.Seconds())
}

func (m *PrometheusMetrics) RecordTradeFailed(symbol string, reason models.FailureReason) {
	m.tradesFailedTotal.WithLabelValues(symbol, string(reason)).Inc()
}

func (m *PrometheusMetrics) RecordResolveRetry() {
	m.resolveRetriesTotal.Inc()
}

func (m *PrometheusMetrics) RecordSweep(found int) {
	m.sweepFoundOrders.Set(float64(found))
}

func (m *PrometheusMetrics) RecordTick(symbol string) {
	m.feedTicksTotal.WithLabelValues(symbol).Inc()
}

func (m *PrometheusMetrics) RecordFeedReconnect(symbol string) {
	m.feedReconnectsTotal.WithLabelValues(symbol).Inc()
}

func (m *PrometheusMetrics) RecordSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.memoryUsageGauge.Set(float64(memStats.Alloc))
	m.goroutineCountGauge.Set(float64(runtime.NumGoroutine()))
	m.uptimeGauge.Set(time.Since(m.startTime).Seconds())
}

// StartSystemMetricsRecording samples runtime metrics until ctx ends.
func (m *PrometheusMetrics) StartSystemMetricsRecording(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RecordSystemMetrics()
			}
		}
	}()
}

// HTTPMiddleware records every request under its route template.
func (m *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}
