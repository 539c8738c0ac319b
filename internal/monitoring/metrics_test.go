package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subha-wp/trading-app/internal/models"
)

func TestPrometheusMetrics_TradeCounters(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.RecordTradeOpened("BTC", models.DirectionUp)
	m.RecordTradeOpened("BTC", models.DirectionUp)
	m.RecordTradeRejected("insufficient_balance")
	m.RecordTradeResolved("BTC", models.OutcomeWin, 2*time.Second)
	m.RecordTradeFailed("BTC", models.FailureReasonPriceUnavailable)
	m.RecordResolveRetry()
	m.RecordSweep(3)
	m.RecordTick("BTCUSDT")
	m.RecordFeedReconnect("BTCUSDT")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tradesOpenedTotal.WithLabelValues("BTC", "up")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tradesRejectedTotal.WithLabelValues("insufficient_balance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tradesResolvedTotal.WithLabelValues("BTC", "win")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tradesFailedTotal.WithLabelValues("BTC", "price_unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolveRetriesTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepFoundOrders))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedTicksTotal.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedReconnectsTotal.WithLabelValues("BTCUSDT")))
}

func TestPrometheusMetrics_SeparateRegistries(t *testing.T) {
	require.NotPanics(t, func() {
		NewPrometheusMetrics(prometheus.NewRegistry())
		NewPrometheusMetrics(prometheus.NewRegistry())
	})
}

func TestPrometheusMetrics_HTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	router := gin.New()
	router.Use(m.HTTPMiddleware())
	router.GET("/api/v1/trades/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/trades/abc", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/api/v1/trades/:id", "404")))
}
