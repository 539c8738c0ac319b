package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/subha-wp/trading-app/internal/concurrent"
	"github.com/subha-wp/trading-app/internal/dto"
	"github.com/subha-wp/trading-app/internal/engine"
	"github.com/subha-wp/trading-app/internal/feed"
	"github.com/subha-wp/trading-app/internal/middleware"
	"github.com/subha-wp/trading-app/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := dto.RegisterValidators(v); err != nil {
			panic(err)
		}
	}
}

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) OpenTrade(ctx context.Context, input engine.OpenTradeInput) (*models.Order, error) {
	args := m.Called(ctx, input)
	order, _ := args.Get(0).(*models.Order)
	return order, args.Error(1)
}

func (m *MockEngine) ResolveTrade(ctx context.Context, orderID string) (*models.Order, error) {
	args := m.Called(ctx, orderID)
	order, _ := args.Get(0).(*models.Order)
	return order, args.Error(1)
}

func (m *MockEngine) GetOrder(ctx context.Context, userID int, orderID string) (*models.Order, error) {
	args := m.Called(ctx, userID, orderID)
	order, _ := args.Get(0).(*models.Order)
	return order, args.Error(1)
}

func (m *MockEngine) ListOrders(ctx context.Context, userID int, filter *dto.TradeFilterRequest) ([]models.Order, int64, error) {
	args := m.Called(ctx, userID, filter)
	orders, _ := args.Get(0).([]models.Order)
	return orders, args.Get(1).(int64), args.Error(2)
}

func (m *MockEngine) GetBalance(ctx context.Context, userID int) (*models.Balance, error) {
	args := m.Called(ctx, userID)
	balance, _ := args.Get(0).(*models.Balance)
	return balance, args.Error(1)
}

func (m *MockEngine) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	args := m.Called(ctx)
	symbols, _ := args.Get(0).([]models.Symbol)
	return symbols, args.Error(1)
}

func newRouter(eng *MockEngine, userID int) *gin.Engine {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	trades := NewTradeHandler(eng, logger)
	account := NewAccountHandler(eng)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if userID > 0 {
			c.Set(middleware.ContextUserID, userID)
		}
		c.Next()
	})
	router.POST("/trades", trades.OpenTrade)
	router.GET("/trades", trades.ListTrades)
	router.GET("/trades/:id", trades.GetTrade)
	router.GET("/balance", account.GetBalance)
	router.GET("/symbols", account.ListSymbols)
	return router
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var body dto.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func pendingOrder() *models.Order {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Order{
		ID:              primitive.NewObjectID(),
		OrderNumber:     "BO-2025-a1b2c3",
		UserID:          7,
		SymbolID:        "BTC",
		FeedSymbol:      "BTCUSDT",
		Amount:          decimal.NewFromInt(50),
		Direction:       models.DirectionUp,
		EntryPrice:      decimal.NewFromInt(30000),
		PayoutRate:      decimal.NewFromInt(80),
		DurationSeconds: 60,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Minute),
		Status:          models.OrderStatusPending,
	}
}

func TestOpenTrade_Created(t *testing.T) {
	eng := new(MockEngine)
	order := pendingOrder()
	eng.On("OpenTrade", mock.Anything, engine.OpenTradeInput{
		UserID:          7,
		SymbolID:        "BTC",
		Amount:          decimal.RequireFromString("50"),
		Direction:       models.DirectionUp,
		DurationSeconds: 60,
	}).Return(order, nil).Once()

	w := do(newRouter(eng, 7), http.MethodPost, "/trades",
		`{"symbol_id":"BTC","amount":"50","direction":"up","duration":60,"entry_price":"1"}`)

	require.Equal(t, http.StatusCreated, w.Code)
	var got models.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, "30000", got.EntryPrice.String(), "entry price comes from the engine")
	eng.AssertExpectations(t)
}

func TestOpenTrade_ErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantBody string
	}{
		{engine.ErrSymbolNotFound, http.StatusNotFound, "SYMBOL_NOT_FOUND"},
		{engine.ErrSymbolDisabled, http.StatusConflict, "SYMBOL_DISABLED"},
		{engine.ErrAmountOutOfRange, http.StatusBadRequest, "AMOUNT_OUT_OF_RANGE"},
		{engine.ErrInvalidDuration, http.StatusBadRequest, "INVALID_DURATION"},
		{engine.ErrInvalidDirection, http.StatusBadRequest, "INVALID_DIRECTION"},
		{engine.ErrInsufficientBalance, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE"},
		{engine.ErrPriceUnavailable, http.StatusServiceUnavailable, "PRICE_UNAVAILABLE"},
		{engine.ErrFeedUnavailable, http.StatusServiceUnavailable, "FEED_UNAVAILABLE"},
		{errors.Join(engine.ErrTransient, engine.ErrInsufficientBalance), http.StatusServiceUnavailable, "TEMPORARILY_UNAVAILABLE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.wantBody, func(t *testing.T) {
			eng := new(MockEngine)
			eng.On("OpenTrade", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			w := do(newRouter(eng, 7), http.MethodPost, "/trades",
				`{"symbol_id":"BTC","amount":"5","direction":"up","duration":60}`)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantBody, decodeError(t, w).Code)
		})
	}
}

func TestOpenTrade_RejectsMalformedBody(t *testing.T) {
	tests := map[string]string{
		"bad direction":  `{"symbol_id":"BTC","amount":"50","direction":"sideways","duration":60}`,
		"bad amount":     `{"symbol_id":"BTC","amount":"fifty","direction":"up","duration":60}`,
		"missing symbol": `{"amount":"50","direction":"up","duration":60}`,
		"not json":       `{`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			eng := new(MockEngine)
			w := do(newRouter(eng, 7), http.MethodPost, "/trades", body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			eng.AssertNotCalled(t, "OpenTrade", mock.Anything, mock.Anything)
		})
	}
}

func TestOpenTrade_RequiresUser(t *testing.T) {
	w := do(newRouter(new(MockEngine), 0), http.MethodPost, "/trades",
		`{"symbol_id":"BTC","amount":"50","direction":"up","duration":60}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetTrade(t *testing.T) {
	eng := new(MockEngine)
	order := pendingOrder()
	eng.On("GetOrder", mock.Anything, 7, order.ID.Hex()).Return(order, nil).Once()
	eng.On("GetOrder", mock.Anything, 7, "missing").Return(nil, engine.ErrOrderNotFound).Once()

	router := newRouter(eng, 7)

	w := do(router, http.MethodGet, "/trades/"+order.ID.Hex(), "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/trades/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", decodeError(t, w).Code)
}

func TestListTrades(t *testing.T) {
	eng := new(MockEngine)
	eng.On("ListOrders", mock.Anything, 7, mock.MatchedBy(func(f *dto.TradeFilterRequest) bool {
		return f.Page == 2 && f.Limit == 1 && f.Status != nil && *f.Status == models.OrderStatusPending
	})).Return([]models.Order{*pendingOrder()}, int64(3), nil).Once()

	w := do(newRouter(eng, 7), http.MethodGet, "/trades?status=pending&page=2&limit=1", "")

	require.Equal(t, http.StatusOK, w.Code)
	var body dto.TradeListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Trades, 1)
	assert.Equal(t, int64(3), body.Total)
	assert.Equal(t, int64(3), body.TotalPages)
	eng.AssertExpectations(t)
}

func TestListTrades_InvalidStatus(t *testing.T) {
	w := do(newRouter(new(MockEngine), 7), http.MethodGet, "/trades?status=open", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccount(t *testing.T) {
	eng := new(MockEngine)
	eng.On("GetBalance", mock.Anything, 7).Return(&models.Balance{UserID: 7, Balance: decimal.NewFromInt(100)}, nil)
	eng.On("ListSymbols", mock.Anything).Return(nil, nil)

	router := newRouter(eng, 7)

	w := do(router, http.MethodGet, "/balance", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":"100"`)

	w = do(router, http.MethodGet, "/symbols", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"symbols":[]}`, w.Body.String())
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type brokerStub bool

func (b brokerStub) IsHealthy() bool { return bool(b) }

type feedStub []feed.SymbolStatus

func (f feedStub) Status() []feed.SymbolStatus { return f }

func TestHealthHandler(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	pool := concurrent.NewWorkerPool(1, 1, logger)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Stop() })

	dbUp := pingFunc(func(context.Context) error { return nil })
	dbDown := pingFunc(func(context.Context) error { return errors.New("no reachable servers") })

	tests := []struct {
		name       string
		opts       []HealthOption
		wantHealth int
		wantStatus string
		wantReady  int
	}{
		{
			name:       "all healthy",
			opts:       []HealthOption{WithDatabase(dbUp), WithBroker(brokerStub(true)), WithFeed(feedStub{{Symbol: "BTCUSDT", Connected: true}}), WithWorkerPool(pool)},
			wantHealth: http.StatusOK,
			wantStatus: "healthy",
			wantReady:  http.StatusOK,
		},
		{
			name:       "broker and feed down only degrade",
			opts:       []HealthOption{WithDatabase(dbUp), WithBroker(brokerStub(false)), WithFeed(feedStub{{Symbol: "BTCUSDT"}})},
			wantHealth: http.StatusOK,
			wantStatus: "degraded",
			wantReady:  http.StatusOK,
		},
		{
			name:       "database down",
			opts:       []HealthOption{WithDatabase(dbDown), WithBroker(brokerStub(true))},
			wantHealth: http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantReady:  http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("test", tt.opts...)
			router := gin.New()
			router.GET("/health", h.Health)
			router.GET("/health/ready", h.Readiness)
			router.GET("/health/live", h.Liveness)

			w := do(router, http.MethodGet, "/health", "")
			assert.Equal(t, tt.wantHealth, w.Code)
			var health HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
			assert.Equal(t, tt.wantStatus, health.Status)

			w = do(router, http.MethodGet, "/health/ready", "")
			assert.Equal(t, tt.wantReady, w.Code)

			w = do(router, http.MethodGet, "/health/live", "")
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}
