package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/subha-wp/trading-app/internal/models"
)

type MockSymbolProvider struct {
	mock.Mock
}

func (m *MockSymbolProvider) Get(ctx context.Context, id string) (*models.Symbol, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Symbol), args.Error(1)
}

func (m *MockSymbolProvider) ListEnabled(ctx context.Context) ([]models.Symbol, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Symbol), args.Error(1)
}

func newTestCache(next SymbolProvider) *CachedSymbolProvider {
	return NewCachedSymbolProvider(next, &SymbolCacheConfig{TTL: time.Minute, MaxSize: 100, ItemsToPrune: 10})
}

func TestCachedSymbolProvider_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("second lookup is served from cache", func(t *testing.T) {
		next := new(MockSymbolProvider)
		btc := &models.Symbol{ID: "btc", FeedSymbol: "BTCUSDT", Enabled: true, PayoutRate: decimal.NewFromInt(80)}
		next.On("Get", ctx, "btc").Return(btc, nil).Once()

		provider := newTestCache(next)
		defer provider.Stop()

		first, err := provider.Get(ctx, "btc")
		assert.NoError(t, err)
		second, err := provider.Get(ctx, "btc")
		assert.NoError(t, err)

		assert.Equal(t, "BTCUSDT", first.FeedSymbol)
		assert.Equal(t, first, second)
		next.AssertExpectations(t)
	})

	t.Run("callers get a copy", func(t *testing.T) {
		next := new(MockSymbolProvider)
		next.On("Get", ctx, "eth").Return(&models.Symbol{ID: "eth", Enabled: true}, nil).Once()

		provider := newTestCache(next)
		defer provider.Stop()

		first, _ := provider.Get(ctx, "eth")
		first.Enabled = false

		second, _ := provider.Get(ctx, "eth")
		assert.True(t, second.Enabled)
	})

	t.Run("misses are not cached", func(t *testing.T) {
		next := new(MockSymbolProvider)
		next.On("Get", ctx, "doge").Return(nil, ErrSymbolNotFound).Twice()

		provider := newTestCache(next)
		defer provider.Stop()

		_, err := provider.Get(ctx, "doge")
		assert.True(t, errors.Is(err, ErrSymbolNotFound))
		_, err = provider.Get(ctx, "doge")
		assert.True(t, errors.Is(err, ErrSymbolNotFound))

		next.AssertExpectations(t)
	})

	t.Run("invalidate forces a reload", func(t *testing.T) {
		next := new(MockSymbolProvider)
		next.On("Get", ctx, "sol").Return(&models.Symbol{ID: "sol"}, nil).Twice()

		provider := newTestCache(next)
		defer provider.Stop()

		_, _ = provider.Get(ctx, "sol")
		provider.Invalidate("sol")
		_, _ = provider.Get(ctx, "sol")

		next.AssertExpectations(t)
	})
}

func TestCachedSymbolProvider_ListEnabled(t *testing.T) {
	ctx := context.Background()
	next := new(MockSymbolProvider)
	next.On("ListEnabled", ctx).Return([]models.Symbol{{ID: "btc"}, {ID: "eth"}}, nil).Once()

	provider := newTestCache(next)
	defer provider.Stop()

	symbols, err := provider.ListEnabled(ctx)
	assert.NoError(t, err)
	assert.Len(t, symbols, 2)

	symbols, err = provider.ListEnabled(ctx)
	assert.NoError(t, err)
	assert.Len(t, symbols, 2)

	next.AssertExpectations(t)
}
