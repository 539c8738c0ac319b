package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/subha-wp/trading-app/internal/models"
)

type fakeSession struct {
	symbol string
	ticks  chan models.PriceTick
	drop   chan error
}

type fakeSource struct {
	refuse   atomic.Bool
	attempts atomic.Int64
	sessions chan *fakeSession
}

func newFakeSource() *fakeSource {
	return &fakeSource{sessions: make(chan *fakeSession, 16)}
}

func (f *fakeSource) Stream(ctx context.Context, symbol string, callbacks StreamCallbacks) error {
	f.attempts.Add(1)
	if f.refuse.Load() {
		return errors.New("connection refused")
	}

	session := &fakeSession{
		symbol: symbol,
		ticks:  make(chan models.PriceTick),
		drop:   make(chan error, 1),
	}
	callbacks.OnConnected()
	f.sessions <- session

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-session.drop:
			return err
		case tick := <-session.ticks:
			callbacks.OnTick(tick)
		}
	}
}

func (f *fakeSource) nextSession(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case s := <-f.sessions:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("stream session was not opened")
		return nil
	}
}

type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) LatestPrice(ctx context.Context, symbol string) (*models.PriceTick, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PriceTick), args.Error(1)
}

func (m *MockHistory) FirstTradeAfter(ctx context.Context, symbol string, notBefore time.Time) (*models.PriceTick, error) {
	args := m.Called(ctx, symbol, notBefore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PriceTick), args.Error(1)
}

type MockMirror struct {
	mock.Mock
}

func (m *MockMirror) Store(ctx context.Context, tick models.PriceTick) error {
	args := m.Called(ctx, tick)
	return args.Error(0)
}

func (m *MockMirror) Load(ctx context.Context, symbol string) (*models.PriceTick, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PriceTick), args.Error(1)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testHubConfig() *HubConfig {
	return &HubConfig{
		SnapshotWait:         200 * time.Millisecond,
		PriceWait:            200 * time.Millisecond,
		MaxTickAge:           500 * time.Millisecond,
		RecentTicks:          16,
		MirrorInterval:       time.Second,
		MaxConsecutiveErrors: 5,
		Backoff:              Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
	}
}

func startHub(t *testing.T, source StreamSource, opts ...HubOption) *Hub {
	t.Helper()
	hub := NewHub(testHubConfig(), source, testLogger(), opts...)
	hub.Start(context.Background())
	t.Cleanup(hub.Stop)
	return hub
}

func waitForWaiters(t *testing.T, hub *Hub, symbol string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		sub := hub.subs[symbol]
		hub.mu.Unlock()
		if sub == nil {
			return false
		}
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.waiters) == n
	}, time.Second, 5*time.Millisecond)
}

func waitForLastPrice(t *testing.T, hub *Hub, symbol, price string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, st := range hub.Status() {
			if st.Symbol == symbol && st.LastPrice == price {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func tickAt(price int64, ts time.Time) models.PriceTick {
	return models.PriceTick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(price), Timestamp: ts}
}

func TestHub_GetSnapshotPrice(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the streamed tick", func(t *testing.T) {
		source := newFakeSource()
		hub := startHub(t, source)
		require.NoError(t, hub.Subscribe("btcusdt"))

		session := source.nextSession(t)
		assert.Equal(t, "BTCUSDT", session.symbol)
		session.ticks <- tickAt(30000, time.Now())

		tick, err := hub.GetSnapshotPrice(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.True(t, tick.Price.Equal(decimal.NewFromInt(30000)))
		assert.Equal(t, models.PriceSourceStream, tick.Source)
	})

	t.Run("waits for the first tick", func(t *testing.T) {
		source := newFakeSource()
		hub := startHub(t, source)

		go func() {
			session := source.nextSession(t)
			time.Sleep(20 * time.Millisecond)
			session.ticks <- tickAt(31000, time.Now())
		}()

		tick, err := hub.GetSnapshotPrice(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.True(t, tick.Price.Equal(decimal.NewFromInt(31000)))
	})

	t.Run("stale tick is not a snapshot", func(t *testing.T) {
		source := newFakeSource()
		history := new(MockHistory)
		restTick := &models.PriceTick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(32000), Source: models.PriceSourceREST}
		history.On("LatestPrice", mock.Anything, "BTCUSDT").Return(restTick, nil).
			Run(func(mock.Arguments) { restTick.Timestamp = time.Now() })

		hub := startHub(t, source, WithHistory(history))
		require.NoError(t, hub.Subscribe("BTCUSDT"))
		source.nextSession(t).ticks <- tickAt(1, time.Now().Add(-time.Minute))

		tick, err := hub.GetSnapshotPrice(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, models.PriceSourceREST, tick.Source)
		history.AssertExpectations(t)
	})

	t.Run("tick older than the age bound forces a fresh read", func(t *testing.T) {
		source := newFakeSource()
		history := new(MockHistory)
		restTick := &models.PriceTick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(32500), Source: models.PriceSourceREST}
		history.On("LatestPrice", mock.Anything, "BTCUSDT").Return(restTick, nil).
			Run(func(mock.Arguments) { restTick.Timestamp = time.Now() })

		hub := startHub(t, source, WithHistory(history))
		require.NoError(t, hub.Subscribe("BTCUSDT"))
		source.nextSession(t).ticks <- tickAt(32000, time.Now().Add(-2*time.Second))
		waitForLastPrice(t, hub, "BTCUSDT", "32000")

		tick, err := hub.GetSnapshotPrice(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.True(t, tick.Price.Equal(decimal.NewFromInt(32500)))
		assert.Equal(t, models.PriceSourceREST, tick.Source)
	})

	t.Run("stale mirror and REST prices are refused", func(t *testing.T) {
		source := newFakeSource()
		source.refuse.Store(true)
		mirror := new(MockMirror)
		mirror.On("Load", mock.Anything, "BTCUSDT").
			Return(&models.PriceTick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(1), Timestamp: time.Now().Add(-2 * time.Second)}, nil)
		history := new(MockHistory)
		history.On("LatestPrice", mock.Anything, "BTCUSDT").
			Return(&models.PriceTick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(2), Timestamp: time.Now().Add(-time.Minute)}, nil)

		hub := startHub(t, source, WithMirror(mirror), WithHistory(history))

		_, err := hub.GetSnapshotPrice(ctx, "BTCUSDT")
		assert.True(t, errors.Is(err, ErrFeedUnavailable))
		mirror.AssertExpectations(t)
		history.AssertExpectations(t)
	})

	t.Run("fresh mirrored tick short-circuits the wait", func(t *testing.T) {
		source := newFakeSource()
		source.refuse.Store(true)
		mirror := new(MockMirror)
		mirrored := &models.PriceTick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(33000), Timestamp: time.Now()}
		mirror.On("Load", mock.Anything, "BTCUSDT").Return(mirrored, nil)

		hub := startHub(t, source, WithMirror(mirror))

		tick, err := hub.GetSnapshotPrice(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, models.PriceSourceCache, tick.Source)
		assert.True(t, tick.Price.Equal(decimal.NewFromInt(33000)))
	})

	t.Run("no stream and no fallback", func(t *testing.T) {
		source := newFakeSource()
		source.refuse.Store(true)
		hub := startHub(t, source)

		_, err := hub.GetSnapshotPrice(ctx, "BTCUSDT")
		assert.True(t, errors.Is(err, ErrFeedUnavailable))
	})
}

func TestHub_GetPriceAt(t *testing.T) {
	ctx := context.Background()

	t.Run("skips ticks before notBefore", func(t *testing.T) {
		source := newFakeSource()
		hub := startHub(t, source)
		require.NoError(t, hub.Subscribe("BTCUSDT"))
		session := source.nextSession(t)

		expiry := time.Now().Add(50 * time.Millisecond)
		result := make(chan *models.PriceTick, 1)
		go func() {
			tick, err := hub.GetPriceAt(ctx, "BTCUSDT", expiry)
			assert.NoError(t, err)
			result <- tick
		}()

		waitForWaiters(t, hub, "BTCUSDT", 1)

		session.ticks <- tickAt(100, expiry.Add(-time.Millisecond))
		session.ticks <- tickAt(101, expiry)
		session.ticks <- tickAt(102, expiry.Add(time.Millisecond))

		select {
		case tick := <-result:
			require.NotNil(t, tick)
			assert.True(t, tick.Price.Equal(decimal.NewFromInt(101)))
		case <-time.After(time.Second):
			t.Fatal("GetPriceAt did not return")
		}
	})

	t.Run("late lookup returns the first tick, not the latest", func(t *testing.T) {
		source := newFakeSource()
		hub := startHub(t, source)
		require.NoError(t, hub.Subscribe("BTCUSDT"))
		session := source.nextSession(t)

		expiry := time.Now()
		session.ticks <- tickAt(99, expiry.Add(-time.Second))
		session.ticks <- tickAt(100, expiry.Add(time.Second))
		session.ticks <- tickAt(90, expiry.Add(10*time.Second))
		waitForLastPrice(t, hub, "BTCUSDT", "90")

		tick, err := hub.GetPriceAt(ctx, "BTCUSDT", expiry)
		require.NoError(t, err)
		assert.True(t, tick.Price.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, expiry.Add(time.Second), tick.Timestamp)
	})

	t.Run("failed history lookup is retryable and never uses the live price", func(t *testing.T) {
		source := newFakeSource()
		history := new(MockHistory)
		expiry := time.Now().Add(-time.Hour)
		history.On("FirstTradeAfter", mock.Anything, "BTCUSDT", expiry).Return(nil, errors.New("i/o timeout"))

		hub := startHub(t, source, WithHistory(history))
		require.NoError(t, hub.Subscribe("BTCUSDT"))
		source.nextSession(t).ticks <- tickAt(45000, time.Now())
		waitForLastPrice(t, hub, "BTCUSDT", "45000")

		tick, err := hub.GetPriceAt(ctx, "BTCUSDT", expiry)
		assert.Nil(t, tick)
		assert.True(t, errors.Is(err, ErrHistoryUnavailable))
		assert.False(t, errors.Is(err, ErrPriceUnavailable))
	})

	t.Run("history without trades past the wait bound is final", func(t *testing.T) {
		source := newFakeSource()
		history := new(MockHistory)
		expiry := time.Now().Add(-time.Hour)
		history.On("FirstTradeAfter", mock.Anything, "BTCUSDT", expiry).
			Return(nil, fmt.Errorf("%w: no trades", ErrPriceUnavailable))

		hub := startHub(t, source, WithHistory(history))

		_, err := hub.GetPriceAt(ctx, "BTCUSDT", expiry)
		assert.True(t, errors.Is(err, ErrPriceUnavailable))
		assert.False(t, errors.Is(err, ErrHistoryUnavailable))
	})

	t.Run("connected but silent stream reports price unavailable", func(t *testing.T) {
		source := newFakeSource()
		hub := startHub(t, source)
		require.NoError(t, hub.Subscribe("BTCUSDT"))
		source.nextSession(t)

		start := time.Now()
		_, err := hub.GetPriceAt(ctx, "BTCUSDT", time.Now())

		assert.True(t, errors.Is(err, ErrPriceUnavailable))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("disconnected stream reports feed unavailable", func(t *testing.T) {
		source := newFakeSource()
		source.refuse.Store(true)
		hub := startHub(t, source)

		_, err := hub.GetPriceAt(ctx, "BTCUSDT", time.Now())

		assert.True(t, errors.Is(err, ErrFeedUnavailable))
		assert.Greater(t, source.attempts.Load(), int64(1))
	})

	t.Run("late lookups use trade history", func(t *testing.T) {
		source := newFakeSource()
		history := new(MockHistory)
		expiry := time.Now().Add(-time.Hour)
		historic := &models.PriceTick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(29000), Timestamp: expiry.Add(time.Second), Source: models.PriceSourceREST}
		history.On("FirstTradeAfter", mock.Anything, "BTCUSDT", expiry).Return(historic, nil)

		hub := startHub(t, source, WithHistory(history))

		tick, err := hub.GetPriceAt(ctx, "BTCUSDT", expiry)
		require.NoError(t, err)
		assert.True(t, tick.Price.Equal(decimal.NewFromInt(29000)))
		history.AssertExpectations(t)
	})

	t.Run("cancelled context ends the wait", func(t *testing.T) {
		source := newFakeSource()
		hub := startHub(t, source)

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := hub.GetPriceAt(cctx, "BTCUSDT", time.Now().Add(time.Hour))
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestHub_ReconnectsAfterDrop(t *testing.T) {
	source := newFakeSource()
	hub := startHub(t, source)
	require.NoError(t, hub.Subscribe("ETHUSDT"))

	first := source.nextSession(t)
	first.drop <- errors.New("connection reset")

	second := source.nextSession(t)
	second.ticks <- models.PriceTick{Symbol: "ETHUSDT", Price: decimal.NewFromInt(2000), Timestamp: time.Now()}

	assert.Eventually(t, func() bool {
		for _, st := range hub.Status() {
			if st.Symbol == "ETHUSDT" && st.Connected && st.Reconnects == 1 && st.LastPrice == "2000" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestHub_Stopped(t *testing.T) {
	hub := NewHub(testHubConfig(), newFakeSource(), testLogger())

	_, err := hub.GetSnapshotPrice(context.Background(), "BTCUSDT")
	assert.True(t, errors.Is(err, ErrHubStopped))
}

func TestSubscription_PublishNeverBlocks(t *testing.T) {
	sub := newSubscription("BTCUSDT", 4)
	now := time.Now()

	_, stalled := sub.latestSince(now)
	stalled.ch <- tickAt(1, now)

	_, early := sub.latestSince(now.Add(time.Hour))

	done := make(chan struct{})
	go func() {
		sub.publish(tickAt(2, now))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled waiter")
	}

	sub.mu.Lock()
	_, stalledRegistered := sub.waiters[stalled.id]
	_, earlyRegistered := sub.waiters[early.id]
	sub.mu.Unlock()

	assert.False(t, stalledRegistered)
	assert.True(t, earlyRegistered)
	assert.True(t, sub.latest.Price.Equal(decimal.NewFromInt(2)))
}

func TestSubscription_LatestIsMonotonic(t *testing.T) {
	sub := newSubscription("BTCUSDT", 4)
	now := time.Now()

	sub.publish(tickAt(2, now))
	sub.publish(tickAt(1, now.Add(-time.Second)))

	tick, w := sub.latestSince(now)
	require.Nil(t, w)
	assert.True(t, tick.Price.Equal(decimal.NewFromInt(2)))
}

func TestSubscription_FirstSince(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("earliest qualifying tick wins over arrival order", func(t *testing.T) {
		sub := newSubscription("BTCUSDT", 8)
		sub.markConnected(t0)
		sub.publish(tickAt(3, t0.Add(3*time.Second)))
		sub.publish(tickAt(2, t0.Add(2*time.Second)))
		sub.publish(tickAt(1, t0.Add(time.Second)))

		tick, w, covered := sub.firstSince(t0.Add(1500 * time.Millisecond))
		require.Nil(t, w)
		assert.True(t, covered)
		assert.True(t, tick.Price.Equal(decimal.NewFromInt(2)))
	})

	t.Run("eviction narrows coverage", func(t *testing.T) {
		sub := newSubscription("BTCUSDT", 2)
		sub.markConnected(t0)
		sub.publish(tickAt(1, t0.Add(time.Second)))
		sub.publish(tickAt(2, t0.Add(2*time.Second)))
		sub.publish(tickAt(3, t0.Add(3*time.Second)))

		tick, w, covered := sub.firstSince(t0)
		assert.Nil(t, tick)
		assert.False(t, covered)
		sub.cancel(w)

		tick, _, covered = sub.firstSince(t0.Add(1500 * time.Millisecond))
		assert.True(t, covered)
		require.NotNil(t, tick)
		assert.True(t, tick.Price.Equal(decimal.NewFromInt(2)))
	})

	t.Run("a reconnect gap is not covered", func(t *testing.T) {
		sub := newSubscription("BTCUSDT", 8)
		sub.markConnected(t0)
		sub.publish(tickAt(1, t0.Add(time.Second)))
		sub.setConnected(false, errors.New("connection reset"))
		sub.markConnected(t0.Add(5 * time.Second))
		sub.publish(tickAt(6, t0.Add(6*time.Second)))

		tick, w, covered := sub.firstSince(t0.Add(2 * time.Second))
		assert.Nil(t, tick)
		assert.False(t, covered)

		// The live stream must not serve a lookup it has a gap for.
		sub.publish(tickAt(7, t0.Add(7*time.Second)))
		select {
		case <-w.ch:
			t.Fatal("waiter served across a gap")
		default:
		}

		tick, _, covered = sub.firstSince(t0.Add(5 * time.Second))
		assert.True(t, covered)
		require.NotNil(t, tick)
		assert.True(t, tick.Price.Equal(decimal.NewFromInt(6)))
	})
}
