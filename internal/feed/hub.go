package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/subha-wp/trading-app/internal/models"
)

var (
	ErrPriceUnavailable = errors.New("feed: no price available within the wait bound")
	ErrFeedUnavailable  = errors.New("feed: market data stream is disconnected")
	ErrHubStopped       = errors.New("feed: hub is not running")
	// ErrHistoryUnavailable is retryable: the exit price exists but could not be fetched yet.
	ErrHistoryUnavailable = errors.New("feed: trade history lookup failed")
)

// PriceFeed is what the settlement engine needs from market data.
type PriceFeed interface {
	GetSnapshotPrice(ctx context.Context, symbol string) (*models.PriceTick, error)
	GetPriceAt(ctx context.Context, symbol string, notBefore time.Time) (*models.PriceTick, error)
}

// StreamCallbacks are invoked from the goroutine running StreamSource.Stream.
type StreamCallbacks struct {
	OnConnected func()
	OnTick      func(models.PriceTick)
}

// StreamSource delivers live ticks for one symbol until the connection drops
// or ctx is cancelled. It always returns a non-nil error.
type StreamSource interface {
	Stream(ctx context.Context, symbol string, callbacks StreamCallbacks) error
}

// HistorySource answers price questions the live stream cannot.
type HistorySource interface {
	LatestPrice(ctx context.Context, symbol string) (*models.PriceTick, error)
	FirstTradeAfter(ctx context.Context, symbol string, notBefore time.Time) (*models.PriceTick, error)
}

// PriceMirror shares the latest tick between engine instances.
type PriceMirror interface {
	Store(ctx context.Context, tick models.PriceTick) error
	Load(ctx context.Context, symbol string) (*models.PriceTick, error)
}

type Metrics interface {
	RecordTick(symbol string)
	RecordFeedReconnect(symbol string)
}

type HubConfig struct {
	SnapshotWait         time.Duration
	PriceWait            time.Duration
	MaxTickAge           time.Duration
	RecentTicks          int
	MirrorInterval       time.Duration
	MaxConsecutiveErrors int
	Backoff              Backoff
}

func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		SnapshotWait:         3 * time.Second,
		PriceWait:            10 * time.Second,
		MaxTickAge:           500 * time.Millisecond,
		RecentTicks:          1024,
		MirrorInterval:       time.Second,
		MaxConsecutiveErrors: 5,
		Backoff:              DefaultBackoff(),
	}
}

type SymbolStatus struct {
	Symbol     string    `json:"symbol"`
	Connected  bool      `json:"connected"`
	LastPrice  string    `json:"last_price,omitempty"`
	LastTickAt time.Time `json:"last_tick_at,omitempty"`
	Reconnects int64     `json:"reconnects"`
	LastError  string    `json:"last_error,omitempty"`
}

// Hub multiplexes price lookups over one long-lived stream per symbol.
type Hub struct {
	config  *HubConfig
	source  StreamSource
	history HistorySource
	mirror  PriceMirror
	metrics Metrics
	logger  *logrus.Logger
	now     func() time.Time

	mu      sync.Mutex
	subs    map[string]*subscription
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	mirrorCh chan models.PriceTick
}

type HubOption func(*Hub)

func WithHistory(history HistorySource) HubOption {
	return func(h *Hub) { h.history = history }
}

func WithMirror(mirror PriceMirror) HubOption {
	return func(h *Hub) { h.mirror = mirror }
}

func WithMetrics(metrics Metrics) HubOption {
	return func(h *Hub) { h.metrics = metrics }
}

func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

func NewHub(config *HubConfig, source StreamSource, logger *logrus.Logger, opts ...HubOption) *Hub {
	if config == nil {
		config = DefaultHubConfig()
	}

	h := &Hub{
		config:   config,
		source:   source,
		metrics:  noopMetrics{},
		logger:   logger,
		now:      time.Now,
		subs:     make(map[string]*subscription),
		mirrorCh: make(chan models.PriceTick, 64),
	}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.running = true

	if h.mirror != nil {
		h.wg.Add(1)
		go h.runMirror(h.ctx)
	}
}

func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.cancel()
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("Price feed hub stopped")
}

// Subscribe starts the stream for symbol if it is not running yet.
func (h *Hub) Subscribe(symbol string) error {
	_, err := h.subscription(symbol)
	return err
}

func (h *Hub) subscription(symbol string) (*subscription, error) {
	symbol = strings.ToUpper(symbol)

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return nil, ErrHubStopped
	}

	if sub, ok := h.subs[symbol]; ok {
		return sub, nil
	}

	sub := newSubscription(symbol, h.config.RecentTicks)
	h.subs[symbol] = sub

	h.wg.Add(1)
	go h.run(h.ctx, sub)

	h.logger.WithField("symbol", symbol).Info("Subscribed to price stream")
	return sub, nil
}

// run keeps one symbol's stream alive, reconnecting with backoff.
func (h *Hub) run(ctx context.Context, sub *subscription) {
	defer h.wg.Done()

	log := h.logger.WithField("symbol", sub.symbol)
	consecutiveErrors := 0

	for {
		var received atomic.Bool

		err := h.source.Stream(ctx, sub.symbol, StreamCallbacks{
			OnConnected: func() {
				sub.markConnected(h.now())
				log.Info("Price stream connected")
			},
			OnTick: func(tick models.PriceTick) {
				received.Store(true)
				h.publish(sub, tick)
			},
		})
		sub.setConnected(false, err)

		if ctx.Err() != nil {
			log.Info("Price stream shutting down")
			return
		}

		if received.Load() {
			consecutiveErrors = 0
		}
		consecutiveErrors++

		delay := h.config.Backoff.Next(consecutiveErrors)
		if h.config.MaxConsecutiveErrors > 0 && consecutiveErrors >= h.config.MaxConsecutiveErrors && h.config.Backoff.Max > 0 {
			log.Warn("Too many consecutive stream errors, extending delay")
			delay = h.config.Backoff.Max
		}

		sub.reconnects.Add(1)
		h.metrics.RecordFeedReconnect(sub.symbol)
		log.WithError(err).Warnf("Price stream error (%d consecutive), reconnecting in %v", consecutiveErrors, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (h *Hub) publish(sub *subscription, tick models.PriceTick) {
	if tick.Symbol == "" {
		tick.Symbol = sub.symbol
	}
	if tick.Source == "" {
		tick.Source = models.PriceSourceStream
	}

	sub.publish(tick)
	h.metrics.RecordTick(sub.symbol)

	if h.mirror != nil && sub.shouldMirror(tick.Timestamp, h.config.MirrorInterval) {
		select {
		case h.mirrorCh <- tick:
		default:
		}
	}
}

func (h *Hub) runMirror(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-h.mirrorCh:
			storeCtx, cancel := context.WithTimeout(ctx, time.Second)
			if err := h.mirror.Store(storeCtx, tick); err != nil {
				h.logger.WithError(err).WithField("symbol", tick.Symbol).Debug("Failed to mirror price")
			}
			cancel()
		}
	}
}

// GetSnapshotPrice returns the price at the instant of the call: a streamed
// or mirrored tick no older than MaxTickAge, the next streamed tick within
// SnapshotWait, or the REST ticker.
func (h *Hub) GetSnapshotPrice(ctx context.Context, symbol string) (*models.PriceTick, error) {
	sub, err := h.subscription(symbol)
	if err != nil {
		return nil, err
	}

	freshAfter := h.now().Add(-h.config.MaxTickAge)

	tick, w := sub.latestSince(freshAfter)
	if tick != nil {
		return tick, nil
	}

	if h.mirror != nil {
		mirrored, err := h.mirror.Load(ctx, sub.symbol)
		if err != nil {
			h.logger.WithError(err).WithField("symbol", sub.symbol).Debug("Price mirror lookup failed")
		} else if mirrored != nil && !mirrored.Timestamp.Before(freshAfter) {
			sub.cancel(w)
			mirrored.Source = models.PriceSourceCache
			return mirrored, nil
		}
	}

	tick, err = h.wait(ctx, sub, w, h.config.SnapshotWait)
	if err == nil {
		return tick, nil
	}

	if h.history != nil {
		restTick, restErr := h.history.LatestPrice(ctx, sub.symbol)
		switch {
		case restErr != nil:
			h.logger.WithError(restErr).WithField("symbol", sub.symbol).Warn("REST price fallback failed")
		case restTick.Timestamp.Before(h.now().Add(-h.config.MaxTickAge)):
			h.logger.WithFields(logrus.Fields{
				"symbol":  sub.symbol,
				"tick_at": restTick.Timestamp,
			}).Warn("REST price is too old for a snapshot")
		default:
			return restTick, nil
		}
	}

	return nil, err
}

// GetPriceAt returns the first tick at or after notBefore, waiting at most
// PriceWait for it. The recent-tick buffer answers when the stream has been
// up without a gap since notBefore; otherwise the trade history does.
func (h *Hub) GetPriceAt(ctx context.Context, symbol string, notBefore time.Time) (*models.PriceTick, error) {
	sub, err := h.subscription(symbol)
	if err != nil {
		return nil, err
	}

	tick, w, covered := sub.firstSince(notBefore)
	if tick != nil {
		return tick, nil
	}

	if !covered && h.history != nil {
		sub.cancel(w)
		return h.firstTradeAfter(ctx, sub.symbol, notBefore)
	}

	return h.wait(ctx, sub, w, h.config.PriceWait)
}

// firstTradeAfter never substitutes a live price for a missing historical one.
func (h *Hub) firstTradeAfter(ctx context.Context, symbol string, notBefore time.Time) (*models.PriceTick, error) {
	tick, err := h.history.FirstTradeAfter(ctx, symbol, notBefore)
	if err == nil {
		return tick, nil
	}

	log := h.logger.WithError(err).WithFields(logrus.Fields{
		"symbol":     symbol,
		"not_before": notBefore,
	})

	// No trade at all inside the wait bound is a definite answer.
	if errors.Is(err, ErrPriceUnavailable) && h.now().Sub(notBefore) > h.config.PriceWait {
		log.Warn("No trade found after the requested time")
		return nil, err
	}

	log.Warn("Historical price lookup failed")
	return nil, fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
}

func (h *Hub) wait(ctx context.Context, sub *subscription, w *waiter, bound time.Duration) (*models.PriceTick, error) {
	timer := time.NewTimer(bound)
	defer timer.Stop()

	select {
	case tick := <-w.ch:
		return &tick, nil
	case <-timer.C:
	case <-ctx.Done():
		sub.cancel(w)
		return nil, fmt.Errorf("waiting for %s price: %w", sub.symbol, ctx.Err())
	}

	sub.cancel(w)

	// A tick may have raced the timeout.
	select {
	case tick := <-w.ch:
		return &tick, nil
	default:
	}

	if !sub.isConnected() {
		return nil, fmt.Errorf("%w: %s", ErrFeedUnavailable, sub.symbol)
	}
	return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, sub.symbol)
}

func (h *Hub) Status() []SymbolStatus {
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	statuses := make([]SymbolStatus, 0, len(subs))
	for _, sub := range subs {
		statuses = append(statuses, sub.status())
	}
	return statuses
}

type waiter struct {
	id        uint64
	notBefore time.Time
	// gapless waiters only accept ticks from a stream that has been up
	// since notBefore.
	gapless bool
	ch      chan models.PriceTick
}

type subscription struct {
	symbol     string
	reconnects atomic.Int64

	mu           sync.Mutex
	latest       *models.PriceTick
	recent       *tickRing
	connected    bool
	lastErr      error
	lastMirrored time.Time
	waiters      map[uint64]*waiter
	nextID       uint64

	// recent holds every tick with Timestamp >= coveredFrom while covering is set.
	coveredFrom time.Time
	covering    bool
}

func newSubscription(symbol string, recentTicks int) *subscription {
	return &subscription{
		symbol:  symbol,
		recent:  newTickRing(recentTicks),
		waiters: make(map[uint64]*waiter),
	}
}

// latestSince returns the latest tick if it is not older than freshAfter,
// otherwise a waiter for the next such tick.
func (s *subscription) latestSince(freshAfter time.Time) (*models.PriceTick, *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest != nil && !s.latest.Timestamp.Before(freshAfter) {
		tick := *s.latest
		return &tick, nil
	}
	return nil, s.register(freshAfter, false)
}

// firstSince returns the earliest buffered tick at or after notBefore when
// the buffer is complete from notBefore on. Otherwise it registers a waiter
// and reports whether the buffer covers notBefore.
func (s *subscription) firstSince(notBefore time.Time) (*models.PriceTick, *waiter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	covered := s.covers(notBefore)
	if covered {
		if tick := s.recent.firstSince(notBefore); tick != nil {
			return tick, nil, true
		}
	}
	return nil, s.register(notBefore, true), covered
}

func (s *subscription) covers(notBefore time.Time) bool {
	return s.covering && !notBefore.Before(s.coveredFrom)
}

func (s *subscription) register(notBefore time.Time, gapless bool) *waiter {
	s.nextID++
	w := &waiter{
		id:        s.nextID,
		notBefore: notBefore,
		gapless:   gapless,
		ch:        make(chan models.PriceTick, 1),
	}
	s.waiters[w.id] = w
	return w
}

func (s *subscription) cancel(w *waiter) {
	if w == nil {
		return
	}
	s.mu.Lock()
	delete(s.waiters, w.id)
	s.mu.Unlock()
}

// publish never blocks: each waiter has a one-slot buffer and is removed
// once served.
func (s *subscription) publish(tick models.PriceTick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil || !tick.Timestamp.Before(s.latest.Timestamp) {
		latest := tick
		s.latest = &latest
	}

	if evicted, ok := s.recent.add(tick); ok && !evicted.Timestamp.Before(s.coveredFrom) {
		s.coveredFrom = evicted.Timestamp.Add(time.Nanosecond)
	}

	for id, w := range s.waiters {
		if tick.Timestamp.Before(w.notBefore) {
			continue
		}
		if w.gapless && !s.covers(w.notBefore) {
			continue
		}
		select {
		case w.ch <- tick:
		default:
		}
		delete(s.waiters, id)
	}
}

func (s *subscription) shouldMirror(ts time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts.Sub(s.lastMirrored) < interval {
		return false
	}
	s.lastMirrored = ts
	return true
}

// markConnected starts a new gapless stretch: ticks before at may be missing.
func (s *subscription) markConnected(at time.Time) {
	s.mu.Lock()
	s.connected = true
	s.covering = true
	s.coveredFrom = at
	s.mu.Unlock()
}

func (s *subscription) setConnected(connected bool, err error) {
	s.mu.Lock()
	s.connected = connected
	if !connected {
		s.covering = false
	}
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

func (s *subscription) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *subscription) status() SymbolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SymbolStatus{
		Symbol:     s.symbol,
		Connected:  s.connected,
		Reconnects: s.reconnects.Load(),
	}
	if s.latest != nil {
		st.LastPrice = s.latest.Price.String()
		st.LastTickAt = s.latest.Timestamp
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

type noopMetrics struct{}

func (noopMetrics) RecordTick(string)          {}
func (noopMetrics) RecordFeedReconnect(string) {}

// tickRing keeps the most recent ticks in arrival order.
type tickRing struct {
	ticks []models.PriceTick
	next  int
	full  bool
}

func newTickRing(size int) *tickRing {
	if size < 1 {
		size = 1
	}
	return &tickRing{ticks: make([]models.PriceTick, size)}
}

// add stores tick and returns the tick it overwrote, if any.
func (r *tickRing) add(tick models.PriceTick) (models.PriceTick, bool) {
	evicted, ok := r.ticks[r.next], r.full
	r.ticks[r.next] = tick
	r.next++
	if r.next == len(r.ticks) {
		r.next = 0
		r.full = true
	}
	return evicted, ok
}

// firstSince returns the tick with the earliest timestamp at or after
// notBefore. Equal timestamps resolve to the one that arrived first.
func (r *tickRing) firstSince(notBefore time.Time) *models.PriceTick {
	n := r.next
	start := 0
	if r.full {
		n = len(r.ticks)
		start = r.next
	}

	var first *models.PriceTick
	for i := 0; i < n; i++ {
		tick := &r.ticks[(start+i)%len(r.ticks)]
		if tick.Timestamp.Before(notBefore) {
			continue
		}
		if first == nil || tick.Timestamp.Before(first.Timestamp) {
			first = tick
		}
	}
	if first == nil {
		return nil
	}
	found := *first
	return &found
}
