package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/subha-wp/trading-app/internal/concurrent"
	"github.com/subha-wp/trading-app/internal/engine"
	"github.com/subha-wp/trading-app/internal/feed"
	"github.com/subha-wp/trading-app/internal/locks"
	"github.com/subha-wp/trading-app/internal/models"
)

// Resolver settles one order. The settlement engine satisfies it.
type Resolver interface {
	ResolveTrade(ctx context.Context, orderID string) (*models.Order, error)
}

// OrderFinder lists pending orders due by a deadline.
type OrderFinder interface {
	FindDuePending(ctx context.Context, before time.Time, limit int) ([]models.Order, error)
}

type Metrics interface {
	RecordResolveRetry()
	RecordSweep(found int)
}

type Config struct {
	SweepInterval time.Duration
	// Lookahead arms timers for orders expiring shortly after a sweep.
	Lookahead time.Duration
	BatchSize int
	// LockTTL must outlive one resolution, price wait included.
	LockTTL time.Duration
	Retry   feed.Backoff
}

func DefaultConfig() *Config {
	return &Config{
		SweepInterval: 30 * time.Second,
		Lookahead:     30 * time.Second,
		BatchSize:     500,
		LockTTL:       time.Minute,
		Retry:         feed.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.2},
	}
}

type entry struct {
	timer    *time.Timer
	attempts int
}

// ResolutionScheduler resolves every pending order once it expires. In-memory
// timers cover orders opened by this process; a periodic sweep of the store
// picks up everything else, including orders left over from a restart.
type ResolutionScheduler struct {
	config  *Config
	orders  OrderFinder
	locker  locks.OrderLocker
	pool    *concurrent.WorkerPool
	metrics Metrics
	logger  *logrus.Logger
	now     func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	resolver Resolver
	ctx      context.Context
	cron     *cron.Cron
	running  bool
}

func NewResolutionScheduler(
	config *Config,
	orders OrderFinder,
	locker locks.OrderLocker,
	pool *concurrent.WorkerPool,
	metrics Metrics,
	logger *logrus.Logger,
) *ResolutionScheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &ResolutionScheduler{
		config:  config,
		orders:  orders,
		locker:  locker,
		pool:    pool,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

func (s *ResolutionScheduler) Start(ctx context.Context, resolver Resolver) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}

	if err := s.pool.Start(ctx); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	s.resolver = resolver
	s.ctx = ctx
	s.running = true
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.config.SweepInterval), func() {
		s.sweep(ctx)
	})
	s.mu.Unlock()

	if err != nil {
		s.Stop()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.sweep(ctx)
	s.cron.Start()

	s.logger.WithField("sweep_interval", s.config.SweepInterval).Info("Resolution scheduler started")
	return nil
}

func (s *ResolutionScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	s.pool.Stop()

	s.logger.Info("Resolution scheduler stopped")
}

// Schedule arms resolution at the order's expiry. Repeated calls for the
// same order are no-ops while it is tracked.
func (s *ResolutionScheduler) Schedule(order *models.Order) {
	if order == nil || !order.IsPending() {
		return
	}

	id := order.ID.Hex()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.WithField("order_id", id).Debug("Scheduler not running, leaving order to the sweep")
		return
	}
	if _, tracked := s.entries[id]; tracked {
		return
	}

	e := &entry{}
	s.entries[id] = e
	s.armLocked(id, e, order.ExpiresAt)
}

// Pending reports how many orders are tracked.
func (s *ResolutionScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *ResolutionScheduler) armLocked(id string, e *entry, at time.Time) {
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { s.fire(id) })
}

func (s *ResolutionScheduler) fire(id string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := s.pool.Submit(&concurrent.Task{
		ID:  id,
		Run: func(ctx context.Context) error { return s.resolve(ctx, id) },
	})
	if err != nil {
		s.retry(id, err)
	}
}

func (s *ResolutionScheduler) resolve(ctx context.Context, id string) error {
	log := s.logger.WithField("order_id", id)

	unlock, ok, err := s.locker.TryLock(ctx, id, s.config.LockTTL)
	if err != nil {
		s.retry(id, err)
		return err
	}
	if !ok {
		log.Debug("Order is being resolved elsewhere")
		s.forget(id)
		return nil
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			log.WithError(err).Debug("Failed to release order lock")
		}
	}()

	order, err := s.resolver.ResolveTrade(ctx, id)
	switch {
	case err == nil:
		s.forget(id)
		return nil
	case errors.Is(err, engine.ErrNotYetExpired) && order != nil:
		s.rearm(id, order.ExpiresAt)
		return nil
	case errors.Is(err, engine.ErrOrderNotFound):
		log.WithError(err).Error("Scheduled order does not exist")
		s.forget(id)
		return err
	case ctx.Err() != nil:
		s.forget(id)
		return err
	default:
		s.retry(id, err)
		return err
	}
}

func (s *ResolutionScheduler) forget(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

func (s *ResolutionScheduler) rearm(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !s.running || !ok {
		return
	}
	s.armLocked(id, e, at)
}

// retry re-arms after an exponential backoff. Attempts are unbounded.
func (s *ResolutionScheduler) retry(id string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	e.attempts++
	delay := s.config.Retry.Next(e.attempts)

	s.metrics.RecordResolveRetry()
	s.logger.WithError(cause).WithFields(logrus.Fields{
		"order_id": id,
		"attempt":  e.attempts,
		"retry_in": delay,
	}).Warn("Order resolution failed, retrying")

	s.armLocked(id, e, s.now().Add(delay))
}

func (s *ResolutionScheduler) sweep(ctx context.Context) {
	orders, err := s.orders.FindDuePending(ctx, s.now().Add(s.config.Lookahead), s.config.BatchSize)
	if err != nil {
		s.logger.WithError(err).Error("Pending order sweep failed")
		return
	}

	s.metrics.RecordSweep(len(orders))
	if len(orders) > 0 {
		s.logger.WithField("count", len(orders)).Info("Sweep found pending orders")
	}

	for i := range orders {
		s.Schedule(&orders[i])
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordResolveRetry() {}
func (noopMetrics) RecordSweep(int)     {}
