package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/subha-wp/trading-app/internal/dto"
	"github.com/subha-wp/trading-app/internal/feed"
	"github.com/subha-wp/trading-app/internal/ledger"
	"github.com/subha-wp/trading-app/internal/models"
	"github.com/subha-wp/trading-app/internal/repositories"
)

var (
	ErrSymbolNotFound      = errors.New("engine: symbol not found")
	ErrSymbolDisabled      = errors.New("engine: symbol is disabled")
	ErrAmountOutOfRange    = errors.New("engine: amount outside the symbol's limits")
	ErrInvalidDuration     = errors.New("engine: invalid trade duration")
	ErrInvalidDirection    = errors.New("engine: direction must be up or down")
	ErrInsufficientBalance = errors.New("engine: insufficient balance")
	ErrPriceUnavailable    = errors.New("engine: price unavailable")
	ErrFeedUnavailable     = errors.New("engine: price feed unavailable")
	ErrOrderNotFound       = errors.New("engine: order not found")
	ErrNotYetExpired       = errors.New("engine: order has not expired yet")
	ErrTransient           = errors.New("engine: temporary persistence failure")
)

type OpenTradeInput struct {
	UserID          int
	SymbolID        string
	Amount          decimal.Decimal
	Direction       models.Direction
	DurationSeconds int64
}

// SettlementEngine opens binary-option trades and settles them at expiry.
type SettlementEngine interface {
	OpenTrade(ctx context.Context, input OpenTradeInput) (*models.Order, error)
	ResolveTrade(ctx context.Context, orderID string) (*models.Order, error)
	GetOrder(ctx context.Context, userID int, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, userID int, filter *dto.TradeFilterRequest) ([]models.Order, int64, error)
	GetBalance(ctx context.Context, userID int) (*models.Balance, error)
	ListSymbols(ctx context.Context) ([]models.Symbol, error)
}

// TxRunner runs fn atomically. Store calls made with txCtx join the unit.
type TxRunner interface {
	ExecuteTransaction(ctx context.Context, fn func(txCtx context.Context) error) error
}

type EventPublisher interface {
	PublishTradeOpened(ctx context.Context, order *models.Order) error
	PublishTradeResolved(ctx context.Context, order *models.Order) error
	PublishTradeFailed(ctx context.Context, order *models.Order) error
}

// Scheduler arms resolution of a pending order at its expiry.
type Scheduler interface {
	Schedule(order *models.Order)
}

type Metrics interface {
	RecordTradeOpened(symbol string, direction models.Direction)
	RecordTradeRejected(reason string)
	RecordTradeResolved(symbol string, outcome models.Outcome, delay time.Duration)
	RecordTradeFailed(symbol string, reason models.FailureReason)
}

type Config struct {
	// MaxDuration caps trade duration. Zero means no cap.
	MaxDuration time.Duration
	// RefundOnFailure credits the stake back when an order fails for lack of a price.
	RefundOnFailure bool
}

type settlementEngine struct {
	config    *Config
	symbols   repositories.SymbolProvider
	ledger    ledger.Ledger
	orders    repositories.OrderRepository
	prices    feed.PriceFeed
	tx        TxRunner
	publisher EventPublisher
	scheduler Scheduler
	metrics   Metrics
	logger    *logrus.Logger
	now       func() time.Time
}

type Option func(*settlementEngine)

func WithPublisher(publisher EventPublisher) Option {
	return func(e *settlementEngine) { e.publisher = publisher }
}

func WithScheduler(scheduler Scheduler) Option {
	return func(e *settlementEngine) { e.scheduler = scheduler }
}

func WithMetrics(metrics Metrics) Option {
	return func(e *settlementEngine) { e.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(e *settlementEngine) { e.now = now }
}

func NewSettlementEngine(
	config *Config,
	symbols repositories.SymbolProvider,
	balances ledger.Ledger,
	orders repositories.OrderRepository,
	prices feed.PriceFeed,
	tx TxRunner,
	logger *logrus.Logger,
	opts ...Option,
) SettlementEngine {
	if config == nil {
		config = &Config{}
	}

	e := &settlementEngine{
		config:    config,
		symbols:   symbols,
		ledger:    balances,
		orders:    orders,
		prices:    prices,
		tx:        tx,
		publisher: noopPublisher{},
		scheduler: noopScheduler{},
		metrics:   noopMetrics{},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *settlementEngine) GetOrder(ctx context.Context, userID int, orderID string) (*models.Order, error) {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repositories.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, transient(err)
	}

	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}

	return order, nil
}

func (e *settlementEngine) ListOrders(ctx context.Context, userID int, filter *dto.TradeFilterRequest) ([]models.Order, int64, error) {
	if filter == nil {
		filter = &dto.TradeFilterRequest{}
	}
	filter.SetDefaults()

	orders, total, err := e.orders.ListByUser(ctx, userID, filter)
	if err != nil {
		return nil, 0, transient(err)
	}

	return orders, total, nil
}

// GetBalance reports a zero balance for users without an account.
func (e *settlementEngine) GetBalance(ctx context.Context, userID int) (*models.Balance, error) {
	balance, err := e.ledger.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return &models.Balance{UserID: userID, Balance: decimal.Zero}, nil
		}
		return nil, transient(err)
	}

	return balance, nil
}

func (e *settlementEngine) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	symbols, err := e.symbols.ListEnabled(ctx)
	if err != nil {
		return nil, transient(err)
	}
	return symbols, nil
}

func transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsValidation reports whether err rejects the caller's input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrSymbolNotFound) ||
		errors.Is(err, ErrSymbolDisabled) ||
		errors.Is(err, ErrAmountOutOfRange) ||
		errors.Is(err, ErrInvalidDuration) ||
		errors.Is(err, ErrInvalidDirection) ||
		errors.Is(err, ErrInsufficientBalance)
}

type noopPublisher struct{}

func (noopPublisher) PublishTradeOpened(context.Context, *models.Order) error   { return nil }
func (noopPublisher) PublishTradeResolved(context.Context, *models.Order) error { return nil }
func (noopPublisher) PublishTradeFailed(context.Context, *models.Order) error   { return nil }

type noopScheduler struct{}

func (noopScheduler) Schedule(*models.Order) {}

type noopMetrics struct{}

func (noopMetrics) RecordTradeOpened(string, models.Direction)                {}
func (noopMetrics) RecordTradeRejected(string)                                {}
func (noopMetrics) RecordTradeResolved(string, models.Outcome, time.Duration) {}
func (noopMetrics) RecordTradeFailed(string, models.FailureReason)            {}
