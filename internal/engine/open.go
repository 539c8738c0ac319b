package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/subha-wp/trading-app/internal/feed"
	"github.com/subha-wp/trading-app/internal/ledger"
	"github.com/subha-wp/trading-app/internal/models"
	"github.com/subha-wp/trading-app/internal/repositories"
)

// OpenTrade validates the input, captures the entry price and atomically
// debits the stake and stores a pending order.
func (e *settlementEngine) OpenTrade(ctx context.Context, input OpenTradeInput) (*models.Order, error) {
	order, err := e.openTrade(ctx, input)
	if err != nil {
		e.metrics.RecordTradeRejected(rejectReason(err))
		entry := e.logger.WithError(err).WithFields(logrus.Fields{"user_id": input.UserID, "symbol": input.SymbolID})
		if IsValidation(err) {
			entry.Debug("Trade rejected")
		} else {
			entry.Warn("Trade could not be opened")
		}
		return nil, err
	}

	e.metrics.RecordTradeOpened(order.SymbolID, order.Direction)
	e.scheduler.Schedule(order)

	if err := e.publisher.PublishTradeOpened(ctx, order); err != nil {
		e.logger.WithError(err).WithField("order_id", order.ID.Hex()).Warn("Failed to publish trade opened event")
	}

	e.logger.WithFields(logrus.Fields{
		"order_id":    order.ID.Hex(),
		"user_id":     order.UserID,
		"symbol":      order.SymbolID,
		"direction":   order.Direction,
		"amount":      order.Amount.String(),
		"entry_price": order.EntryPrice.String(),
		"expires_at":  order.ExpiresAt,
	}).Info("Trade opened")

	return order, nil
}

func (e *settlementEngine) openTrade(ctx context.Context, input OpenTradeInput) (*models.Order, error) {
	if !input.Direction.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, input.Direction)
	}

	symbol, err := e.symbols.Get(ctx, input.SymbolID)
	if err != nil {
		if errors.Is(err, repositories.ErrSymbolNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, input.SymbolID)
		}
		return nil, transient(err)
	}
	if !symbol.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrSymbolDisabled, symbol.ID)
	}

	if !input.Amount.IsPositive() || !symbol.AcceptsAmount(input.Amount) {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountOutOfRange,
			input.Amount.String(), symbol.MinAmount.String(), symbol.MaxAmount.String())
	}

	duration := time.Duration(input.DurationSeconds) * time.Second
	if input.DurationSeconds <= 0 || (e.config.MaxDuration > 0 && duration > e.config.MaxDuration) {
		return nil, fmt.Errorf("%w: %ds", ErrInvalidDuration, input.DurationSeconds)
	}

	if err := e.checkBalance(ctx, input); err != nil {
		return nil, err
	}

	tick, err := e.prices.GetSnapshotPrice(ctx, symbol.FeedSymbol)
	if err != nil {
		if errors.Is(err, feed.ErrFeedUnavailable) {
			return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}

	now := e.now().UTC().Truncate(time.Millisecond)
	order := &models.Order{
		ID:              primitive.NewObjectID(),
		OrderNumber:     models.NewOrderNumber(),
		UserID:          input.UserID,
		SymbolID:        symbol.ID,
		FeedSymbol:      symbol.FeedSymbol,
		Amount:          input.Amount,
		Direction:       input.Direction,
		EntryPrice:      tick.Price,
		PayoutRate:      symbol.PayoutRate,
		DurationSeconds: input.DurationSeconds,
		CreatedAt:       now,
		ExpiresAt:       now.Add(duration),
		Status:          models.OrderStatusPending,
		UpdatedAt:       now,
	}

	err = e.tx.ExecuteTransaction(ctx, func(txCtx context.Context) error {
		ref := models.LedgerRef{OrderID: order.ID.Hex(), Kind: models.LedgerEntryStakeDebit}
		if _, err := e.ledger.Debit(txCtx, input.UserID, input.Amount, ref); err != nil {
			return err
		}
		return e.orders.Create(txCtx, order)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, ErrInsufficientBalance
		}
		return nil, transient(err)
	}

	return order, nil
}

// checkBalance rejects early without touching the ledger. The debit itself
// re-checks inside the transaction.
func (e *settlementEngine) checkBalance(ctx context.Context, input OpenTradeInput) error {
	balance, err := e.ledger.GetBalance(ctx, input.UserID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return ErrInsufficientBalance
		}
		return transient(err)
	}

	if balance.Balance.LessThan(input.Amount) {
		return ErrInsufficientBalance
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidDirection):
		return "invalid_direction"
	case errors.Is(err, ErrSymbolNotFound):
		return "symbol_not_found"
	case errors.Is(err, ErrSymbolDisabled):
		return "symbol_disabled"
	case errors.Is(err, ErrAmountOutOfRange):
		return "amount_out_of_range"
	case errors.Is(err, ErrInvalidDuration):
		return "invalid_duration"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrFeedUnavailable):
		return "feed_unavailable"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	default:
		return "internal"
	}
}
