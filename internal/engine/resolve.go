package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/subha-wp/trading-app/internal/feed"
	"github.com/subha-wp/trading-app/internal/models"
	"github.com/subha-wp/trading-app/internal/repositories"
)

// ResolveTrade settles a pending order against the first price at or after its
// expiry. Orders that are already final are returned unchanged.
func (e *settlementEngine) ResolveTrade(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repositories.ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, transient(err)
	}

	if !order.IsPending() {
		return order, nil
	}

	if !order.IsDue(e.now()) {
		return order, ErrNotYetExpired
	}

	log := e.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"user_id":  order.UserID,
		"symbol":   order.FeedSymbol,
	})

	tick, err := e.prices.GetPriceAt(ctx, order.FeedSymbol, order.ExpiresAt)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, feed.ErrFeedUnavailable), errors.Is(err, feed.ErrPriceUnavailable):
			log.WithError(err).WithField("feed_connected", !errors.Is(err, feed.ErrFeedUnavailable)).
				Warn("No exit price within the wait bound")
			return e.failTrade(ctx, order, models.FailureReasonPriceUnavailable)
		default:
			e.recordAttempt(ctx, orderID)
			return nil, transient(err)
		}
	}

	settlement := order.Settle(tick.Price)

	err = e.tx.ExecuteTransaction(ctx, func(txCtx context.Context) error {
		if err := e.orders.UpdateResolved(txCtx, orderID, settlement); err != nil {
			return err
		}
		if settlement.Outcome != models.OutcomeWin {
			return nil
		}
		ref := models.LedgerRef{OrderID: orderID, Kind: models.LedgerEntryPayoutCredit}
		_, err := e.ledger.Credit(txCtx, order.UserID, settlement.Credit, ref)
		return err
	})
	if err != nil {
		return e.afterConflict(ctx, orderID, err)
	}

	resolvedAt := e.now()
	outcome := settlement.Outcome
	exitPrice := settlement.ExitPrice
	profitLoss := settlement.ProfitLoss
	order.Status = models.OrderStatusResolved
	order.ExitPrice = &exitPrice
	order.Outcome = &outcome
	order.ProfitLoss = &profitLoss
	order.ResolvedAt = &resolvedAt
	order.UpdatedAt = resolvedAt

	e.metrics.RecordTradeResolved(order.SymbolID, outcome, resolvedAt.Sub(order.ExpiresAt))

	if err := e.publisher.PublishTradeResolved(ctx, order); err != nil {
		log.WithError(err).Warn("Failed to publish trade resolved event")
	}

	log.WithFields(logrus.Fields{
		"entry_price": order.EntryPrice.String(),
		"exit_price":  exitPrice.String(),
		"outcome":     outcome,
		"profit_loss": profitLoss.String(),
	}).Info("Trade resolved")

	return order, nil
}

// failTrade moves a pending order to failed. The stake stays debited unless
// RefundOnFailure is set, in which case it is credited back atomically.
func (e *settlementEngine) failTrade(ctx context.Context, order *models.Order, reason models.FailureReason) (*models.Order, error) {
	orderID := order.ID.Hex()
	refund := e.config.RefundOnFailure

	err := e.tx.ExecuteTransaction(ctx, func(txCtx context.Context) error {
		if err := e.orders.MarkFailed(txCtx, orderID, reason, refund); err != nil {
			return err
		}
		if !refund {
			return nil
		}
		ref := models.LedgerRef{OrderID: orderID, Kind: models.LedgerEntryStakeRefund}
		_, err := e.ledger.Credit(txCtx, order.UserID, order.Amount, ref)
		return err
	})
	if err != nil {
		return e.afterConflict(ctx, orderID, err)
	}

	failedAt := e.now()
	order.Status = models.OrderStatusFailed
	order.FailureReason = &reason
	order.FailedAt = &failedAt
	order.Refunded = refund
	order.UpdatedAt = failedAt

	e.metrics.RecordTradeFailed(order.SymbolID, reason)

	if err := e.publisher.PublishTradeFailed(ctx, order); err != nil {
		e.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to publish trade failed event")
	}

	e.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"reason":   reason,
		"refunded": refund,
	}).Warn("Trade failed")

	return order, nil
}

// afterConflict handles a failed settlement transaction. A lost race with a
// concurrent resolution returns the winner's result.
func (e *settlementEngine) afterConflict(ctx context.Context, orderID string, txErr error) (*models.Order, error) {
	if !errors.Is(txErr, repositories.ErrOrderNotPending) {
		e.recordAttempt(ctx, orderID)
		return nil, transient(txErr)
	}

	e.logger.WithField("order_id", orderID).Debug("Order already settled by another worker")

	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, transient(err)
	}
	return order, nil
}

func (e *settlementEngine) recordAttempt(ctx context.Context, orderID string) {
	if err := e.orders.IncrementAttempts(ctx, orderID); err != nil {
		e.logger.WithError(err).WithField("order_id", orderID).Debug("Failed to record resolve attempt")
	}
}
