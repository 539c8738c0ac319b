package models

import (
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Direction string
type OrderStatus string
type Outcome string
type FailureReason string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusResolved OrderStatus = "resolved"
	OrderStatusFailed   OrderStatus = "failed"
)

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
)

const (
	FailureReasonPriceUnavailable FailureReason = "price_unavailable"
)

var hundred = decimal.NewFromInt(100)

type Order struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OrderNumber     string             `bson:"order_number" json:"order_number"`
	UserID          int                `bson:"user_id" json:"user_id"`
	SymbolID        string             `bson:"symbol_id" json:"symbol_id"`
	FeedSymbol      string             `bson:"feed_symbol" json:"feed_symbol"`
	Amount          decimal.Decimal    `bson:"amount" json:"amount"`
	Direction       Direction          `bson:"direction" json:"direction"`
	EntryPrice      decimal.Decimal    `bson:"entry_price" json:"entry_price"`
	PayoutRate      decimal.Decimal    `bson:"payout_rate" json:"payout_rate"`
	DurationSeconds int64              `bson:"duration_seconds" json:"duration_seconds"`
	CreatedAt       time.Time          `bson:"created_at" json:"created_at"`
	ExpiresAt       time.Time          `bson:"expires_at" json:"expires_at"`
	Status          OrderStatus        `bson:"status" json:"status"`
	ExitPrice       *decimal.Decimal   `bson:"exit_price,omitempty" json:"exit_price,omitempty"`
	Outcome         *Outcome           `bson:"outcome,omitempty" json:"outcome,omitempty"`
	ProfitLoss      *decimal.Decimal   `bson:"profit_loss,omitempty" json:"profit_loss,omitempty"`
	ResolvedAt      *time.Time         `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
	FailureReason   *FailureReason     `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	FailedAt        *time.Time         `bson:"failed_at,omitempty" json:"failed_at,omitempty"`
	Refunded        bool               `bson:"refunded" json:"refunded"`
	ResolveAttempts int                `bson:"resolve_attempts" json:"resolve_attempts"`
	UpdatedAt       time.Time          `bson:"updated_at" json:"updated_at"`
}

// Settlement is the result of comparing an exit price with an order's entry price.
type Settlement struct {
	ExitPrice  decimal.Decimal
	Outcome    Outcome
	ProfitLoss decimal.Decimal
	Credit     decimal.Decimal
}

func (d Direction) IsValid() bool {
	return d == DirectionUp || d == DirectionDown
}

func (o *Order) IsPending() bool {
	return o.Status == OrderStatusPending
}

func (o *Order) IsFinal() bool {
	return o.Status == OrderStatusResolved || o.Status == OrderStatusFailed
}

func (o *Order) IsDue(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

func (o *Order) IsWin() bool {
	return o.Outcome != nil && *o.Outcome == OutcomeWin
}

// DetermineOutcome reports Win only on a strict move in the chosen direction.
// An unchanged price is a Loss for both directions.
func DetermineOutcome(direction Direction, entry, exit decimal.Decimal) Outcome {
	switch direction {
	case DirectionUp:
		if exit.GreaterThan(entry) {
			return OutcomeWin
		}
	case DirectionDown:
		if exit.LessThan(entry) {
			return OutcomeWin
		}
	}
	return OutcomeLoss
}

func ProfitLoss(outcome Outcome, amount, payoutRate decimal.Decimal) decimal.Decimal {
	if outcome == OutcomeWin {
		return amount.Mul(payoutRate).Div(hundred)
	}
	return amount.Neg()
}

// Settle computes outcome, profit/loss and the ledger credit owed for exitPrice.
// Credit is stake plus profit on a win and zero on a loss.
func (o *Order) Settle(exitPrice decimal.Decimal) Settlement {
	outcome := DetermineOutcome(o.Direction, o.EntryPrice, exitPrice)
	pl := ProfitLoss(outcome, o.Amount, o.PayoutRate)

	credit := decimal.Zero
	if outcome == OutcomeWin {
		credit = o.Amount.Add(pl)
	}

	return Settlement{
		ExitPrice:  exitPrice,
		Outcome:    outcome,
		ProfitLoss: pl,
		Credit:     credit,
	}
}

func NewOrderNumber() string {
	return "BO-" + time.Now().Format("2006") + "-" + primitive.NewObjectID().Hex()[18:]
}
