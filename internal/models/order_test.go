package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDetermineOutcome(t *testing.T) {
	entry := decimal.NewFromInt(100)

	tests := []struct {
		name      string
		direction Direction
		exit      decimal.Decimal
		expected  Outcome
	}{
		{"up wins on higher exit", DirectionUp, decimal.NewFromFloat(100.01), OutcomeWin},
		{"up loses on lower exit", DirectionUp, decimal.NewFromInt(99), OutcomeLoss},
		{"up loses on equal exit", DirectionUp, decimal.NewFromInt(100), OutcomeLoss},
		{"down wins on lower exit", DirectionDown, decimal.NewFromFloat(99.99), OutcomeWin},
		{"down loses on higher exit", DirectionDown, decimal.NewFromInt(101), OutcomeLoss},
		{"down loses on equal exit", DirectionDown, decimal.NewFromInt(100), OutcomeLoss},
		{"unknown direction never wins", Direction("sideways"), decimal.NewFromInt(200), OutcomeLoss},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetermineOutcome(tt.direction, entry, tt.exit))
		})
	}
}

func TestOrder_Settle(t *testing.T) {
	order := &Order{
		Amount:     decimal.NewFromInt(50),
		Direction:  DirectionUp,
		EntryPrice: decimal.NewFromInt(30000),
		PayoutRate: decimal.NewFromInt(80),
	}

	t.Run("win pays stake plus profit", func(t *testing.T) {
		s := order.Settle(decimal.NewFromInt(30001))

		assert.Equal(t, OutcomeWin, s.Outcome)
		assert.True(t, s.ProfitLoss.Equal(decimal.NewFromInt(40)))
		assert.True(t, s.Credit.Equal(decimal.NewFromInt(90)))
	})

	t.Run("loss forfeits stake", func(t *testing.T) {
		s := order.Settle(decimal.NewFromInt(29999))

		assert.Equal(t, OutcomeLoss, s.Outcome)
		assert.True(t, s.ProfitLoss.Equal(decimal.NewFromInt(-50)))
		assert.True(t, s.Credit.IsZero())
	})

	t.Run("fractional payout keeps precision", func(t *testing.T) {
		o := *order
		o.Amount = decimal.RequireFromString("12.34")
		o.PayoutRate = decimal.RequireFromString("87.5")

		s := o.Settle(decimal.NewFromInt(30500))

		assert.True(t, s.ProfitLoss.Equal(decimal.RequireFromString("10.7975")))
		assert.True(t, s.Credit.Equal(decimal.RequireFromString("23.1375")))
	})
}

func TestOrder_StateHelpers(t *testing.T) {
	now := time.Now()
	order := &Order{Status: OrderStatusPending, ExpiresAt: now.Add(time.Minute)}

	assert.True(t, order.IsPending())
	assert.False(t, order.IsFinal())
	assert.False(t, order.IsDue(now))
	assert.True(t, order.IsDue(now.Add(time.Minute)))

	order.Status = OrderStatusFailed
	assert.True(t, order.IsFinal())
	assert.False(t, order.IsWin())
}

func TestSymbol_AcceptsAmount(t *testing.T) {
	s := &Symbol{MinAmount: decimal.NewFromInt(10), MaxAmount: decimal.NewFromInt(1000)}

	assert.True(t, s.AcceptsAmount(decimal.NewFromInt(10)))
	assert.True(t, s.AcceptsAmount(decimal.NewFromInt(1000)))
	assert.False(t, s.AcceptsAmount(decimal.NewFromInt(5)))
	assert.False(t, s.AcceptsAmount(decimal.RequireFromString("1000.01")))
}

func TestNewOrderNumber(t *testing.T) {
	n := NewOrderNumber()

	assert.Regexp(t, `^BO-\d{4}-[0-9a-f]{6}$`, n)
}
