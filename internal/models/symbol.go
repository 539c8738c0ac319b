package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Symbol struct {
	ID         string          `bson:"_id" json:"id"`
	FeedSymbol string          `bson:"feed_symbol" json:"feed_symbol"`
	Name       string          `bson:"name" json:"name"`
	Enabled    bool            `bson:"enabled" json:"enabled"`
	MinAmount  decimal.Decimal `bson:"min_amount" json:"min_amount"`
	MaxAmount  decimal.Decimal `bson:"max_amount" json:"max_amount"`
	PayoutRate decimal.Decimal `bson:"payout_rate" json:"payout_rate"`
	UpdatedAt  time.Time       `bson:"updated_at" json:"updated_at"`
}

func (s *Symbol) AcceptsAmount(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(s.MinAmount) && amount.LessThanOrEqual(s.MaxAmount)
}
