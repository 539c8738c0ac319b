package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PriceSource string

const (
	PriceSourceStream PriceSource = "stream"
	PriceSourceREST   PriceSource = "rest"
	PriceSourceCache  PriceSource = "cache"
)

type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Source    PriceSource     `json:"source"`
}

func (t *PriceTick) Age(now time.Time) time.Duration {
	return now.Sub(t.Timestamp)
}
