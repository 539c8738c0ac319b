package models

import (
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type LedgerEntryKind string

const (
	LedgerEntryStakeDebit   LedgerEntryKind = "stake_debit"
	LedgerEntryPayoutCredit LedgerEntryKind = "payout_credit"
	LedgerEntryStakeRefund  LedgerEntryKind = "stake_refund"
)

type Balance struct {
	UserID    int             `bson:"_id" json:"user_id"`
	Balance   decimal.Decimal `bson:"balance" json:"balance"`
	UpdatedAt time.Time       `bson:"updated_at" json:"updated_at"`
}

// LedgerEntry is an append-only journal line. (order_id, kind) is unique.
type LedgerEntry struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID       int                `bson:"user_id" json:"user_id"`
	OrderID      string             `bson:"order_id" json:"order_id"`
	Kind         LedgerEntryKind    `bson:"kind" json:"kind"`
	Amount       decimal.Decimal    `bson:"amount" json:"amount"`
	BalanceAfter decimal.Decimal    `bson:"balance_after" json:"balance_after"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
}

// LedgerRef ties a balance mutation to the order that caused it.
type LedgerRef struct {
	OrderID string
	Kind    LedgerEntryKind
}
