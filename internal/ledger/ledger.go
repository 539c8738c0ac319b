package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/subha-wp/trading-app/internal/models"
	"github.com/subha-wp/trading-app/pkg/database"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrDuplicateEntry      = errors.New("ledger: entry already recorded for order")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
)

// Ledger mutates user balances. Every method honours the session carried by ctx,
// so a debit or credit commits together with the order write that caused it.
type Ledger interface {
	Debit(ctx context.Context, userID int, amount decimal.Decimal, ref models.LedgerRef) (*models.Balance, error)
	Credit(ctx context.Context, userID int, amount decimal.Decimal, ref models.LedgerRef) (*models.Balance, error)
	GetBalance(ctx context.Context, userID int) (*models.Balance, error)
}

type mongoLedger struct {
	balances *mongo.Collection
	entries  *mongo.Collection
	now      func() time.Time
}

func NewMongoLedger(db *database.Database) Ledger {
	return &mongoLedger{
		balances: db.GetCollection(database.BalancesCollection),
		entries:  db.GetCollection(database.LedgerEntriesCollection),
		now:      time.Now,
	}
}

func (l *mongoLedger) Debit(ctx context.Context, userID int, amount decimal.Decimal, ref models.LedgerRef) (*models.Balance, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	// The balance check lives in the filter: the decrement only applies when
	// enough funds remain at write time.
	filter := bson.M{
		"_id":     userID,
		"balance": bson.M{"$gte": amount},
	}
	update := bson.M{
		"$inc": bson.M{"balance": amount.Neg()},
		"$set": bson.M{"updated_at": l.now()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var balance models.Balance
	err := l.balances.FindOneAndUpdate(ctx, filter, update, opts).Decode(&balance)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}

	if err := l.appendEntry(ctx, userID, amount.Neg(), balance.Balance, ref); err != nil {
		return nil, err
	}

	return &balance, nil
}

func (l *mongoLedger) Credit(ctx context.Context, userID int, amount decimal.Decimal, ref models.LedgerRef) (*models.Balance, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	filter := bson.M{"_id": userID}
	update := bson.M{
		"$inc": bson.M{"balance": amount},
		"$set": bson.M{"updated_at": l.now()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(true)

	var balance models.Balance
	if err := l.balances.FindOneAndUpdate(ctx, filter, update, opts).Decode(&balance); err != nil {
		return nil, fmt.Errorf("failed to credit balance: %w", err)
	}

	if err := l.appendEntry(ctx, userID, amount, balance.Balance, ref); err != nil {
		return nil, err
	}

	return &balance, nil
}

func (l *mongoLedger) GetBalance(ctx context.Context, userID int) (*models.Balance, error) {
	var balance models.Balance
	err := l.balances.FindOne(ctx, bson.M{"_id": userID}).Decode(&balance)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	return &balance, nil
}

func (l *mongoLedger) appendEntry(ctx context.Context, userID int, amount, balanceAfter decimal.Decimal, ref models.LedgerRef) error {
	entry := &models.LedgerEntry{
		UserID:       userID,
		OrderID:      ref.OrderID,
		Kind:         ref.Kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		CreatedAt:    l.now(),
	}

	if _, err := l.entries.InsertOne(ctx, entry); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s %s", ErrDuplicateEntry, ref.OrderID, ref.Kind)
		}
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}

	return nil
}
