package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/subha-wp/trading-app/internal/dto"
	"github.com/subha-wp/trading-app/internal/models"
	"github.com/subha-wp/trading-app/pkg/database"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPending = errors.New("order is no longer pending")
	ErrDuplicateOrder  = errors.New("order already exists")
)

// OrderRepository persists binary-option orders. Status transitions are
// conditional on the order still being pending.
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	UpdateResolved(ctx context.Context, id string, settlement models.Settlement) error
	MarkFailed(ctx context.Context, id string, reason models.FailureReason, refunded bool) error
	IncrementAttempts(ctx context.Context, id string) error
	FindDuePending(ctx context.Context, before time.Time, limit int) ([]models.Order, error)
	ListByUser(ctx context.Context, userID int, filter *dto.TradeFilterRequest) ([]models.Order, int64, error)
}

type orderRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

func NewOrderRepository(db *database.Database) OrderRepository {
	return &orderRepository{
		collection: db.GetCollection(database.OrdersCollection),
		now:        time.Now,
	}
}

func (r *orderRepository) Create(ctx context.Context, order *models.Order) error {
	if order.ID.IsZero() {
		order.ID = primitive.NewObjectID()
	}

	if order.OrderNumber == "" {
		order.OrderNumber = models.NewOrderNumber()
	}

	order.UpdatedAt = r.now()

	_, err := r.collection.InsertOne(ctx, order)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.OrderNumber)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	return nil
}

func (r *orderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrOrderNotFound
	}

	var order models.Order
	err = r.collection.FindOne(ctx, bson.M{"_id": objectID}).Decode(&order)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return &order, nil
}

func (r *orderRepository) UpdateResolved(ctx context.Context, id string, settlement models.Settlement) error {
	now := r.now()
	return r.transition(ctx, id, bson.M{
		"status":      models.OrderStatusResolved,
		"exit_price":  settlement.ExitPrice,
		"outcome":     settlement.Outcome,
		"profit_loss": settlement.ProfitLoss,
		"resolved_at": now,
		"updated_at":  now,
	})
}

func (r *orderRepository) MarkFailed(ctx context.Context, id string, reason models.FailureReason, refunded bool) error {
	now := r.now()
	return r.transition(ctx, id, bson.M{
		"status":         models.OrderStatusFailed,
		"failure_reason": reason,
		"refunded":       refunded,
		"failed_at":      now,
		"updated_at":     now,
	})
}

func (r *orderRepository) transition(ctx context.Context, id string, set bson.M) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrOrderNotFound
	}

	filter := bson.M{"_id": objectID, "status": models.OrderStatusPending}
	result, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	if result.MatchedCount == 0 {
		return ErrOrderNotPending
	}

	return nil
}

func (r *orderRepository) IncrementAttempts(ctx context.Context, id string) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrOrderNotFound
	}

	update := bson.M{
		"$inc": bson.M{"resolve_attempts": 1},
		"$set": bson.M{"updated_at": r.now()},
	}
	if _, err := r.collection.UpdateOne(ctx, bson.M{"_id": objectID}, update); err != nil {
		return fmt.Errorf("failed to record resolve attempt: %w", err)
	}

	return nil
}

// FindDuePending returns pending orders expiring at or before the given instant,
// oldest expiry first.
func (r *orderRepository) FindDuePending(ctx context.Context, before time.Time, limit int) ([]models.Order, error) {
	filter := bson.M{
		"status":     models.OrderStatusPending,
		"expires_at": bson.M{"$lte": before},
	}

	findOptions := options.Find().
		SetSort(bson.D{{Key: "expires_at", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to find due orders: %w", err)
	}
	defer cursor.Close(ctx)

	var orders []models.Order
	if err := cursor.All(ctx, &orders); err != nil {
		return nil, fmt.Errorf("failed to decode due orders: %w", err)
	}

	return orders, nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID int, filter *dto.TradeFilterRequest) ([]models.Order, int64, error) {
	mongoFilter := bson.M{"user_id": userID}
	if filter.Status != nil {
		mongoFilter["status"] = *filter.Status
	}
	if filter.SymbolID != nil {
		mongoFilter["symbol_id"] = *filter.SymbolID
	}

	total, err := r.collection.CountDocuments(ctx, mongoFilter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	findOptions := options.Find().
		SetSkip(int64(filter.GetOffset())).
		SetLimit(int64(filter.Limit)).
		SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := r.collection.Find(ctx, mongoFilter, findOptions)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find orders: %w", err)
	}
	defer cursor.Close(ctx)

	var orders []models.Order
	if err := cursor.All(ctx, &orders); err != nil {
		return nil, 0, fmt.Errorf("failed to decode orders: %w", err)
	}

	return orders, total, nil
}
