package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/karlseguin/ccache/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/subha-wp/trading-app/internal/models"
	"github.com/subha-wp/trading-app/pkg/database"
)

var ErrSymbolNotFound = errors.New("symbol not found")

// SymbolProvider is the read side of symbol configuration.
type SymbolProvider interface {
	Get(ctx context.Context, id string) (*models.Symbol, error)
	ListEnabled(ctx context.Context) ([]models.Symbol, error)
}

type symbolRepository struct {
	collection *mongo.Collection
}

func NewSymbolRepository(db *database.Database) SymbolProvider {
	return &symbolRepository{
		collection: db.GetCollection(database.SymbolsCollection),
	}
}

func (r *symbolRepository) Get(ctx context.Context, id string) (*models.Symbol, error) {
	var symbol models.Symbol
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&symbol)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSymbolNotFound
		}
		return nil, fmt.Errorf("failed to get symbol: %w", err)
	}

	return &symbol, nil
}

func (r *symbolRepository) ListEnabled(ctx context.Context) ([]models.Symbol, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"enabled": true}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	defer cursor.Close(ctx)

	var symbols []models.Symbol
	if err := cursor.All(ctx, &symbols); err != nil {
		return nil, fmt.Errorf("failed to decode symbols: %w", err)
	}

	return symbols, nil
}

type SymbolCacheConfig struct {
	TTL          time.Duration
	MaxSize      int64
	ItemsToPrune uint32
}

const enabledSymbolsKey = "__enabled__"

// CachedSymbolProvider keeps symbol lookups off the database for TTL. Reads only;
// a reconfigured payout rate takes effect for trades opened after the entry expires.
type CachedSymbolProvider struct {
	next  SymbolProvider
	cache *ccache.Cache
	ttl   time.Duration
}

func NewCachedSymbolProvider(next SymbolProvider, cfg *SymbolCacheConfig) *CachedSymbolProvider {
	return &CachedSymbolProvider{
		next: next,
		cache: ccache.New(ccache.Configure().
			MaxSize(cfg.MaxSize).
			ItemsToPrune(cfg.ItemsToPrune)),
		ttl: cfg.TTL,
	}
}

func (p *CachedSymbolProvider) Get(ctx context.Context, id string) (*models.Symbol, error) {
	item, err := p.cache.Fetch(id, p.ttl, func() (interface{}, error) {
		return p.next.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	symbol := *item.Value().(*models.Symbol)
	return &symbol, nil
}

func (p *CachedSymbolProvider) ListEnabled(ctx context.Context) ([]models.Symbol, error) {
	item, err := p.cache.Fetch(enabledSymbolsKey, p.ttl, func() (interface{}, error) {
		return p.next.ListEnabled(ctx)
	})
	if err != nil {
		return nil, err
	}

	return item.Value().([]models.Symbol), nil
}

func (p *CachedSymbolProvider) Invalidate(id string) {
	p.cache.Delete(id)
	p.cache.Delete(enabledSymbolsKey)
}

func (p *CachedSymbolProvider) Stop() {
	p.cache.Stop()
}
