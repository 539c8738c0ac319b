package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/subha-wp/trading-app/internal/models"
)

const mirrorKeyPrefix = "feed:price:"

// RedisMirror keeps the last streamed tick per symbol in Redis.
type RedisMirror struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisMirror(client redis.UniversalClient, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, ttl: ttl}
}

func (m *RedisMirror) Store(ctx context.Context, tick models.PriceTick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("failed to encode tick: %w", err)
	}

	if err := m.client.Set(ctx, mirrorKey(tick.Symbol), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store tick: %w", err)
	}
	return nil
}

// Load returns nil without error when no tick is mirrored.
func (m *RedisMirror) Load(ctx context.Context, symbol string) (*models.PriceTick, error) {
	data, err := m.client.Get(ctx, mirrorKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load tick: %w", err)
	}

	var tick models.PriceTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return nil, fmt.Errorf("failed to decode tick: %w", err)
	}
	return &tick, nil
}

func mirrorKey(symbol string) string {
	return mirrorKeyPrefix + strings.ToUpper(symbol)
}
