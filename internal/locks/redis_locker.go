package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "lock:order:"

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker shares order locks between engine instances.
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	lockKey := lockPrefix + key
	token := uuid.New().String()

	acquired, err := r.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}

	return func(ctx context.Context) error {
		released, err := releaseScript.Run(ctx, r.client, []string{lockKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		if released == 0 {
			return fmt.Errorf("%w: %s", ErrLockNotHeld, lockKey)
		}
		return nil
	}, true, nil
}
