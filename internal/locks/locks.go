package locks

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrLockNotHeld = errors.New("locks: lock not found or not owned")

// Unlock releases a lock taken with TryLock.
type Unlock func(ctx context.Context) error

// OrderLocker provides mutual exclusion per order id.
type OrderLocker interface {
	// TryLock never blocks. ok is false when another holder owns key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock Unlock, ok bool, err error)
}

// LocalLocker is an in-process OrderLocker. Entries expire after ttl so a
// task that never unlocks cannot wedge an order forever.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localLock
	now   func() time.Time
	token uint64
}

type localLock struct {
	token     uint64
	expiresAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held: make(map[string]localLock),
		now:  time.Now,
	}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if current, ok := l.held[key]; ok && now.Before(current.expiresAt) {
		return nil, false, nil
	}

	l.token++
	token := l.token
	l.held[key] = localLock{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()

		current, ok := l.held[key]
		if !ok || current.token != token {
			return ErrLockNotHeld
		}
		delete(l.held, key)
		return nil
	}, true, nil
}

// Held reports the number of live locks.
func (l *LocalLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	count := 0
	for key, lock := range l.held {
		if now.Before(lock.expiresAt) {
			count++
		} else {
			delete(l.held, key)
		}
	}
	return count
}
