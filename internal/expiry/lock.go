package expiry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"

	"kasirinaja/inventory/internal/store"
)

// Locker guarantees a single sweep at a time. Acquire fails with
// store.ErrSweepBusy when another sweep holds the lock.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

// LocalLocker serialises sweeps inside one process.
type LocalLocker struct {
	mu sync.Mutex
}

func (l *LocalLocker) Acquire(_ context.Context) (func(context.Context) error, error) {
	if !l.mu.TryLock() {
		return nil, store.ErrSweepBusy
	}
	return func(context.Context) error {
		l.mu.Unlock()
		return nil
	}, nil
}

// RedisLocker serialises sweeps across every replica sharing the redis.
type RedisLocker struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = "lock:expiry-sweep"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{locker: redislock.New(client), key: key, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context) (func(context.Context) error, error) {
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, store.ErrSweepBusy
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}
