// Package lock provides a Redis-backed advisory lock so the reconciliation
// job never runs concurrently with itself.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker acquires and releases named advisory locks.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// RedisLock implements Locker with SET NX and a TTL so a crashed holder
// cannot wedge the lock forever.
type RedisLock struct {
	client *redis.Client
}

// New wraps an existing redis client.
func New(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

// Lock attempts to acquire the named lock. Returns false when another holder
// owns it.
func (r *RedisLock) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	const op = "lock.RedisLock.Lock"

	ok, err := r.client.SetNX(ctx, "lock:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return ok, nil
}

// Unlock releases the named lock.
func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	const op = "lock.RedisLock.Unlock"

	if err := r.client.Del(ctx, "lock:"+key).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
