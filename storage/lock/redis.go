package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

type Lock interface {
	Name() string
	Acquire(ctx context.Context) error
	Expiry() time.Duration
	ExtendLease(ctx context.Context) (bool, error)
	Release(ctx context.Context) (bool, error)
}

// RedisLock is a single instance redsync mutex. Acquire makes one attempt
// and fails right away when somebody else holds the lock.
type RedisLock struct {
	name   string
	mu     *redsync.Mutex
	expiry time.Duration
}

// NewRedisLock creates a lock stored under key, callers pass a namespaced
// key so two environments never contend.
func NewRedisLock(redisCli *redis.Client, key string, expiry time.Duration) *RedisLock {
	pool := goredis.NewPool(redisCli)
	rs := redsync.New(pool)
	mu := rs.NewMutex(key, redsync.WithExpiry(expiry), redsync.WithTries(1))
	return &RedisLock{
		name:   key,
		expiry: expiry,
		mu:     mu,
	}
}

func (l *RedisLock) Name() string {
	return l.name
}

func (l *RedisLock) Acquire(ctx context.Context) error {
	return l.mu.LockContext(ctx)
}

func (l *RedisLock) Expiry() time.Duration {
	return l.expiry
}

func (l *RedisLock) ExtendLease(ctx context.Context) (bool, error) {
	return l.mu.ExtendContext(ctx)
}

func (l *RedisLock) Release(ctx context.Context) (bool, error) {
	return l.mu.UnlockContext(ctx)
}
