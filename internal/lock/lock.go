// Package lock serializes work on one key across processes with Redis.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var ErrNotAcquired = errors.New("lock not acquired")

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Locker hands out exclusive leases on keys. Release must be called once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// RedisLocker leases keys with SET NX and releases them only if the lease
// still belongs to the caller.
type RedisLocker struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	retryEvery time.Duration
	maxRetries int
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client:     client,
		prefix:     prefix,
		ttl:        ttl,
		retryEvery: 50 * time.Millisecond,
		maxRetries: 40,
	}
}

func (l *RedisLocker) tryLock(ctx context.Context, key, owner string) (bool, error) {
	return l.client.SetNX(ctx, key, owner, l.ttl).Result()
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	key = l.prefix + key
	owner := uuid.NewString()
	for i := 0; i < l.maxRetries; i++ {
		ok, err := l.tryLock(ctx, key, owner)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// the lease expires on its own if this fails
				_ = l.client.Eval(context.Background(), unlockScript, []string{key}, owner).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryEvery):
		}
	}
	return nil, ErrNotAcquired
}

// Noop grants every lease immediately. Used when Redis is not configured; the
// conditional status write in the database still guards correctness.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(), error) { return func() {}, nil }
