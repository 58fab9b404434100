package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisLimiter shares counters across instances through INCR + PEXPIRE.
type RedisLimiter struct {
	client *redis.Client
	max    int
	length time.Duration
}

// NewRedisLimiter builds a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, max int, length time.Duration) *RedisLimiter {
	if max <= 0 {
		max = DefaultMaxRequests
	}
	if length <= 0 {
		length = DefaultWindow
	}
	return &RedisLimiter{client: client, max: max, length: length}
}

func (l *RedisLimiter) Allow(ctx context.Context, identity string) (Decision, error) {
	key := redisKeyPrefix + identity
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit incr: %w", err)
	}
	if count == 1 {
		if err := l.client.PExpire(ctx, key, l.length).Err(); err != nil {
			return Decision{}, fmt.Errorf("ratelimit expire: %w", err)
		}
	}
	if count <= int64(l.max) {
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max - int(count)}, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit ttl: %w", err)
	}
	if ttl < 0 {
		// the key lost its expiry; restore it so the identity is not locked out forever
		_ = l.client.PExpire(ctx, key, l.length).Err()
		ttl = l.length
	}
	return Decision{Allowed: false, Limit: l.max, RetryAfter: ttl}, nil
}
