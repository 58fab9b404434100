package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// RedisStore keeps replay records in Redis so every instance sees the same keys.
// Expiry is delegated to the key TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore builds a Redis-backed store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return val, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, response []byte) error {
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+key, response, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("idempotency save: %w", err)
	}
	if !ok {
		return ErrDuplicateKey
	}
	return nil
}
