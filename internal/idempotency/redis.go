package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix        = "idempotency:v1:"
	inProgressMarker = "__in_progress__"
)

// RedisRegistry stores idempotency records in Redis with a bounded TTL.
// Reservation uses SETNX with an in-progress marker so only one of several
// concurrent retries wins the key.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry builds a Redis-backed registry. Records expire after ttl.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) Begin(ctx context.Context, key string) (string, bool, error) {
	cacheKey := keyPrefix + key

	reserved, err := r.client.SetNX(ctx, cacheKey, inProgressMarker, r.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if reserved {
		return "", false, nil
	}

	value, err := r.client.Get(ctx, cacheKey).Result()
	if err == redis.Nil {
		// Key expired between SETNX and GET; treat as a fresh reservation.
		if err := r.client.SetNX(ctx, cacheKey, inProgressMarker, r.ttl).Err(); err != nil {
			return "", false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if value == inProgressMarker {
		return "", false, ErrInFlight
	}
	return value, true, nil
}

func (r *RedisRegistry) Complete(ctx context.Context, key, result string) error {
	return r.client.Set(ctx, keyPrefix+key, result, r.ttl).Err()
}

func (r *RedisRegistry) Abort(ctx context.Context, key string) error {
	return r.client.Del(ctx, keyPrefix+key).Err()
}
