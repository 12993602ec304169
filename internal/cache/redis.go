package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

// RedisBackend stores entries in Redis with native key expiry.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing client; its lifecycle is managed by the caller.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrBackendUnavailable, err)
	}
	return value, nil
}

// Set uses SET key value EX ttl.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (r *RedisBackend) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: del: %v", ErrBackendUnavailable, err)
	}
	return int(n), nil
}

// Keys walks the keyspace with SCAN MATCH instead of KEYS so large databases
// are not blocked.
func (r *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrBackendUnavailable, err)
	}
	return keys, nil
}
