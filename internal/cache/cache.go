// Package cache implements the cache-aside layer that sits in front of the
// registry repository. The cache is an optimization only: every backend
// failure is logged, counted and absorbed, and reads fall through to the
// producer.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Producer loads the authoritative value on a cache miss.
type Producer func(ctx context.Context) ([]byte, error)

// Cache is safe for concurrent use. It holds no client-side locks; concurrent
// misses for one key may all invoke their producer and the last Set wins.
type Cache struct {
	backend Backend
	prefix  string
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix namespaces every key and pattern, e.g. "cartorio:".
func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		c.prefix = prefix
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Cache. A nil backend yields a pure pass-through cache.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Remember returns the cached value for key, or calls producer and stores its
// result for ttl. A non-positive ttl skips the store. Producer errors are
// returned as is and never cached.
func (c *Cache) Remember(ctx context.Context, key string, ttl time.Duration, producer Producer) ([]byte, error) {
	if c.backend == nil {
		lookupsTotal.WithLabelValues("bypass").Inc()
		return producer(ctx)
	}

	fullKey := c.prefix + key
	value, err := c.backend.Get(ctx, fullKey)
	switch {
	case err == nil:
		lookupsTotal.WithLabelValues("hit").Inc()
		return value, nil
	case errors.Is(err, ErrMiss):
		lookupsTotal.WithLabelValues("miss").Inc()
	default:
		lookupsTotal.WithLabelValues("bypass").Inc()
		c.absorb(ctx, "get", key, err)
	}

	value, err = producer(ctx)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		if err := c.backend.Set(ctx, fullKey, value, ttl); err != nil {
			c.absorb(ctx, "set", key, err)
		}
	}
	return value, nil
}

// InvalidateKey removes a single entry.
func (c *Cache) InvalidateKey(ctx context.Context, key string) {
	if c.backend == nil {
		return
	}
	n, err := c.backend.Del(ctx, c.prefix+key)
	if err != nil {
		c.absorb(ctx, "del", key, err)
		return
	}
	invalidatedTotal.Add(float64(n))
}

// InvalidatePattern removes every entry whose key matches the glob pattern and
// returns how many were removed; 0 when the backend is unavailable.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	if c.backend == nil {
		return 0
	}
	keys, err := c.backend.Keys(ctx, c.prefix+pattern)
	if err != nil {
		c.absorb(ctx, "keys", pattern, err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	n, err := c.backend.Del(ctx, keys...)
	if err != nil {
		c.absorb(ctx, "del", pattern, err)
		return 0
	}
	invalidatedTotal.Add(float64(n))
	c.logger.DebugContext(ctx, "cache invalidated", "pattern", pattern, "removed", n)
	return n
}

func (c *Cache) absorb(ctx context.Context, op, key string, err error) {
	backendErrorsTotal.WithLabelValues(op).Inc()
	c.logger.WarnContext(ctx, "cache backend failure, degrading to pass-through",
		"op", op,
		"key", key,
		"error", err,
	)
}

// RememberJSON is Remember for JSON-serializable values. An entry that no
// longer decodes is dropped and rebuilt from producer.
func RememberJSON[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, producer func(context.Context) (T, error)) (T, error) {
	var (
		produced T
		fresh    bool
	)
	raw, err := c.Remember(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		produced, fresh = v, true
		return json.Marshal(v)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if fresh {
		return produced, nil
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		c.logger.WarnContext(ctx, "dropping undecodable cache entry", "key", key, "error", err)
		c.InvalidateKey(ctx, key)
		return producer(ctx)
	}
	return out, nil
}
