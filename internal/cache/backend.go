package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by a Backend when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// ErrBackendUnavailable wraps transport failures of a Backend. Cache absorbs it;
// it never reaches callers of Remember.
var ErrBackendUnavailable = errors.New("cache backend unavailable")

// Backend is the remote key-value protocol the cache-aside layer needs.
type Backend interface {
	// Get returns the stored value or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; it expires after ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int, error)
	// Keys lists keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
}
