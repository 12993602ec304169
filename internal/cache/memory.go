package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is an in-process Backend with TTL expiration. The registry
// server uses it when no Redis is configured.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMemoryClock overrides time.Now.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryBackend) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Get returns ErrMiss for absent keys and for keys at or past their expiry.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || !m.clock().Before(entry.expiresAt) {
		return nil, ErrMiss
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: stored, expiresAt: m.clock().Add(ttl)}
	return nil
}

func (m *MemoryBackend) Del(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	removed := 0
	for _, key := range keys {
		if entry, ok := m.entries[key]; ok {
			if now.Before(entry.expiresAt) {
				removed++
			}
			delete(m.entries, key)
		}
	}
	return removed, nil
}

// Keys matches live keys with Redis MATCH rules: * and ? cross any character
// including '/', [...] and [^...] are classes, and a backslash escapes.
func (m *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	matcher, err := glob.Compile(redisGlob(pattern))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	var keys []string
	for key, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, key)
			continue
		}
		if matcher.Match(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// redisGlob rewrites a Redis pattern into glob syntax: braces are literal in
// Redis and class negation is spelled [! instead of [^.
func redisGlob(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 4)
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			b.WriteByte(c)
			i++
			b.WriteByte(pattern[i])
		case c == '\\':
			b.WriteString(`\\`)
		case inClass:
			if c == ']' {
				inClass = false
			}
			b.WriteByte(c)
		case c == '[':
			inClass = true
			b.WriteByte(c)
			if i+1 < len(pattern) && pattern[i+1] == '^' {
				b.WriteByte('!')
				i++
			}
		case c == '{' || c == '}':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
