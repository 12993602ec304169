package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduabjr/cartorio-sub002/internal/cache"
	"github.com/eduabjr/cartorio-sub002/internal/platform/config"
	platformredis "github.com/eduabjr/cartorio-sub002/internal/platform/redis"
	"github.com/eduabjr/cartorio-sub002/internal/registry/store"
	"github.com/eduabjr/cartorio-sub002/pkg/testutil"
)

type downStore struct{ *store.InMemoryStore }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthHandler(t *testing.T) {
	testutil.Given(t, "an in-memory repository and no redis", func(t *testing.T) {
		rr := testutil.DoRequest(healthHandler(store.NewInMemory(), nil), testutil.NewRequest(t, http.MethodGet, "/healthz"))
		testutil.AssertStatusOK(t, rr)
		resp := testutil.UnmarshalResponse[healthStatus](t, rr)
		assert.Equal(t, healthStatus{Status: "ok", Database: "ok", Cache: "memory"}, *resp)
	})

	testutil.Given(t, "an unreachable repository", func(t *testing.T) {
		rr := testutil.DoRequest(healthHandler(downStore{store.NewInMemory()}, nil), testutil.NewRequest(t, http.MethodGet, "/healthz"))
		testutil.AssertStatus(t, rr, http.StatusServiceUnavailable)
	})

	testutil.Given(t, "a cache that went away", func(t *testing.T) {
		srv := miniredis.RunT(t)
		client, err := platformredis.New(context.Background(), config.RedisConfig{URL: "redis://" + srv.Addr()})
		require.NoError(t, err)
		defer client.Close()
		srv.Close()

		rr := testutil.DoRequest(healthHandler(store.NewInMemory(), client), testutil.NewRequest(t, http.MethodGet, "/healthz"))

		testutil.Then(t, "the server stays healthy but reports the cache", func(t *testing.T) {
			testutil.AssertStatusOK(t, rr)
			assert.Equal(t, "degraded", testutil.UnmarshalResponse[healthStatus](t, rr).Cache)
		})
	})
}

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	repo, closeRepo, err := openStore(context.Background(), config.PostgresConfig{}, testLogger())
	require.NoError(t, err)
	defer closeRepo()
	_, ok := repo.(*store.InMemoryStore)
	assert.True(t, ok)
}

func TestCacheBackendFallsBackToMemory(t *testing.T) {
	_, ok := cacheBackend(nil, testLogger()).(*cache.MemoryBackend)
	assert.True(t, ok)

	srv := miniredis.RunT(t)
	client, err := platformredis.New(context.Background(), config.RedisConfig{URL: "redis://" + srv.Addr()})
	require.NoError(t, err)
	defer client.Close()
	_, ok = cacheBackend(client, testLogger()).(*cache.RedisBackend)
	assert.True(t, ok)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
