package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/eduabjr/cartorio-sub002/internal/cache"
	"github.com/eduabjr/cartorio-sub002/internal/platform/config"
	"github.com/eduabjr/cartorio-sub002/internal/platform/httpserver"
	"github.com/eduabjr/cartorio-sub002/internal/platform/kafka"
	"github.com/eduabjr/cartorio-sub002/internal/platform/logger"
	"github.com/eduabjr/cartorio-sub002/internal/platform/metrics"
	"github.com/eduabjr/cartorio-sub002/internal/platform/postgres"
	platformredis "github.com/eduabjr/cartorio-sub002/internal/platform/redis"
	"github.com/eduabjr/cartorio-sub002/internal/registry/consumer"
	"github.com/eduabjr/cartorio-sub002/internal/registry/handler"
	"github.com/eduabjr/cartorio-sub002/internal/registry/service"
	"github.com/eduabjr/cartorio-sub002/internal/registry/store"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/httputil"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/middleware/metadata"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/middleware/requesttime"
)

var version = "dev"

const shutdownGrace = 10 * time.Second

// main wires the registry server: repository, cache, HTTP API, admin
// endpoints and the optional Kafka consumer. Business logic lives in
// internal/registry.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("registry server stopped", "error", err)
		os.Exit(1)
	}
}

type registryStore interface {
	service.Store
	Ping(ctx context.Context) error
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	repo, closeRepo, err := openStore(ctx, cfg.Postgres, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	c := cache.New(cacheBackend(redisClient, log), cache.WithPrefix(cfg.Cache.Prefix), cache.WithLogger(log))

	svc, err := service.New(repo, service.WithCache(c, cfg.Cache.TTL), service.WithLogger(log))
	if err != nil {
		return err
	}
	h := handler.New(svc, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	h.Register(r)
	r.Get("/healthz", healthHandler(repo, redisClient))
	r.Handle("/metrics", metrics.Handler("registry", version))

	admin := chi.NewRouter()
	admin.Use(middleware.RequestID)
	admin.Use(metadata.ClientMetadata)
	h.RegisterAdmin(admin)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Serve(gctx, httpserver.New(cfg.Addr, r), shutdownGrace, log)
	})
	g.Go(func() error {
		return httpserver.Serve(gctx, httpserver.New(cfg.AdminAddr, admin), shutdownGrace, log)
	})
	if len(cfg.Kafka.Brokers) > 0 {
		client, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Group)
		if err != nil {
			return err
		}
		defer client.Close()
		cons, err := consumer.New(client, svc, consumer.WithLogger(log))
		if err != nil {
			return err
		}
		g.Go(func() error {
			log.Info("kafka consumer started", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.Group)
			if err := cons.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			return nil
		})
	}

	log.Info("starting cartorio registry", "addr", cfg.Addr, "admin_addr", cfg.AdminAddr, "version", version)
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.PostgresConfig, log *slog.Logger) (registryStore, func(), error) {
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if db == nil {
		log.Warn("DATABASE_URL not set, registry records are kept in memory")
		return store.NewInMemory(), func() {}, nil
	}
	pg := store.NewPostgres(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return pg, func() { db.Close() }, nil
}

type healthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

// healthHandler fails only when the repository is unreachable. A missing or
// failing cache degrades latency, not correctness.
// cacheBackend prefers Redis and falls back to a per-process memory cache.
func cacheBackend(redisClient *platformredis.Client, log *slog.Logger) cache.Backend {
	if redisClient != nil {
		return cache.NewRedisBackend(redisClient.Client)
	}
	log.Warn("REDIS_URL not set, registry reads are cached in process memory")
	return cache.NewMemoryBackend()
}

func healthHandler(repo registryStore, redisClient *platformredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthStatus{Status: "ok", Database: "ok", Cache: "memory"}
		status := http.StatusOK
		if err := repo.Ping(ctx); err != nil {
			resp.Status, resp.Database = "unavailable", "unreachable"
			status = http.StatusServiceUnavailable
		}
		if redisClient != nil {
			resp.Cache = "ok"
			if err := redisClient.Health(ctx); err != nil {
				resp.Cache = "degraded"
			}
		}
		httputil.WriteJSON(w, status, resp)
	}
}
