package config

import (
	"os"
	"strconv"
	"time"

	"github.com/eduabjr/cartorio-sub002/pkg/platform/resilient"
	platformstrings "github.com/eduabjr/cartorio-sub002/pkg/platform/strings"
)

// Server captures registry server configuration.
type Server struct {
	Addr       string
	AdminAddr  string
	LogLevel   string
	Postgres   PostgresConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Cache      CacheConfig
	Resilience resilient.Config
}

// PostgresConfig selects the registry repository. An empty URL keeps records
// in memory, which is only suitable for development.
type PostgresConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig configures the cache backend. An empty URL disables caching.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig enables the accept-record consumer when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Group   string
}

type CacheConfig struct {
	TTL    time.Duration
	Prefix string
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	return Server{
		Addr:      getEnv("CARTORIO_ADDR", ":8080"),
		AdminAddr: getEnv("CARTORIO_ADMIN_ADDR", "127.0.0.1:8081"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		Postgres: PostgresConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: getInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 500*time.Millisecond),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		Kafka: KafkaConfig{
			Brokers: platformstrings.SplitList(os.Getenv("KAFKA_BROKERS"), ","),
			Topic:   getEnv("KAFKA_TOPIC", "cartorio.records"),
			Group:   getEnv("KAFKA_GROUP", "cartorio-registry"),
		},
		Cache: CacheConfig{
			TTL:    getDuration("CACHE_TTL", 5*time.Minute),
			Prefix: getEnv("CACHE_PREFIX", "cartorio:"),
		},
		Resilience: ResilienceFromEnv(),
	}
}

// ResilienceFromEnv reads the resilient client tunables. Durations are given
// in milliseconds; unset or unparsable values keep the defaults.
func ResilienceFromEnv() resilient.Config {
	cfg := resilient.DefaultConfig()
	cfg.FailureThreshold = getInt("CARTORIO_FAILURE_THRESHOLD", cfg.FailureThreshold)
	cfg.Cooldown = getMillis("CARTORIO_COOLDOWN_MS", cfg.Cooldown)
	cfg.RetryAttempts = getInt("CARTORIO_RETRY_ATTEMPTS", cfg.RetryAttempts)
	cfg.BackoffBase = getMillis("CARTORIO_BACKOFF_BASE_MS", cfg.BackoffBase)
	cfg.CallTimeout = getMillis("CARTORIO_CALL_TIMEOUT_MS", cfg.CallTimeout)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}

func getMillis(key string, def time.Duration) time.Duration {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
