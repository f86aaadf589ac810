package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLRU    = "lru"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

type Config struct {
	Backend    string
	TTL        time.Duration
	Prefix     string
	MaxEntries int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SQLitePath string
}

// New builds the configured backend. It returns a nil Store for the "none"
// backend, which leaves caching disabled.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return NewMemoryStore(cfg.TTL, 0), nil
	case BackendLRU:
		return NewLRUStore(cfg.MaxEntries, cfg.TTL), nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		// Fail fast if Redis is misconfigured
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("cache: redis ping %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client, RedisConfig{Prefix: cfg.Prefix, TTL: cfg.TTL}), nil
	case BackendSQLite:
		store, err := NewSQLiteStore(cfg.SQLitePath, cfg.TTL, 0)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
