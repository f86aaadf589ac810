package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"

	"chatdispatch/internal/metrics"
	"chatdispatch/pkg/logging/logging"

	"go.uber.org/zap"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	inner Store
	tier  string
}

// NewLoggingStore returns a store that logs and records metrics. A nil inner
// store stays nil so caching remains disabled.
func NewLoggingStore(inner Store, tier string) Store {
	if inner == nil {
		return nil
	}
	return &LoggingStore{inner: inner, tier: tier}
}

func (c *LoggingStore) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	start := time.Now()
	value, ok, err := c.inner.Get(ctx, key)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}
	metrics.CacheLookupsTotal.WithLabelValues(result).Inc()

	fields := []zap.Field{
		zap.String("cache_tier", c.tier),
		zap.String("hash_key", keyDigest(key)),
		zap.String("cache_result", result), // hit | miss | error
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("cache_get", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("cache_get", fields...)
	}

	return value, ok, err
}

func (c *LoggingStore) Set(ctx context.Context, key []byte, value []byte) error {
	start := time.Now()
	err := c.inner.Set(ctx, key, value)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := []zap.Field{
		zap.String("cache_tier", c.tier),
		zap.String("hash_key", keyDigest(key)),
		zap.Int("value_bytes", len(value)),
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("cache_set", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("cache_set", fields...)
	}

	return err
}

// Close closes the wrapped store when it holds resources.
func (c *LoggingStore) Close() error {
	if closer, ok := c.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// keyDigest shortens a request key for logs.
func keyDigest(key []byte) string {
	sum := sha1.Sum(key)
	return hex.EncodeToString(sum[:])
}
