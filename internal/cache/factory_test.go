package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewBackends(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Config{Backend: BackendNone})
	if err != nil || s != nil {
		t.Fatalf("none backend: expected nil store, got %v (%v)", s, err)
	}

	s, err = New(ctx, Config{})
	if err != nil || s != nil {
		t.Fatalf("default backend must be disabled, got %v (%v)", s, err)
	}

	s, err = New(ctx, Config{Backend: BackendMemory, TTL: time.Minute})
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", s)
	}
	_ = s.(*MemoryStore).Close()

	s, err = New(ctx, Config{Backend: BackendLRU, MaxEntries: 8})
	if err != nil {
		t.Fatalf("lru backend: %v", err)
	}
	if _, ok := s.(*LRUStore); !ok {
		t.Fatalf("expected *LRUStore, got %T", s)
	}

	s, err = New(ctx, Config{Backend: BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "c.db")})
	if err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	_ = s.(*SQLiteStore).Close()

	if _, err := New(ctx, Config{Backend: "memcached"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestNewRedisBackend(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	s, err := New(ctx, Config{Backend: BackendRedis, RedisAddr: addr, Prefix: "chatdispatch-test", TTL: time.Minute})
	if err != nil {
		t.Fatalf("redis backend: %v", err)
	}
	rs := s.(*RedisStore)
	defer rs.Close()

	key := []byte(`{"model":"gpt-4"}`)
	if err := rs.Set(ctx, key, []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, hit, err := rs.Get(ctx, key)
	if err != nil || !hit || string(v) != "v" {
		t.Fatalf("expected hit, got %q hit=%v err=%v", v, hit, err)
	}
	_ = rs.Delete(ctx, key)
}
