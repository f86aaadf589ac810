package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T, ttl time.Duration) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), ttl, 0)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_SetGet(t *testing.T) {
	s := newTestSQLiteStore(t, time.Hour)
	ctx := context.Background()

	key := []byte(`{"messages":[],"model":"gpt-4","stream":false,"temperature":0}`)
	if _, hit, err := s.Get(ctx, key); err != nil || hit {
		t.Fatalf("expected clean miss, got hit=%v err=%v", hit, err)
	}

	if err := s.Set(ctx, key, []byte(`{"choices":[]}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, hit, err := s.Get(ctx, key)
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if string(got) != `{"choices":[]}` {
		t.Fatalf("unexpected value %q", got)
	}

	// Overwrite keeps a single row.
	if err := s.Set(ctx, key, []byte(`{"choices":[{}]}`)); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	n, err := s.Len(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 row, got %d (%v)", n, err)
	}
}

func TestSQLiteStore_Expiry(t *testing.T) {
	s := newTestSQLiteStore(t, time.Second)
	ctx := context.Background()

	// Backdate a row past its TTL.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_cache (cache_key, response, created_at, ttl_seconds) VALUES (?, ?, ?, ?)`,
		[]byte("old"), []byte("stale"), time.Now().Add(-time.Hour).Unix(), 1,
	)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, hit, _ := s.Get(ctx, []byte("old")); hit {
		t.Fatalf("expected expired entry to miss")
	}

	removed, err := s.Purge(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 purged row, got %d (%v)", removed, err)
	}
}

func TestSQLiteStore_SubSecondTTLExpires(t *testing.T) {
	s := newTestSQLiteStore(t, 200*time.Millisecond)
	ctx := context.Background()

	if err := s.Set(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var ttl int64
	if err := s.db.QueryRowContext(ctx, `SELECT ttl_seconds FROM response_cache WHERE cache_key = ?`, []byte("k")).Scan(&ttl); err != nil {
		t.Fatalf("select ttl: %v", err)
	}
	if ttl != 1 {
		t.Fatalf("sub-second TTL stored as %d, want 1", ttl)
	}
}

func TestSQLiteStore_PurgeLoopRemovesExpiredRows(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO response_cache (cache_key, response, created_at, ttl_seconds) VALUES (?, ?, ?, ?)`,
		[]byte("old"), []byte("stale"), time.Now().Add(-time.Hour).Unix(), 1,
	)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := s.Len(ctx)
		if err != nil {
			t.Fatalf("Len: %v", err)
		}
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expired row was not purged, %d rows left", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSQLiteStore_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	s, err := NewSQLiteStore("~/cache.db", 0, 0)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(home, "cache.db")); err != nil {
		t.Fatalf("database not created under home: %v", err)
	}
}
