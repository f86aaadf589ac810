package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"chatdispatch/internal/pathutil"
	"chatdispatch/pkg/logging/logging"
)

// SQLiteStore is a persistent store backed by a SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration

	purgeInterval time.Duration
	stopPurge     chan struct{}
	purgeDone     chan struct{}
	closeOnce     sync.Once
}

const createResponseCacheTable = `
CREATE TABLE IF NOT EXISTS response_cache (
	cache_key   BLOB PRIMARY KEY,
	response    BLOB NOT NULL,
	created_at  INTEGER NOT NULL,
	ttl_seconds INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) the database at path; a leading "~" is
// expanded. ttl <= 0 keeps entries forever; otherwise expired rows are purged
// every purgeInterval (default 5m).
func NewSQLiteStore(path string, ttl, purgeInterval time.Duration) (*SQLiteStore, error) {
	path, err := pathutil.ExpandHome(path)
	if err != nil {
		return nil, fmt.Errorf("cache db path: %w", err)
	}
	if purgeInterval <= 0 {
		purgeInterval = 5 * time.Minute
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createResponseCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	c := &SQLiteStore{
		db:            db,
		ttl:           ttl,
		purgeInterval: purgeInterval,
		stopPurge:     make(chan struct{}),
		purgeDone:     make(chan struct{}),
	}

	if ttl > 0 {
		go c.purgeExpired()
	} else {
		close(c.purgeDone)
	}

	return c, nil
}

func (c *SQLiteStore) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var response []byte
	var createdAt, ttlSeconds int64

	err := c.db.QueryRowContext(ctx,
		`SELECT response, created_at, ttl_seconds FROM response_cache WHERE cache_key = ?`,
		key,
	).Scan(&response, &createdAt, &ttlSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	if ttlSeconds > 0 && time.Since(time.Unix(createdAt, 0)) > time.Duration(ttlSeconds)*time.Second {
		return nil, false, nil
	}

	return response, true, nil
}

func (c *SQLiteStore) Set(ctx context.Context, key []byte, value []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO response_cache (cache_key, response, created_at, ttl_seconds)
		 VALUES (?, ?, ?, ?)`,
		key, value, time.Now().Unix(), ttlSeconds(c.ttl),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Purge deletes expired entries and returns how many were removed.
func (c *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE ttl_seconds > 0 AND created_at + ttl_seconds < ?`,
		time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}

// Len returns the number of stored rows, expired or not.
func (c *SQLiteStore) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM response_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache len: %w", err)
	}
	return n, nil
}

// purgeExpired runs periodically to delete expired rows.
func (c *SQLiteStore) purgeExpired() {
	defer close(c.purgeDone)

	ticker := time.NewTicker(c.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := c.Purge(context.Background())
			if err != nil {
				logging.DefaultLogger().Warn("sqlite_cache_purge_error", zap.Error(err))
				continue
			}
			if n > 0 {
				logging.DefaultLogger().Debug("sqlite_cache_purged", zap.Int64("rows", n))
			}
		case <-c.stopPurge:
			return
		}
	}
}

// ttlSeconds rounds a positive TTL up to whole seconds so that sub-second
// values still expire.
func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Second - 1) / time.Second)
}

// Close stops the purge loop and releases the database connection.
func (c *SQLiteStore) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopPurge)
	})
	<-c.purgeDone
	return c.db.Close()
}
