package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero = never
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type MemoryStore struct {
	mu              sync.RWMutex
	items           map[string]memoryEntry
	ttl             time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// NewMemoryStore creates an in-process store. ttl <= 0 keeps entries until
// Clear; otherwise a sweeper drops expired entries every cleanupInterval
// (default 5m).
func NewMemoryStore(ttl, cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	c := &MemoryStore{
		items:           make(map[string]memoryEntry),
		ttl:             ttl,
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}

	if ttl > 0 {
		go c.cleanupExpired()
	}

	return c
}

func (c *MemoryStore) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	k := string(key)

	c.mu.RLock()
	entry, ok := c.items[k]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	now := time.Now()
	if entry.expired(now) {
		c.mu.Lock()
		if e, exists := c.items[k]; exists && e.expired(now) {
			delete(c.items, k)
		}
		c.mu.Unlock()
		return nil, false, nil
	}

	return entry.value, true, nil
}

func (c *MemoryStore) Set(_ context.Context, key []byte, value []byte) error {
	// Copy to decouple from caller's buffer
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	entry := memoryEntry{value: valueCopy}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}

	c.mu.Lock()
	c.items[string(key)] = entry
	c.mu.Unlock()

	return nil
}

// cleanupExpired runs periodically to remove expired entries.
func (c *MemoryStore) cleanupExpired() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, v := range c.items {
				if v.expired(now) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine. Call this on shutdown or in tests.
func (c *MemoryStore) Close() error {
	c.cleanupOnce.Do(func() {
		close(c.stopCleanup)
	})
	return nil
}

// Len returns the number of items currently in the cache.
func (c *MemoryStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes all items from cache.
func (c *MemoryStore) Clear() {
	c.mu.Lock()
	c.items = make(map[string]memoryEntry)
	c.mu.Unlock()
}
