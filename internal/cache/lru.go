package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultLRUEntries = 1024

// LRUStore is a bounded in-process store; the least recently used entry is
// evicted once MaxEntries is reached.
type LRUStore struct {
	lru *expirable.LRU[string, []byte]
}

// NewLRUStore creates a store holding at most maxEntries responses.
// ttl <= 0 disables expiry.
func NewLRUStore(maxEntries int, ttl time.Duration) *LRUStore {
	if maxEntries <= 0 {
		maxEntries = defaultLRUEntries
	}
	return &LRUStore{
		lru: expirable.NewLRU[string, []byte](maxEntries, nil, ttl),
	}
}

func (c *LRUStore) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	v, ok := c.lru.Get(string(key))
	return v, ok, nil
}

func (c *LRUStore) Set(_ context.Context, key []byte, value []byte) error {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	c.lru.Add(string(key), valueCopy)
	return nil
}

// Len returns the number of live entries.
func (c *LRUStore) Len() int {
	return c.lru.Len()
}
