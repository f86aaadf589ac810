// Package cache holds the optional response store used by the dispatcher.
// Keys are the canonical request bytes; values are JSON-encoded responses.
package cache

import (
	"context"
)

// Store is the interface used by the dispatcher. A nil Store disables
// caching. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Set(ctx context.Context, key []byte, value []byte) error
}
