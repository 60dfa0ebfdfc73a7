// Package cache defines the in-process cache port used to keep hot bot
// version lookups off the database in the run create path.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-value cache with TTL semantics.
type Cache interface {
	// Get retrieves a value. ok is false on a miss.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error
}
