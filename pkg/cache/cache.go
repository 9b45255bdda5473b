// Package cache provides a small TTL key/value cache with in-memory and
// Redis backends.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values under string keys for a bounded time.
// Get reports found=false on a miss or an expired entry.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
