// Package cache stores encoded tiles between requests. Two drivers exist:
// an in-process LRU for single-instance deployments and Redis for shared
// ones. The cache is an optimization: callers treat errors as misses.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache is the tile cache contract.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// Invalidate drops every entry for one schema, typically after a table
	// in it was replaced.
	Invalidate(ctx context.Context, schema string) error
}

// TileKey is the cache key for one tile request.
func TileKey(schema string, z, x, y uint32) string {
	return fmt.Sprintf("tile:%s:%d:%d:%d", schema, z, x, y)
}
