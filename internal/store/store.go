// Package store provides the key/value persistence the baseline service
// runs on. The Cache interface is the only thing consumers see; the
// backing store is opaque to them.
package store

import (
	"context"
	"time"
)

// Cache is a TTL'd key/value store. Get returns (nil, false, nil) on a
// miss; implementations translate their own failures into errors, and
// callers are expected to treat errors as misses (degraded mode), never
// as fatal.
type Cache interface {
	// Get returns the stored value for key, or ok=false on a miss or
	// expired entry.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key for ttl. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// MultiGet returns one slot per key, nil for misses. The result
	// slice always has len(keys) entries.
	MultiGet(ctx context.Context, keys []string) ([][]byte, error)
}
