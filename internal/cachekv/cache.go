// Package cachekv implements C2, the pluggable KV cache provider described
// in spec §2 and used throughout auth (C4), rate limiting (C5), and the
// key-pool scheduler (C9).
package cachekv

import (
	"context"
	"time"
)

// Cache is the narrow interface every consumer in this module depends on.
// Both backends (memory, redis) satisfy it identically so callers never
// branch on backend type.
type Cache interface {
	// Get returns the raw bytes stored at key, or ok=false if absent/expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value at key with the given ttl. ttl<=0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Incr atomically increments the integer stored at key by delta
	// (creating it at delta if absent) and returns the post-increment
	// value. If this increment created the key (post-increment value
	// equals delta and no TTL existed yet), callers are expected to call
	// Expire immediately after, matching the "set TTL on first increment"
	// contract of spec §4.3.
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets a TTL on an existing key. It is a no-op if the key is
	// absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time-to-live for key, or 0 if the key has
	// no expiry or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

// BackendName normalises the configured backend name ("memory" or
// "remote"), returning "memory" when it is empty and the input unchanged
// otherwise. It builds no Cache: callers construct the backend themselves
// (NewRedis for "remote").
func BackendName(backend string) string {
	if backend == "" {
		return "memory"
	}
	return backend
}
