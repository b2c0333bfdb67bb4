// Package cache implements the response cache: a fingerprint-keyed store
// with per-entry TTLs, a streaming variant that records and replays chunk
// sequences, and pluggable backends (in-memory, SQLite).
package cache

import (
	"context"
	"time"
)

// DefaultTTL applies when a caller does not override the entry lifetime.
const DefaultTTL = time.Hour

// Store is the backend contract. Hosts may supply their own backend as
// long as it honours TTL-on-read semantics: an expired entry is never
// returned from Get.
type Store interface {
	// Get returns the value for key, or ok=false on miss or expiry.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key for ttl (<=0 means DefaultTTL).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the entry for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// ExistsPrefix reports whether any live entry's key starts with prefix.
	ExistsPrefix(ctx context.Context, prefix string) (bool, error)

	// ClearPrefix removes every entry whose key starts with prefix and
	// returns the number removed.
	ClearPrefix(ctx context.Context, prefix string) (int, error)

	// Stats returns counters for observability.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources.
	Close() error
}

// Stats holds cache counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}
