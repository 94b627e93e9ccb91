// Package cache defines the storage contract for cached responses. Backends
// store opaque byte values; key construction and response semantics live in
// the router's cache layer.
package cache

import (
	"context"
	"time"
)

// Store is the interface all cache backends implement.
type Store interface {
	// Get retrieves a value. Returns nil, nil if the key doesn't exist or
	// has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. If TTL is 0, the backend's
	// default TTL is used.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Flush removes every entry.
	Flush(ctx context.Context) error

	// Len reports the number of live entries.
	Len(ctx context.Context) (int, error)

	// Ping checks if the backend is healthy.
	Ping(ctx context.Context) error

	// Stats returns backend counters.
	Stats() Stats

	// Close releases resources held by the backend.
	Close() error
}

// Stats holds backend counters for monitoring.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Deletes   int64   `json:"deletes"`
	Evictions int64   `json:"evictions"`
	Entries   int     `json:"entries"`
	HitRate   float64 `json:"hit_rate"`
}

// RateOf computes the hit rate for the given counters.
func RateOf(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
