// Package counters implements the atomic rate-limiting primitives shared by
// all delivery workers: a windowed counter with a ceiling, a plain counter
// with a refreshed TTL, and a per-entry counter scoped to a client version.
package counters

import (
	"context"
	"time"
)

// Result is the outcome of a limited counter operation.
type Result struct {
	Success bool
	Value   int64
	TTL     time.Duration
}

// Counters is implemented by every counter backend. Each call is atomic with
// respect to concurrent callers using the same key.
type Counters interface {
	// TTLCounter adds count to key unless the result would exceed max. The
	// key expires window after its first increment. A max <= 0 means
	// unlimited and the store is not consulted.
	TTLCounter(ctx context.Context, key string, count, max int64, window time.Duration) (Result, error)

	// CachedCounter adds count to key and refreshes its TTL.
	CachedCounter(ctx context.Context, key string, count int64, ttl time.Duration) (int64, error)

	// LimitedCounter records count for entry under key unless the key total
	// would exceed limit. Recording the same entry twice is a no-op. State
	// written by an older client version is discarded.
	LimitedCounter(ctx context.Context, key, entry string, count, limit int64) (Result, error)
}

func seconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
