package ports

import (
	"context"
	"time"
)

// Cache is the shared coordination service: atomic counters with TTL
// (rate-limit buckets), sorted sets, and pub/sub fan-out. It stands in for
// an external key-value store; see internal/adapters/cache for the
// in-process implementation used when no such store is configured.
type Cache interface {
	// Incr atomically increments key by 1, setting ttl on first creation,
	// and returns the post-increment value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the raw value for key, or ("", false) if absent/expired.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SortedSetAdd/Range back the funding/stats dashboards maintained
	// outside the core; kept minimal here.
	SortedSetAdd(ctx context.Context, set string, member string, score float64) error
	SortedSetRange(ctx context.Context, set string, min, max float64) ([]string, error)

	Publish(ctx context.Context, channel string, payload string) error

	// Healthy reports whether the underlying store is currently reachable;
	// callers use it to decide whether to degrade to a local fallback.
	Healthy() bool
}
