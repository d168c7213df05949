// Package cache holds resolved upstream credentials keyed by the client's
// opaque app key.
//
// Two backends are available:
//   - MemoryCache: in-process, per replica.
//   - RedisCache:  shared across replicas through Redis.
//
// Entries leave the cache only by expiring. There is no delete operation.
package cache

import (
	"context"
	"time"
)

// DefaultTTL bounds how long a resolved key is reused.
const DefaultTTL = time.Hour

// KeyCache maps client app keys to resolved upstream keys.
type KeyCache interface {
	// Get returns the upstream key for appKey unless it is absent or expired.
	Get(ctx context.Context, appKey string) (string, bool)

	// Set stores or replaces the entry with expiry now+ttl.
	Set(ctx context.Context, appKey, upstreamKey string, ttl time.Duration) error
}
