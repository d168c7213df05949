package cache

import (
	"context"
	"sync"
	"time"
)

const cleanupInterval = 5 * time.Minute

type memItem struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is an in-process KeyCache with per-entry TTL.
//
// Expiry is enforced when an entry is read. A background goroutine also
// sweeps expired entries so keys that are never read again do not pile up.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem
	now   func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock overrides the cache clock (tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

// NewMemoryCache creates a MemoryCache and starts the cleanup loop. The loop
// stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.cleanup(ctx)
	return c
}

func (c *MemoryCache) Get(_ context.Context, appKey string) (string, bool) {
	c.mu.RLock()
	item, ok := c.items[appKey]
	c.mu.RUnlock()

	if !ok {
		return "", false
	}
	if !c.now().Before(item.expiresAt) {
		c.mu.Lock()
		// Re-check: a concurrent Set may have replaced the entry.
		if cur, ok := c.items[appKey]; ok && !c.now().Before(cur.expiresAt) {
			delete(c.items, appKey)
		}
		c.mu.Unlock()
		return "", false
	}
	return item.value, true
}

// Set stores upstreamKey. A non-positive ttl stores nothing.
func (c *MemoryCache) Set(_ context.Context, appKey, upstreamKey string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.items[appKey] = memItem{value: upstreamKey, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, including expired ones that
// have not been swept yet.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := c.now()

	c.mu.Lock()
	for k, v := range c.items {
		if !now.Before(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
