// Package schemacache is a TTL cache for catalog metadata with single-flight
// refill: concurrent misses on the same key trigger exactly one underlying
// fetch, and every waiter receives its result.
package schemacache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchFunc loads the value for a key from the catalog.
type FetchFunc[V any] func(ctx context.Context, key string) (V, error)

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// Cache maps keys to values with lazy TTL-based refresh. A fetch failure
// leaves any prior entry intact; stale data is preferable to a poisoned
// cache.
type Cache[V any] struct {
	ttl   time.Duration
	fetch FetchFunc[V]
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]entry[V]
	group   singleflight.Group
}

// New creates a Cache. ttl must be > 0.
func New[V any](ttl time.Duration, fetch FetchFunc[V]) *Cache[V] {
	if ttl <= 0 {
		panic("schemacache: ttl must be > 0")
	}
	if fetch == nil {
		panic("schemacache: fetch must be set")
	}
	return &Cache[V]{
		ttl:     ttl,
		fetch:   fetch,
		now:     time.Now,
		entries: make(map[string]entry[V]),
	}
}

// Get returns the cached value for key if fresh, refilling it otherwise.
// Concurrent callers hitting the same stale or missing key share one fetch.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	// The fetch serves every coalesced caller, so it must not die with the
	// one that happened to initiate it. The fetch function bounds its own
	// runtime.
	fetchCtx := context.WithoutCancel(ctx)

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another flight may have refilled between lookup and Do.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := c.fetch(fetchCtx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry[V]{value: v, fetchedAt: c.now()}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Invalidate drops the entry for key. Returns 1 if an entry was dropped.
func (c *Cache[V]) Invalidate(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return 0
	}
	delete(c.entries, key)
	return 1
}

// InvalidateAll drops every entry and returns how many were dropped.
func (c *Cache[V]) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]entry[V])
	return n
}

// Len returns the number of entries, fresh or stale.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// SetClock overrides the cache's time source. Test hook.
func (c *Cache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
