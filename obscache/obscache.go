// Package obscache provides a small bounded cache that keeps a short
// post-prune audit trail: a saga's terminal outcome stays inspectable
// for a while after its journal entries and dedupe keys are pruned.
//
// Adapted from the teacher's cache/cache.go: a generic, concurrency-safe
// bounded cache. The teacher's version is a hand-rolled container/list
// LRU; this one is backed by github.com/hashicorp/golang-lru/v2 instead,
// since a single well-tested LRU does the eviction bookkeeping this
// package needs without reimplementing it, and the eviction count is
// exposed so callers can see when audit coverage starts dropping
// entries rather than silently losing them.
package obscache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats reports cumulative cache activity.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// entry pairs a stored value with the time it was written, for TTL
// expiry independent of LRU recency.
type entry[V any] struct {
	value     V
	writtenAt time.Time
}

// Cache is a generic, size-bounded, optionally TTL-expiring cache.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	inner *lru.Cache[K, entry[V]]
	ttl   time.Duration
	stats Stats
}

// New creates a Cache holding at most maxSize entries. A ttl of zero
// means entries never expire by age (only by LRU eviction).
func New[K comparable, V any](maxSize int, ttl time.Duration) *Cache[K, V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	inner, _ := lru.New[K, entry[V]](maxSize)
	return &Cache[K, V]{inner: inner, ttl: ttl}
}

// Set stores value under key, evicting the least-recently-used entry
// if the cache is at capacity.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := c.inner.Add(key, entry[V]{value: value, writtenAt: time.Now()})
	if evicted {
		c.stats.Evictions++
	}
	c.stats.Size = c.inner.Len()
}

// Get returns the value for key and whether it was present and not
// expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.inner.Get(key)
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	if c.ttl > 0 && time.Since(e.writtenAt) > c.ttl {
		c.inner.Remove(key)
		c.stats.Misses++
		c.stats.Size = c.inner.Len()
		var zero V
		return zero, false
	}
	c.stats.Hits++
	return e.value, true
}

// Stats returns a snapshot of cumulative cache activity.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.inner.Len()
	return s
}
