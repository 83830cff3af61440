// Package cache provides a size-bounded response cache with TTL expiration,
// used by the prediction service to answer repeated identical requests
// without re-running preprocessing and inference.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a thread-safe LRU with per-entry TTL.
type Cache[K comparable, V any] struct {
	inner *lru.Cache[K, *entry[V]]
	ttl   time.Duration
	mu    sync.Mutex
	hits  uint64
	miss  uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache holding at most size entries; entries expire after ttl
// (0 means no expiration).
func New[K comparable, V any](size int, ttl time.Duration) (*Cache[K, V], error) {
	inner, err := lru.New[K, *entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{inner: inner, ttl: ttl}, nil
}

// Get returns the cached value if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.inner.Get(key)
	if !ok || (c.ttl > 0 && time.Now().After(e.expiresAt)) {
		c.miss++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Time{}
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.inner.Add(key, &entry[V]{value: value, expiresAt: expiresAt})
}

// Len returns the current entry count.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}

// HitRate returns the fraction of lookups served from cache.
func (c *Cache[K, V]) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.miss
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
