package inference

import (
	"sync"
	"time"

	"github.com/des-work/WorldBuilder-sub000/internal/shared/clock"
)

// DefaultStaleFor is how long an expired entry stays available as a fallback.
const DefaultStaleFor = time.Hour

type entry[V any] struct {
	value    V
	cachedAt time.Time
	ttl      time.Duration
}

func (e entry[V]) freshAt(now time.Time) bool {
	return now.Sub(e.cachedAt) < e.ttl
}

// CacheStats summarises cache effectiveness.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache is a TTL cache. Expired entries stop counting as hits but remain
// available through GetStale until Sweep removes them.
type Cache[V any] struct {
	clock    clock.Clock
	staleFor time.Duration

	mu        sync.Mutex
	entries   map[string]entry[V]
	hits      int64
	misses    int64
	evictions int64
}

// NewCache creates an empty cache. staleFor <= 0 uses DefaultStaleFor.
func NewCache[V any](clk clock.Clock, staleFor time.Duration) *Cache[V] {
	if staleFor <= 0 {
		staleFor = DefaultStaleFor
	}
	return &Cache[V]{
		clock:    clock.OrReal(clk),
		staleFor: staleFor,
		entries:  make(map[string]entry[V]),
	}
}

// Get returns a fresh value.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.freshAt(c.clock.Now()) {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// GetStale returns the last value stored under key, fresh or not.
func (c *Cache[V]) GetStale(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return e.value, ok
}

// Set stores value under key for ttl.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{value: value, cachedAt: c.clock.Now(), ttl: ttl}
}

// Invalidate removes key and reports whether it was present.
func (c *Cache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.evictions++
	return true
}

// Sweep drops entries that expired more than staleFor ago.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.cachedAt) >= e.ttl+c.staleFor {
			delete(c.entries, key)
			removed++
		}
	}
	c.evictions += int64(removed)
	return removed
}

// Stats returns current counters.
func (c *Cache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
