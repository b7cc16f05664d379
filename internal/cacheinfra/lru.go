package cacheinfra

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// LRUStats reports the counters kept by an LRU.
type LRUStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Reclaimed uint64
}

// LRU is a bounded least-recently-used cache. Values are held behind a
// validity check so that an owner can declare entries reclaimed independently
// of the access order; a reclaimed value reads exactly like a miss.
//
// All operations, including Range and Sweep, hold a single mutex. Callbacks
// passed to Range and Sweep must not call back into the same cache.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	items    *simplelru.LRU[K, V]
	capacity int
	valid    func(V) bool
	stats    LRUStats
}

// NewLRU creates an LRU holding at most capacity entries. onEvict, when not
// nil, runs for every entry leaving the cache (capacity eviction, removal,
// reclaim or purge) while the cache lock is held. valid, when not nil, is
// consulted on every read.
func NewLRU[K comparable, V any](capacity int, onEvict func(K, V), valid func(V) bool) (*LRU[K, V], error) {
	if capacity < 1 {
		return nil, &ConfigError{Field: "Capacity", Message: "must be greater than 0"}
	}

	var cb simplelru.EvictCallback[K, V]
	if onEvict != nil {
		cb = func(key K, value V) { onEvict(key, value) }
	}

	items, err := simplelru.NewLRU[K, V](capacity, cb)
	if err != nil {
		return nil, err
	}

	return &LRU[K, V]{
		items:    items,
		capacity: capacity,
		valid:    valid,
	}, nil
}

// Get returns the value for key and promotes it to most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.items.Get(key)
	if !ok {
		c.stats.Misses++
		return value, false
	}

	if c.valid != nil && !c.valid(value) {
		c.items.Remove(key)
		c.stats.Reclaimed++
		c.stats.Misses++
		var zero V
		return zero, false
	}

	c.stats.Hits++
	return value, true
}

// Peek returns the value for key without touching the access order or stats.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.items.Peek(key)
	if ok && c.valid != nil && !c.valid(value) {
		var zero V
		return zero, false
	}
	return value, ok
}

// Put stores value under key, replacing any previous value.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items.Add(key, value) {
		c.stats.Evictions++
	}
}

// PutIfAbsent stores value only when key holds no live value. It returns the
// resident value and true when one was already present.
func (c *LRU[K, V]) PutIfAbsent(key K, value V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.putIfAbsentLocked(key, value)
}

// PutIfAbsentFunc is PutIfAbsent guarded by admit, evaluated under the cache
// lock. When admit reports false nothing is stored and value is returned with
// false.
func (c *LRU[K, V]) PutIfAbsentFunc(key K, value V, admit func() bool) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if admit != nil && !admit() {
		return value, false
	}
	return c.putIfAbsentLocked(key, value)
}

func (c *LRU[K, V]) putIfAbsentLocked(key K, value V) (V, bool) {
	if existing, ok := c.items.Get(key); ok {
		if c.valid == nil || c.valid(existing) {
			return existing, true
		}
		c.items.Remove(key)
		c.stats.Reclaimed++
	}

	if c.items.Add(key, value) {
		c.stats.Evictions++
	}
	return value, false
}

// Remove deletes key and returns the value it held.
func (c *LRU[K, V]) Remove(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.items.Peek(key)
	if !ok {
		return value, false
	}
	c.items.Remove(key)
	return value, true
}

// Range calls fn for every resident entry from oldest to newest until fn
// returns false. The access order is left untouched.
func (c *LRU[K, V]) Range(fn func(K, V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.items.Keys() {
		value, ok := c.items.Peek(key)
		if !ok {
			continue
		}
		if !fn(key, value) {
			return
		}
	}
}

// Sweep removes every entry for which evict returns true and reports how
// many entries were removed. The whole pass runs under the cache lock.
func (c *LRU[K, V]) Sweep(evict func(K, V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sweepLocked(evict)
}

// Locked runs fn while holding the cache lock. fn receives a sweep function
// bound to the held lock so that callers can pair their own bookkeeping with
// an eviction pass atomically.
func (c *LRU[K, V]) Locked(fn func(sweep func(evict func(K, V) bool) int)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn(c.sweepLocked)
}

func (c *LRU[K, V]) sweepLocked(evict func(K, V) bool) int {
	removed := 0
	for _, key := range c.items.Keys() {
		value, ok := c.items.Peek(key)
		if !ok {
			continue
		}
		if evict(key, value) {
			c.items.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of resident entries, including ones not yet found
// to be reclaimed.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.items.Len()
}

// Capacity returns the configured bound.
func (c *LRU[K, V]) Capacity() int {
	return c.capacity
}

// Purge removes every entry.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Purge()
}

// Stats returns a copy of the current counters.
func (c *LRU[K, V]) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}
