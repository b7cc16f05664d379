package cache

import "github.com/goliatone/go-persistence/internal/cacheinfra"

// Cache is a bounded key/value store with least-recently-used eviction.
//
// A value may stop being readable before it is evicted: the owner decides
// through a validator which values have been reclaimed, and Get treats a
// reclaimed value exactly like a miss.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Peek(key K) (V, bool)
	Put(key K, value V)
	// PutIfAbsent stores value unless key already holds a live value and
	// returns the resident value with true when it did.
	PutIfAbsent(key K, value V) (V, bool)
	// PutIfAbsentFunc is PutIfAbsent gated by admit, evaluated under the
	// cache lock.
	PutIfAbsentFunc(key K, value V, admit func() bool) (V, bool)
	Remove(key K) (V, bool)
	Range(fn func(K, V) bool)
	// Sweep evicts every entry for which evict returns true, under the
	// cache lock, and returns the number of evicted entries.
	Sweep(evict func(K, V) bool) int
	// Locked runs fn under the cache lock with a sweep bound to it.
	Locked(fn func(sweep func(evict func(K, V) bool) int))
	Len() int
	Capacity() int
	Purge()
	Stats() Stats
}

// Stats holds cache counters.
type Stats = cacheinfra.LRUStats

// LRUOption configures NewLRU.
type LRUOption[K comparable, V any] func(*lruOptions[K, V])

type lruOptions[K comparable, V any] struct {
	onEvict func(K, V)
	valid   func(V) bool
}

// WithEvictCallback registers fn to run whenever an entry leaves the cache.
// It runs under the cache lock and must not call back into the cache.
func WithEvictCallback[K comparable, V any](fn func(K, V)) LRUOption[K, V] {
	return func(o *lruOptions[K, V]) {
		o.onEvict = fn
	}
}

// WithValidator registers the reclaim check consulted on every read.
func WithValidator[K comparable, V any](fn func(V) bool) LRUOption[K, V] {
	return func(o *lruOptions[K, V]) {
		o.valid = fn
	}
}

// NewLRU builds the default Cache. capacity must be at least 1.
func NewLRU[K comparable, V any](capacity int, opts ...LRUOption[K, V]) (Cache[K, V], error) {
	var o lruOptions[K, V]
	for _, opt := range opts {
		opt(&o)
	}

	c, err := cacheinfra.NewLRU[K, V](capacity, o.onEvict, o.valid)
	if err != nil {
		return nil, err
	}
	return c, nil
}
