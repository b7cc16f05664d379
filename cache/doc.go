// Package cache provides the cache contracts used by the persistence unit.
//
// # Overview
//
// The package exports two families of caches:
//
//   - Cache: a bounded least-recently-used map. The persistence unit keeps
//     its entity cache, its query-result cache and every context's prepared
//     statement cache in one of these.
//   - CacheService: a read-through cache with a TTL, used to share parsed
//     query programs between contexts.
//
// # Reclaimable values
//
// A Cache built with WithValidator consults the validator on every read.
// Values the validator rejects are dropped and reported as a miss, which is
// how stale query chunks and timed-out entity snapshots disappear before the
// LRU policy would evict them:
//
//	chunks, err := cache.NewLRU[querycache.Key, *querycache.Chunk](1024,
//		cache.WithValidator[querycache.Key, *querycache.Chunk](func(c *querycache.Chunk) bool {
//			return c.IsValid()
//		}),
//	)
//
// # Invalidation sweeps
//
// Sweep walks every resident entry under the cache lock and evicts the ones
// the callback selects. Locked exposes the same sweep while letting the
// caller do its own bookkeeping inside the critical section:
//
//	entities.Locked(func(sweep func(func(entity.Key, *entity.Item) bool) int) {
//		table.Bump()
//		sweep(func(_ entity.Key, item *entity.Item) bool {
//			return item.Table() == table.Name()
//		})
//	})
//
// # Key serialization
//
// The default KeySerializer renders bound parameters deterministically and
// tags every scalar with its kind, so int 1 and string "1" produce different
// keys:
//
//	serializer := cache.NewDefaultKeySerializer()
//	key := serializer.SerializeKey("params", 1, "1") // params::int:1::string:1
//
// Maps are rendered with sorted keys, structs with their exported fields and
// time values in UTC.
package cache
