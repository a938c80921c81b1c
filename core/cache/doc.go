// Package cache provides a small key-value cache interface with an LRU
// implementation and per-entry TTL.
//
// The projector keeps the ids of recently handled events in an LRU so a
// notification that races with catch-up is not applied twice:
//
//	seen := cache.NewTyped[uint64](cache.NewLRU(cache.LRUOpts{Size: 1024}))
//	seen.Put(ev.ID, ev.Sequence)
//	if _, dup := seen.Get(ev.ID); dup {
//	    // skip
//	}
//
// [Nop] never stores anything and disables deduplication.
package cache
