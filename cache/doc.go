// Package cache holds decoded images under a byte budget.
//
// # Ledger
//
// An [ImageCache] maps image ids to [Promise] values. A promise is stored as
// soon as the decode starts; its size counts against the budget only once it
// resolves. At most one entry exists per key: a second [ImageCache.PutImagePromise]
// for a present key fails with [ErrConflict] rather than replacing it.
//
//	c, err := cache.New(ctx, cache.WithMaximumSizeBytes(512<<20))
//	p := cache.Go(ctx, decode)           // or cache.NewPromise() + Resolve/Reject
//	err = c.PutImagePromise("imageId-0", p)
//	img, err := c.LoadImage(ctx, "imageId-0")
//
// The ledger invariant is that [Info.CacheSizeInBytes] always equals the sum
// of the sizes of settled entries, and [Info.NumberOfEntries] counts pending
// and settled entries alike.
//
// # Eviction
//
// Eviction runs only when a load settles. While the ledger is over budget the
// settled entry with the lowest insertion sequence is removed, its image's
// Release method (see [Releaser]) is called and a removal notification is
// published. Ordering is by insertion, not by access, and is independent of
// the order in which loads settle. The entry that triggered the pass and
// pending entries are never evicted, so the ledger can stay over budget when
// only pending entries remain.
//
// A rejected load removes its own entry and contributes nothing to the
// ledger. The error is reported through the promise and the log only.
//
// # Notifications
//
// Notifications are msgpack payloads published on an [eventing.Client]:
//
//   - [SubjectPromiseRemoved] once per removed, evicted, purged or failed entry.
//   - [SubjectCacheFull] once per settle that brought the ledger to or over
//     budget, carrying the post-eviction [Info].
//
// They are published after the ledger lock is released, so subscribers may
// call back into the cache. By default the cache publishes on a private
// in-process client whose delivery is synchronous; use [WithEvents] to share
// a client, and [eventing.Forward] to mirror notifications to Redis.
//
// # Metrics
//
// [WithRegisterer] exposes the ledger as Prometheus gauges
// (imaging_cache_entries, imaging_cache_bytes, imaging_cache_maximum_bytes)
// and counters (imaging_cache_evictions_total, imaging_cache_load_failures_total).
package cache
