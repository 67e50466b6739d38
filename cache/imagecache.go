package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-imaging/eventing"
	"github.com/agentuity/go-imaging/logger"
	"github.com/cockroachdb/errors"
)

type entry struct {
	key         string
	promise     *Promise
	sequence    uint64
	sizeInBytes int64
	settled     bool
	value       Image
	addedAt     time.Time
	elem        *list.Element
}

// ImageCache is a byte-budgeted store of image promises keyed by image id.
//
// Entries are kept in insertion order. When a settled load pushes the ledger
// over budget, the oldest settled entries are evicted first; pending entries
// are never evicted. All ledger mutations happen under a single mutex;
// release hooks and notifications run after it is released.
type ImageCache struct {
	ctx                context.Context
	mu                 sync.Mutex
	entries            map[string]*entry
	order              *list.List
	nextSequence       uint64
	maximumSizeInBytes int64
	cacheSizeInBytes   int64
	closed             bool
	events             eventing.Client
	ownsEvents         bool
	logger             logger.Logger
	metrics            *metrics
}

// New returns an empty ImageCache. Notifications are published with ctx.
func New(ctx context.Context, opts ...Option) (*ImageCache, error) {
	cfg := applyOptions(opts)
	m, err := newMetrics(cfg.registerer)
	if err != nil {
		return nil, errors.Wrap(err, "registering cache metrics")
	}
	c := &ImageCache{
		ctx:                ctx,
		entries:            make(map[string]*entry),
		order:              list.New(),
		maximumSizeInBytes: cfg.maximumSizeInBytes,
		events:             cfg.events,
		logger:             cfg.logger.WithPrefix("[imagecache]"),
		metrics:            m,
	}
	if c.events == nil {
		c.events = eventing.NewMemoryClient(cfg.logger)
		c.ownsEvents = true
	}
	c.metrics.observe(c.infoLocked())
	return c, nil
}

// Events returns the client notifications are published on.
func (c *ImageCache) Events() eventing.Client {
	return c.events
}

// OnPromiseRemoved subscribes fn to this cache's removal notifications.
func (c *ImageCache) OnPromiseRemoved(ctx context.Context, fn func(ctx context.Context, ev PromiseRemovedEvent)) (eventing.Subscriber, error) {
	return OnPromiseRemoved(ctx, c.events, fn)
}

// OnCacheFull subscribes fn to this cache's cache full notifications.
func (c *ImageCache) OnCacheFull(ctx context.Context, fn func(ctx context.Context, info Info)) (eventing.Subscriber, error) {
	return OnCacheFull(ctx, c.events, fn)
}

// SetMaximumSizeBytes changes the byte budget. Nothing is evicted until the
// next load settles.
func (c *ImageCache) SetMaximumSizeBytes(n int64) error {
	if n < 0 {
		return errors.Wrapf(ErrInvalidArgument, "maximum size %d must not be negative", n)
	}
	c.mu.Lock()
	c.maximumSizeInBytes = n
	c.metrics.observe(c.infoLocked())
	c.mu.Unlock()
	c.logger.Info("maximum size set to %d bytes", n)
	return nil
}

// PutImagePromise adds a pending load under key. When p resolves, the
// image's size is added to the ledger and the eviction pass runs; when p
// rejects, the entry is dropped without residue.
func (c *ImageCache) PutImagePromise(key string, p *Promise) error {
	if key == "" {
		return errors.Wrap(ErrInvalidArgument, "key is required")
	}
	if p == nil {
		return errors.Wrapf(ErrInvalidArgument, "promise for %q is required", key)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return errors.Mark(errors.Wrapf(ErrConflict, "image %q", key), ErrInvalidArgument)
	}
	c.nextSequence++
	e := &entry{
		key:      key,
		promise:  p,
		sequence: c.nextSequence,
		addedAt:  time.Now(),
	}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
	c.metrics.observe(c.infoLocked())
	c.mu.Unlock()

	c.logger.Trace("put %s (sequence %d)", key, e.sequence)
	p.Then(
		func(img Image) { c.settle(e, img) },
		func(err error) { c.fail(e, err) },
	)
	return nil
}

// GetImagePromise returns the promise stored under key. A miss is not an error.
func (c *ImageCache) GetImagePromise(key string) (*Promise, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.promise, true
}

// LoadImage waits for the image stored under key.
func (c *ImageCache) LoadImage(ctx context.Context, key string) (Image, error) {
	p, ok := c.GetImagePromise(key)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "image %q", key)
	}
	img, err := p.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, errors.Mark(errors.Wrapf(err, "image %q", key), ErrLoadFailed)
	}
	return img, nil
}

// RemoveImagePromise removes key, releasing its image if it has settled. A
// pending load is not cancelled; its eventual result is ignored.
func (c *ImageCache) RemoveImagePromise(key string) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "image %q", key)
	}
	c.removeLocked(e)
	c.metrics.observe(c.infoLocked())
	c.mu.Unlock()

	c.logger.Debug("removed %s (%d bytes)", key, e.sizeInBytes)
	release(e)
	c.publish([]notification{removedNotification(key, ReasonRemoved)})
	return nil
}

// ChangeImageIDCacheSize replaces the size recorded for a settled entry. It
// never triggers eviction.
func (c *ImageCache) ChangeImageIDCacheSize(key string, newSizeInBytes int64) error {
	if newSizeInBytes < 0 {
		return errors.Wrapf(ErrInvalidArgument, "size %d must not be negative", newSizeInBytes)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return errors.Wrapf(ErrNotFound, "image %q", key)
	}
	if !e.settled {
		return errors.Wrapf(ErrInvalidArgument, "image %q has not settled", key)
	}
	c.cacheSizeInBytes += newSizeInBytes - e.sizeInBytes
	e.sizeInBytes = newSizeInBytes
	c.metrics.observe(c.infoLocked())
	return nil
}

// GetCacheInfo returns a snapshot of the ledger.
func (c *ImageCache) GetCacheInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoLocked()
}

// Keys returns the cached keys in insertion order.
func (c *ImageCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// PurgeCache removes every entry in insertion order, releasing settled images.
// The byte budget is kept.
func (c *ImageCache) PurgeCache() {
	c.mu.Lock()
	removed := make([]*entry, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		removed = append(removed, el.Value.(*entry))
	}
	for _, e := range removed {
		c.removeLocked(e)
	}
	c.metrics.observe(c.infoLocked())
	c.mu.Unlock()

	notifications := make([]notification, 0, len(removed))
	for _, e := range removed {
		release(e)
		notifications = append(notifications, removedNotification(e.key, ReasonPurged))
	}
	if len(removed) > 0 {
		c.logger.Debug("purged %d entries", len(removed))
	}
	c.publish(notifications)
}

// Close purges the cache and closes the notification client if the cache
// created it. Further puts fail with ErrClosed.
func (c *ImageCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.PurgeCache()
	if c.ownsEvents {
		return c.events.Close()
	}
	return nil
}

func (c *ImageCache) settle(e *entry, img Image) {
	if img == nil {
		c.fail(e, errors.New("resolved without an image"))
		return
	}
	size := img.SizeInBytes()
	if size < 0 {
		c.fail(e, errors.Wrapf(ErrInvalidArgument, "declared size %d is negative", size))
		return
	}

	c.mu.Lock()
	if c.entries[e.key] != e {
		c.mu.Unlock()
		c.logger.Trace("ignoring settle of removed entry %s", e.key)
		return
	}
	e.settled = true
	e.value = img
	e.sizeInBytes = size
	c.cacheSizeInBytes += size

	full := c.cacheSizeInBytes >= c.maximumSizeInBytes
	var evicted []*entry
	for c.cacheSizeInBytes > c.maximumSizeInBytes {
		victim := c.oldestSettledLocked(e)
		if victim == nil {
			break
		}
		c.removeLocked(victim)
		c.metrics.evictions.Inc()
		evicted = append(evicted, victim)
	}
	info := c.infoLocked()
	c.metrics.observe(info)
	c.mu.Unlock()

	c.logger.Trace("settled %s (%d bytes)", e.key, size)
	notifications := make([]notification, 0, len(evicted)+1)
	for _, v := range evicted {
		c.logger.Debug("evicted %s (%d bytes, sequence %d)", v.key, v.sizeInBytes, v.sequence)
		release(v)
		notifications = append(notifications, removedNotification(v.key, ReasonEvicted))
	}
	if full {
		if info.CacheSizeInBytes > info.MaximumSizeInBytes {
			c.logger.Warn("cache over budget with only pending entries left: %d of %d bytes", info.CacheSizeInBytes, info.MaximumSizeInBytes)
		}
		notifications = append(notifications, fullNotification(info))
	}
	c.publish(notifications)
}

func (c *ImageCache) fail(e *entry, err error) {
	c.mu.Lock()
	if c.entries[e.key] != e {
		c.mu.Unlock()
		return
	}
	c.removeLocked(e)
	c.metrics.loadFailures.Inc()
	c.metrics.observe(c.infoLocked())
	c.mu.Unlock()

	err = errors.Mark(err, ErrLoadFailed)
	c.logger.Warn("load of %s failed: %s", e.key, err)
	c.publish([]notification{removedNotification(e.key, ReasonFailed)})
}

// oldestSettledLocked returns the settled entry with the lowest sequence,
// skipping except.
func (c *ImageCache) oldestSettledLocked(except *entry) *entry {
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.settled && e != except {
			return e
		}
	}
	return nil
}

func (c *ImageCache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.order.Remove(e.elem)
	if e.settled {
		c.cacheSizeInBytes -= e.sizeInBytes
	}
}

func (c *ImageCache) infoLocked() Info {
	return Info{
		NumberOfEntries:    len(c.entries),
		CacheSizeInBytes:   c.cacheSizeInBytes,
		MaximumSizeInBytes: c.maximumSizeInBytes,
	}
}

func release(e *entry) {
	if !e.settled {
		return
	}
	if r, ok := e.value.(Releaser); ok {
		r.Release()
	}
}
