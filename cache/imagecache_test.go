package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-imaging/eventing"
	"github.com/agentuity/go-imaging/logger"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type testImage struct {
	size     int64
	releases atomic.Int32
}

func newTestImage(size int64) *testImage {
	return &testImage{size: size}
}

func (i *testImage) SizeInBytes() int64 { return i.size }
func (i *testImage) Release()           { i.releases.Add(1) }

// sizedOnly has no release hook.
type sizedOnly int64

func (s sizedOnly) SizeInBytes() int64 { return int64(s) }

type recorder struct {
	mu      sync.Mutex
	removed []PromiseRemovedEvent
	full    []Info
}

func (r *recorder) removedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.removed))
	for _, ev := range r.removed {
		keys = append(keys, ev.Key)
	}
	return keys
}

func (r *recorder) fullInfos() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Info(nil), r.full...)
}

func newTestCache(t *testing.T, opts ...Option) (*ImageCache, *recorder) {
	t.Helper()
	ctx := context.Background()
	opts = append([]Option{WithLogger(logger.NewTestLogger())}, opts...)
	c, err := New(ctx, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	rec := &recorder{}
	_, err = c.OnPromiseRemoved(ctx, func(ctx context.Context, ev PromiseRemovedEvent) {
		rec.mu.Lock()
		rec.removed = append(rec.removed, ev)
		rec.mu.Unlock()
	})
	require.NoError(t, err)
	_, err = c.OnCacheFull(ctx, func(ctx context.Context, info Info) {
		rec.mu.Lock()
		rec.full = append(rec.full, info)
		rec.mu.Unlock()
	})
	require.NoError(t, err)
	return c, rec
}

func putResolved(t *testing.T, c *ImageCache, key string, size int64) *testImage {
	t.Helper()
	img := newTestImage(size)
	p := NewPromise()
	require.NoError(t, c.PutImagePromise(key, p))
	p.Resolve(img)
	return img
}

func TestSetMaximumSizeBytes(t *testing.T) {
	c, _ := newTestCache(t)
	assert.Equal(t, DefaultMaximumSizeBytes, c.GetCacheInfo().MaximumSizeInBytes)

	require.NoError(t, c.SetMaximumSizeBytes(1024*1024*1024))
	assert.Equal(t, int64(1024*1024*1024), c.GetCacheInfo().MaximumSizeInBytes)

	err := c.SetMaximumSizeBytes(-1)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, int64(1024*1024*1024), c.GetCacheInfo().MaximumSizeInBytes)
}

func TestPutImagePromiseResolve(t *testing.T) {
	c, _ := newTestCache(t)
	p := NewPromise()
	require.NoError(t, c.PutImagePromise("anImageId", p))

	info := c.GetCacheInfo()
	assert.Equal(t, 1, info.NumberOfEntries)
	assert.Equal(t, int64(0), info.CacheSizeInBytes)

	p.Resolve(newTestImage(100))
	info = c.GetCacheInfo()
	assert.Equal(t, 1, info.NumberOfEntries)
	assert.Equal(t, int64(100), info.CacheSizeInBytes)
}

func TestPutImagePromiseAlreadyResolved(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.PutImagePromise("anImageId", Resolved(sizedOnly(64))))
	assert.Equal(t, int64(64), c.GetCacheInfo().CacheSizeInBytes)
}

func TestPutImagePromiseInvalid(t *testing.T) {
	c, _ := newTestCache(t)
	assert.True(t, errors.Is(c.PutImagePromise("", NewPromise()), ErrInvalidArgument))
	assert.True(t, errors.Is(c.PutImagePromise("x", nil), ErrInvalidArgument))
	assert.Equal(t, 0, c.GetCacheInfo().NumberOfEntries)
}

func TestPutImagePromiseConflict(t *testing.T) {
	c, _ := newTestCache(t)
	p := NewPromise()
	require.NoError(t, c.PutImagePromise("x", p))

	err := c.PutImagePromise("x", p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	other := NewPromise()
	assert.True(t, errors.Is(c.PutImagePromise("x", other), ErrConflict))

	got, ok := c.GetImagePromise("x")
	require.True(t, ok)
	assert.Same(t, p, got)
	assert.Equal(t, 1, c.GetCacheInfo().NumberOfEntries)

	require.NoError(t, c.RemoveImagePromise("x"))
	assert.NoError(t, c.PutImagePromise("x", other))
}

func TestGetImagePromise(t *testing.T) {
	c, _ := newTestCache(t)
	p := NewPromise()
	require.NoError(t, c.PutImagePromise("anImageId", p))

	got, ok := c.GetImagePromise("anImageId")
	assert.True(t, ok)
	assert.Same(t, p, got)

	got, ok = c.GetImagePromise("AnImageIdNotInCache")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestRemovePendingImagePromise(t *testing.T) {
	c, rec := newTestCache(t)
	p := NewPromise()
	require.NoError(t, c.PutImagePromise("anImageId", p))

	require.NoError(t, c.RemoveImagePromise("anImageId"))
	assert.Equal(t, Info{MaximumSizeInBytes: DefaultMaximumSizeBytes}, c.GetCacheInfo())
	assert.Equal(t, []string{"anImageId"}, rec.removedKeys())

	// the load finishes after removal and is ignored
	img := newTestImage(100)
	p.Resolve(img)
	assert.Equal(t, Info{MaximumSizeInBytes: DefaultMaximumSizeBytes}, c.GetCacheInfo())
	assert.Equal(t, int32(0), img.releases.Load())
	assert.Len(t, rec.removedKeys(), 1)
	assert.Empty(t, rec.fullInfos())
}

func TestRemoveSettledImagePromise(t *testing.T) {
	c, rec := newTestCache(t)
	img := putResolved(t, c, "anImageId", 100)

	require.NoError(t, c.RemoveImagePromise("anImageId"))
	assert.Equal(t, int32(1), img.releases.Load())
	info := c.GetCacheInfo()
	assert.Equal(t, 0, info.NumberOfEntries)
	assert.Equal(t, int64(0), info.CacheSizeInBytes)
	require.Len(t, rec.removed, 1)
	assert.Equal(t, PromiseRemovedEvent{Key: "anImageId", Reason: "removed"}, rec.removed[0])

	err := c.RemoveImagePromise("anImageId")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, int32(1), img.releases.Load())
}

func TestRemoveMissing(t *testing.T) {
	c, rec := newTestCache(t)
	err := c.RemoveImagePromise("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Empty(t, rec.removedKeys())
}

func TestChangeImageIDCacheSize(t *testing.T) {
	c, _ := newTestCache(t)
	putResolved(t, c, "anImageId", 100)

	require.NoError(t, c.ChangeImageIDCacheSize("anImageId", 500))
	info := c.GetCacheInfo()
	assert.Equal(t, 1, info.NumberOfEntries)
	assert.Equal(t, int64(500), info.CacheSizeInBytes)

	assert.True(t, errors.Is(c.ChangeImageIDCacheSize("anImageId", -1), ErrInvalidArgument))
	assert.True(t, errors.Is(c.ChangeImageIDCacheSize("missing", 10), ErrNotFound))

	require.NoError(t, c.PutImagePromise("pending", NewPromise()))
	assert.True(t, errors.Is(c.ChangeImageIDCacheSize("pending", 10), ErrInvalidArgument))
	assert.Equal(t, int64(500), c.GetCacheInfo().CacheSizeInBytes)
}

func TestChangeImageIDCacheSizeDoesNotEvict(t *testing.T) {
	c, rec := newTestCache(t, WithMaximumSizeBytes(200))
	putResolved(t, c, "a", 100)
	putResolved(t, c, "b", 100)

	require.NoError(t, c.ChangeImageIDCacheSize("a", 1000))
	assert.Equal(t, int64(1100), c.GetCacheInfo().CacheSizeInBytes)
	assert.Empty(t, rec.removedKeys())
}

func TestPurgeCache(t *testing.T) {
	c, rec := newTestCache(t, WithMaximumSizeBytes(5000))
	a := putResolved(t, c, "a", 100)
	require.NoError(t, c.PutImagePromise("pending", NewPromise()))
	b := putResolved(t, c, "b", 200)

	c.PurgeCache()
	assert.Equal(t, Info{MaximumSizeInBytes: 5000}, c.GetCacheInfo())
	assert.Equal(t, int32(1), a.releases.Load())
	assert.Equal(t, int32(1), b.releases.Load())
	assert.Equal(t, []string{"a", "pending", "b"}, rec.removedKeys())
	for _, ev := range rec.removed {
		assert.Equal(t, "purged", ev.Reason)
	}
	assert.Empty(t, c.Keys())

	c.PurgeCache()
	assert.Equal(t, int32(1), a.releases.Load())
}

func TestEvictOldestImage(t *testing.T) {
	c, rec := newTestCache(t)
	require.NoError(t, c.SetMaximumSizeBytes(1000))

	images := make([]*testImage, 10)
	for i := 0; i < 10; i++ {
		images[i] = putResolved(t, c, fmt.Sprintf("imageId-%d", i), 100)
	}
	info := c.GetCacheInfo()
	assert.Equal(t, 10, info.NumberOfEntries)
	assert.Equal(t, int64(1000), info.CacheSizeInBytes)
	assert.Empty(t, rec.removedKeys())
	// the tenth image brought the ledger to the budget
	require.Len(t, rec.fullInfos(), 1)

	putResolved(t, c, "imageId-11", 100)

	assert.Equal(t, []string{"imageId-0"}, rec.removedKeys())
	assert.Equal(t, "evicted", rec.removed[0].Reason)
	full := rec.fullInfos()
	require.Len(t, full, 2)
	assert.Equal(t, Info{NumberOfEntries: 10, CacheSizeInBytes: 1000, MaximumSizeInBytes: 1000}, full[1])
	assert.Equal(t, full[1], c.GetCacheInfo())
	assert.Equal(t, int32(1), images[0].releases.Load())
	for _, img := range images[1:] {
		assert.Equal(t, int32(0), img.releases.Load())
	}

	_, ok := c.GetImagePromise("imageId-0")
	assert.False(t, ok)
	_, ok = c.GetImagePromise("imageId-11")
	assert.True(t, ok)
}

func TestEvictionFollowsInsertionOrderNotSettlement(t *testing.T) {
	c, rec := newTestCache(t, WithMaximumSizeBytes(250))
	pa, pb, pc := NewPromise(), NewPromise(), NewPromise()
	require.NoError(t, c.PutImagePromise("a", pa))
	require.NoError(t, c.PutImagePromise("b", pb))
	require.NoError(t, c.PutImagePromise("c", pc))

	pc.Resolve(newTestImage(100))
	pb.Resolve(newTestImage(100))
	// a is the oldest but triggers the pass, so b is the oldest candidate
	pa.Resolve(newTestImage(100))

	assert.Equal(t, []string{"b"}, rec.removedKeys())
	assert.Equal(t, []string{"a", "c"}, c.Keys())
	assert.Equal(t, int64(200), c.GetCacheInfo().CacheSizeInBytes)
}

func TestEvictionSkipsPendingEntries(t *testing.T) {
	c, rec := newTestCache(t, WithMaximumSizeBytes(100))
	pending := NewPromise()
	require.NoError(t, c.PutImagePromise("pending", pending))
	putResolved(t, c, "big", 150)

	// nothing settled can be evicted except the trigger itself
	assert.Empty(t, rec.removedKeys())
	info := c.GetCacheInfo()
	assert.Equal(t, 2, info.NumberOfEntries)
	assert.Equal(t, int64(150), info.CacheSizeInBytes)
	require.Len(t, rec.fullInfos(), 1)
	assert.Equal(t, info, rec.fullInfos()[0])

	pending.Resolve(newTestImage(10))
	assert.Equal(t, []string{"big"}, rec.removedKeys())
	assert.Equal(t, Info{NumberOfEntries: 1, CacheSizeInBytes: 10, MaximumSizeInBytes: 100}, c.GetCacheInfo())
}

func TestEvictionRemovesSeveralEntries(t *testing.T) {
	c, rec := newTestCache(t, WithMaximumSizeBytes(300))
	for i := 0; i < 3; i++ {
		putResolved(t, c, fmt.Sprintf("imageId-%d", i), 100)
	}
	putResolved(t, c, "large", 250)

	assert.Equal(t, []string{"imageId-0", "imageId-1", "imageId-2"}, rec.removedKeys())
	assert.Equal(t, Info{NumberOfEntries: 1, CacheSizeInBytes: 250, MaximumSizeInBytes: 300}, c.GetCacheInfo())
}

func TestLoweredBudgetAppliesOnNextSettle(t *testing.T) {
	c, rec := newTestCache(t, WithMaximumSizeBytes(1000))
	for i := 0; i < 5; i++ {
		putResolved(t, c, fmt.Sprintf("imageId-%d", i), 100)
	}
	require.NoError(t, c.SetMaximumSizeBytes(200))
	assert.Equal(t, int64(500), c.GetCacheInfo().CacheSizeInBytes)
	assert.Empty(t, rec.removedKeys())

	putResolved(t, c, "imageId-5", 100)
	assert.Equal(t, []string{"imageId-0", "imageId-1", "imageId-2", "imageId-3"}, rec.removedKeys())
	assert.Equal(t, []string{"imageId-4", "imageId-5"}, c.Keys())
	assert.Equal(t, int64(200), c.GetCacheInfo().CacheSizeInBytes)
}

func TestFailedLoadLeavesNoResidue(t *testing.T) {
	log := logger.NewTestLogger()
	c, rec := newTestCache(t, WithLogger(log), WithMaximumSizeBytes(1000))
	putResolved(t, c, "ok", 100)

	p := NewPromise()
	require.NoError(t, c.PutImagePromise("broken", p))
	p.Reject(errors.New("unsupported transfer syntax"))

	assert.Equal(t, Info{NumberOfEntries: 1, CacheSizeInBytes: 100, MaximumSizeInBytes: 1000}, c.GetCacheInfo())
	_, ok := c.GetImagePromise("broken")
	assert.False(t, ok)
	require.Len(t, rec.removed, 1)
	assert.Equal(t, PromiseRemovedEvent{Key: "broken", Reason: "failed"}, rec.removed[0])
	assert.True(t, log.Contains("WARNING", "unsupported transfer syntax"))

	// the key can be loaded again
	assert.NoError(t, c.PutImagePromise("broken", Resolved(sizedOnly(1))))
}

func TestInvalidResolvedImageTreatedAsFailure(t *testing.T) {
	c, rec := newTestCache(t)
	require.NoError(t, c.PutImagePromise("nil", Resolved(nil)))
	require.NoError(t, c.PutImagePromise("negative", Resolved(sizedOnly(-5))))

	assert.Equal(t, 0, c.GetCacheInfo().NumberOfEntries)
	assert.Equal(t, []string{"nil", "negative"}, rec.removedKeys())
}

func TestLateSettleOfReplacedKeyIgnored(t *testing.T) {
	c, _ := newTestCache(t)
	old := NewPromise()
	require.NoError(t, c.PutImagePromise("x", old))
	require.NoError(t, c.RemoveImagePromise("x"))

	current := NewPromise()
	require.NoError(t, c.PutImagePromise("x", current))
	old.Reject(errors.New("late failure"))
	old.Resolve(newTestImage(100))

	got, ok := c.GetImagePromise("x")
	require.True(t, ok)
	assert.Same(t, current, got)
	assert.Equal(t, int64(0), c.GetCacheInfo().CacheSizeInBytes)
}

func TestLoadImage(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	img := newTestImage(10)
	require.NoError(t, c.PutImagePromise("slow", Go(ctx, func(ctx context.Context) (Image, error) {
		time.Sleep(5 * time.Millisecond)
		return img, nil
	})))

	got, err := c.LoadImage(ctx, "slow")
	require.NoError(t, err)
	assert.Same(t, img, got)

	_, err = c.LoadImage(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, c.PutImagePromise("never", NewPromise()))
	tctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	_, err = c.LoadImage(tctx, "never")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestListenersMayCallBackIntoCache(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, WithMaximumSizeBytes(100))
	var seen []Info
	_, err := c.OnCacheFull(ctx, func(ctx context.Context, info Info) {
		seen = append(seen, c.GetCacheInfo())
	})
	require.NoError(t, err)
	_, err = c.OnPromiseRemoved(ctx, func(ctx context.Context, ev PromiseRemovedEvent) {
		_, ok := c.GetImagePromise(ev.Key)
		assert.False(t, ok)
	})
	require.NoError(t, err)

	putResolved(t, c, "a", 100)
	putResolved(t, c, "b", 100)
	require.Len(t, seen, 2)
	assert.Equal(t, Info{NumberOfEntries: 1, CacheSizeInBytes: 100, MaximumSizeInBytes: 100}, seen[1])
}

func TestConcurrentPuts(t *testing.T) {
	c, rec := newTestCache(t, WithMaximumSizeBytes(500))
	images := make([]*testImage, 100)
	var g errgroup.Group
	for i := range images {
		images[i] = newTestImage(10)
		g.Go(func() error {
			p := NewPromise()
			if err := c.PutImagePromise(fmt.Sprintf("imageId-%d", i), p); err != nil {
				return err
			}
			p.Resolve(images[i])
			return nil
		})
	}
	require.NoError(t, g.Wait())

	info := c.GetCacheInfo()
	assert.Equal(t, 50, info.NumberOfEntries)
	assert.Equal(t, int64(500), info.CacheSizeInBytes)
	assert.Len(t, c.Keys(), 50)
	assert.Len(t, rec.removedKeys(), 50)

	var released int32
	for _, img := range images {
		n := img.releases.Load()
		assert.LessOrEqual(t, n, int32(1))
		released += n
	}
	assert.Equal(t, int32(50), released)
}

func TestClose(t *testing.T) {
	c, err := New(context.Background(), WithLogger(logger.NewTestLogger()))
	require.NoError(t, err)
	img := newTestImage(10)
	require.NoError(t, c.PutImagePromise("a", Resolved(img)))

	require.NoError(t, c.Close())
	assert.Equal(t, int32(1), img.releases.Load())
	assert.Equal(t, 0, c.GetCacheInfo().NumberOfEntries)
	assert.True(t, errors.Is(c.PutImagePromise("b", NewPromise()), ErrClosed))
	assert.ErrorIs(t, c.Events().Publish(context.Background(), SubjectCacheFull, nil), eventing.ErrClosed)
	assert.NoError(t, c.Close())
}

func TestSharedEventsClientNotClosed(t *testing.T) {
	ctx := context.Background()
	events := eventing.NewMemoryClient(logger.NewTestLogger())
	defer events.Close()

	c, err := New(ctx, WithLogger(logger.NewTestLogger()), WithEvents(events))
	require.NoError(t, err)
	assert.Same(t, events, c.Events())

	var removed []string
	_, err = OnPromiseRemoved(ctx, events, func(ctx context.Context, ev PromiseRemovedEvent) {
		removed = append(removed, ev.Key)
	})
	require.NoError(t, err)

	require.NoError(t, c.PutImagePromise("a", Resolved(sizedOnly(1))))
	require.NoError(t, c.Close())
	assert.Equal(t, []string{"a"}, removed)
	assert.NoError(t, events.Publish(ctx, SubjectCacheFull, nil))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, _ := newTestCache(t, WithRegisterer(reg), WithMaximumSizeBytes(200))

	putResolved(t, c, "a", 100)
	putResolved(t, c, "b", 100)
	putResolved(t, c, "c", 100)
	require.NoError(t, c.PutImagePromise("d", Rejected(errors.New("bad"))))

	assert.Equal(t, float64(2), testutil.ToFloat64(c.metrics.entries))
	assert.Equal(t, float64(200), testutil.ToFloat64(c.metrics.bytes))
	assert.Equal(t, float64(200), testutil.ToFloat64(c.metrics.maximumBytes))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.evictions))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.loadFailures))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	_, err = New(context.Background(), WithLogger(logger.NewTestLogger()), WithRegisterer(reg))
	assert.Error(t, err)
}

func TestDecodeNotifications(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, WithMaximumSizeBytes(100))

	var raw [][]byte
	_, err := c.Events().Subscribe(ctx, SubjectCacheFull, func(ctx context.Context, msg eventing.Message) {
		raw = append(raw, msg.Data())
	})
	require.NoError(t, err)
	var removedRaw [][]byte
	_, err = c.Events().Subscribe(ctx, SubjectPromiseRemoved, func(ctx context.Context, msg eventing.Message) {
		removedRaw = append(removedRaw, msg.Data())
	})
	require.NoError(t, err)

	putResolved(t, c, "a", 100)
	putResolved(t, c, "b", 50)

	require.Len(t, raw, 2)
	info, err := DecodeCacheFull(raw[1])
	require.NoError(t, err)
	assert.Equal(t, Info{NumberOfEntries: 1, CacheSizeInBytes: 50, MaximumSizeInBytes: 100}, info)

	require.Len(t, removedRaw, 1)
	ev, err := DecodePromiseRemoved(removedRaw[0])
	require.NoError(t, err)
	assert.Equal(t, PromiseRemovedEvent{Key: "a", Reason: "evicted"}, ev)

	_, err = DecodeCacheFull([]byte{0xc1})
	assert.Error(t, err)
}
