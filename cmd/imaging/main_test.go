package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-imaging/cache"
	"github.com/agentuity/go-imaging/eventing"
	"github.com/agentuity/go-imaging/logger"
	"github.com/agentuity/go-imaging/tui"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	originalHasTTY := tui.HasTTY
	tui.HasTTY = false
	t.Cleanup(func() { tui.HasTTY = originalHasTTY })
	for _, key := range []string{"IMAGING_CACHE_MAX_SIZE", "IMAGING_REDIS_URL", logger.EnvLogLevel} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLUTCommand(t *testing.T) {
	out, err := execute(t, "lut", "--min", "-2", "--max", "2", "--width", "4", "--center", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "5 entries, offset -2")
	for _, v := range []string{"64", "128", "191", "255"} {
		assert.Contains(t, out, v)
	}

	out, err = execute(t, "lut", "--min", "0", "--max", "255", "--width", "256", "--center", "128", "--step", "100", "--invert")
	require.NoError(t, err)
	assert.Contains(t, out, "256 entries, offset 0")
	assert.Contains(t, out, "255")
}

func TestLUTCommandErrors(t *testing.T) {
	_, err := execute(t, "lut", "--min", "5", "--max", "1")
	assert.Error(t, err)
	_, err = execute(t, "lut", "--width", "0")
	assert.Error(t, err)
	_, err = execute(t, "lut", "--step", "0")
	assert.Error(t, err)
	_, err = execute(t, "lut", "extra")
	assert.Error(t, err)
}

func newSimulationCache(t *testing.T, budget int64) *cache.ImageCache {
	t.Helper()
	c, err := cache.New(context.Background(), cache.WithMaximumSizeBytes(budget), cache.WithLogger(logger.NewTestLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSimulateEvictsOldest(t *testing.T) {
	c := newSimulationCache(t, 1000)
	result, err := simulate(context.Background(), logger.NewTestLogger(), c, simulateOptions{images: 11, size: 100, concurrency: 1})
	require.NoError(t, err)

	assert.Equal(t, []cache.PromiseRemovedEvent{{Key: "imageId-0", Reason: cache.ReasonEvicted}}, result.removed)
	assert.Equal(t, 2, result.full)
	assert.Equal(t, cache.Info{NumberOfEntries: 10, CacheSizeInBytes: 1000, MaximumSizeInBytes: 1000}, result.info)
	require.Len(t, result.keys, 10)
	assert.Equal(t, "imageId-1", result.keys[0])
	assert.Equal(t, "imageId-10", result.keys[9])
}

func TestSimulateFailures(t *testing.T) {
	c := newSimulationCache(t, 1<<20)
	result, err := simulate(context.Background(), logger.NewTestLogger(), c, simulateOptions{images: 4, size: 10, concurrency: 2, failEvery: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, result.failures)
	assert.ElementsMatch(t, []cache.PromiseRemovedEvent{
		{Key: "imageId-1", Reason: cache.ReasonFailed},
		{Key: "imageId-3", Reason: cache.ReasonFailed},
	}, result.removed)
	assert.Equal(t, []string{"imageId-0", "imageId-2"}, result.keys)
	assert.Equal(t, int64(20), result.info.CacheSizeInBytes)
}

func TestSimulateEvictedFrameReleasesTable(t *testing.T) {
	f, err := decode(context.Background(), 100)
	require.NoError(t, err)
	_, ok := f.CachedTable()
	require.True(t, ok)

	c := newSimulationCache(t, 100)
	require.NoError(t, c.PutImagePromise("a", cache.Resolved(f)))
	require.NoError(t, c.PutImagePromise("b", cache.Resolved(&frame{Image: f.Image, size: 0})))
	require.NoError(t, c.RemoveImagePromise("a"))
	_, ok = f.CachedTable()
	assert.False(t, ok)
}

func TestSimulateCommand(t *testing.T) {
	out, err := execute(t, "simulate", "--images", "11", "--size", "100", "--budget", "1000", "--concurrency", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "imageId-0")
	assert.Contains(t, out, "evicted")
	assert.Contains(t, out, "imaging_cache_evictions_total")
	assert.Contains(t, out, "cache within budget")
}

func TestSimulateCommandConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imaging.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  maximum_size: \"300\"\n"), 0644))

	out, err := execute(t, "simulate", "--config", path, "--images", "4", "--size", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "300 B")

	_, err = execute(t, "simulate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	_, err = execute(t, "simulate", "--size", "lots")
	assert.Error(t, err)
	_, err = execute(t, "simulate", "--budget", "-1")
	assert.Error(t, err)
	_, err = execute(t, "simulate", "--concurrency", "0")
	assert.Error(t, err)
}

func TestSimulateForwardsToRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	remote, err := eventing.NewRedisClient(ctx, logger.NewTestLogger(), rdb)
	require.NoError(t, err)
	defer remote.Close()

	var mu sync.Mutex
	var removed []cache.PromiseRemovedEvent
	sub, err := remote.Subscribe(ctx, "imaging."+cache.SubjectPromiseRemoved, func(ctx context.Context, msg eventing.Message) {
		ev, err := cache.DecodePromiseRemoved(msg.Data())
		if err != nil {
			return
		}
		mu.Lock()
		removed = append(removed, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = execute(t, "simulate", "--images", "3", "--size", "100", "--budget", "200", "--concurrency", "1", "--redis-url", "redis://"+mr.Addr())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(removed) > 0 && removed[0] == cache.PromiseRemovedEvent{Key: "imageId-0", Reason: cache.ReasonEvicted}
	}, 5*time.Second, 10*time.Millisecond)

	_, err = execute(t, "simulate", "--redis-url", "redis://127.0.0.1:1")
	assert.Error(t, err)
}
