package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphroute/tphroute/internal/config"
	"github.com/tphroute/tphroute/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func enabledConfig() config.CacheConfig {
	return config.CacheConfig{Enabled: true, TTL: "1m", MaxCost: 1 << 20}
}

func somePoints() []store.Point {
	return []store.Point{
		{ID: 1, Nomor: 1, Lat: -2.5, Lon: 104.7, KodeTPH: "TPH001"},
		{ID: 2, Nomor: 2, Lat: -2.6, Lon: 104.8, KodeTPH: "TPH002"},
	}
}

func TestGetCachesByFilter(t *testing.T) {
	var calls int64
	fetch := func(_ context.Context, f store.Filter) ([]store.Point, error) {
		atomic.AddInt64(&calls, 1)
		return somePoints(), nil
	}

	c, err := New(enabledConfig(), fetch, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	f := store.Filter{Dept: "SULM"}

	first, err := c.Get(ctx, f)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := c.Get(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "second read must come from cache")

	// A different filter fetches again.
	_, err = c.Get(ctx, store.Filter{Dept: "KRNT"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestFilterKeyFieldsDoNotCollide(t *testing.T) {
	assert.NotEqual(t, cacheKey(store.Filter{Dept: "a"}), cacheKey(store.Filter{Divisi: "a"}))
	assert.NotEqual(t, cacheKey(store.Filter{Divisi: "a"}), cacheKey(store.Filter{Blok: "a"}))
	assert.NotEqual(t, cacheKey(store.Filter{Dept: "ab"}), cacheKey(store.Filter{Dept: "a", Divisi: "b"}))
}

func TestInvalidateDropsEntries(t *testing.T) {
	var calls int64
	fetch := func(_ context.Context, _ store.Filter) ([]store.Point, error) {
		atomic.AddInt64(&calls, 1)
		return somePoints(), nil
	}

	c, err := New(enabledConfig(), fetch, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	_, err = c.Get(ctx, store.Filter{})
	require.NoError(t, err)

	c.Invalidate()

	_, err = c.Get(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestFetchErrorsAreNotCached(t *testing.T) {
	var calls int64
	fetch := func(_ context.Context, _ store.Filter) ([]store.Point, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return nil, errors.New("db down")
		}
		return somePoints(), nil
	}

	c, err := New(enabledConfig(), fetch, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	_, err = c.Get(ctx, store.Filter{})
	require.Error(t, err)

	points, err := c.Get(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, points, 2)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	var calls int64
	release := make(chan struct{})
	fetch := func(_ context.Context, _ store.Filter) ([]store.Point, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return somePoints(), nil
	}

	c, err := New(enabledConfig(), fetch, testLogger())
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), store.Filter{Dept: "SULM"})
			assert.NoError(t, err)
		}()
	}

	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "concurrent misses must collapse into one query")
}

func TestDisabledCachePassesThrough(t *testing.T) {
	var calls int64
	fetch := func(_ context.Context, _ store.Filter) ([]store.Point, error) {
		atomic.AddInt64(&calls, 1)
		return somePoints(), nil
	}

	c, err := New(config.CacheConfig{Enabled: false}, fetch, testLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Get(ctx, store.Filter{})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))

	// Invalidate on a disabled cache is a no-op, not a panic.
	c.Invalidate()
}

func TestHitMissHooks(t *testing.T) {
	fetch := func(_ context.Context, _ store.Filter) ([]store.Point, error) {
		return somePoints(), nil
	}

	c, err := New(enabledConfig(), fetch, testLogger())
	require.NoError(t, err)
	defer c.Close()

	var hits, misses int64
	c.OnHit = func() { atomic.AddInt64(&hits, 1) }
	c.OnMiss = func() { atomic.AddInt64(&misses, 1) }

	ctx := context.Background()
	_, _ = c.Get(ctx, store.Filter{})
	_, _ = c.Get(ctx, store.Filter{})

	assert.Equal(t, int64(1), atomic.LoadInt64(&misses))
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}
