package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterAllowsUpToCapacity(t *testing.T) {
	l := NewMemoryLimiter(time.Hour, 5, 0)
	defer l.Close()

	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		res, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should pass", i+1)
		assert.Equal(t, int64(4-i), res.Remaining)
		assert.Equal(t, int64(5), res.Limit)
	}

	res, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Greater(t, res.ResetAfter, time.Duration(0))
}

func TestMemoryLimiterDenialDoesNotConsumeQuota(t *testing.T) {
	l := NewMemoryLimiter(time.Hour, 2, 0)
	defer l.Close()

	clock := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	// Hammering at the limit must not push the window forward.
	for i := 0; i < 10; i++ {
		clock = clock.Add(time.Minute)
		res, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	}

	clock = clock.Add(time.Hour)

	res, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "window should have reset")
	assert.Equal(t, int64(1), res.Remaining)
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	l := NewMemoryLimiter(time.Hour, 3, 0)
	defer l.Close()

	clock := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	// One second short of the window boundary the key is still exhausted.
	clock = clock.Add(time.Hour - time.Second)
	res, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.ResetAfter)

	// Crossing the boundary opens a fresh window with full quota.
	clock = clock.Add(time.Second)
	res, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Remaining)
	assert.Equal(t, time.Hour, res.ResetAfter)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(time.Hour, 1, 0)
	defer l.Close()

	ctx := context.Background()
	res, err := l.Allow(ctx, "a")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = l.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a different key has its own window")
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	const capacity = 50
	l := NewMemoryLimiter(time.Hour, capacity, 0)
	defer l.Close()

	var wg sync.WaitGroup
	var allowed int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				res, err := l.Allow(context.Background(), "shared")
				if err != nil {
					continue
				}
				if res.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(capacity), allowed)
}

func TestMemoryLimiterColdKeyBurst(t *testing.T) {
	const capacity = 10
	l := NewMemoryLimiter(time.Hour, capacity, 0)
	defer l.Close()

	// All goroutines race the very first request for the key. Misses that
	// arrive together must still count against one shared window, so the
	// burst admits exactly the capacity.
	const workers = 50
	start := make(chan struct{})
	var wg sync.WaitGroup
	var allowed int64
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := l.Allow(context.Background(), "fresh")
			if err != nil {
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(capacity), allowed)
}

func TestMemoryLimiterClosed(t *testing.T) {
	l := NewMemoryLimiter(time.Hour, 1, 0)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Allow(context.Background(), "k")
	assert.ErrorIs(t, err, ErrLimiterClosed)
}
