package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphroute/tphroute/internal/config"
	"github.com/tphroute/tphroute/internal/redis"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRedisLimiter(t *testing.T, window time.Duration, capacity int64) *RedisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redis.NewClient(config.RedisConfig{Endpoints: []string{mr.Addr()}})
	require.NoError(t, err)

	l := NewRedisLimiter(client, window, capacity, "test", testLogger())
	t.Cleanup(func() {
		_ = l.Close()
		_ = client.Close()
	})
	return l
}

func TestRedisLimiterAllowsUpToCapacity(t *testing.T) {
	l := newTestRedisLimiter(t, time.Hour, 3)

	ctx := context.Background()
	for i := int64(0); i < 3; i++ {
		res, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should pass", i+1)
		assert.Equal(t, int64(2-i), res.Remaining)
		assert.Equal(t, int64(3), res.Limit)
	}

	res, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Greater(t, res.ResetAfter, time.Duration(0))
}

func TestRedisLimiterWindowReset(t *testing.T) {
	l := newTestRedisLimiter(t, 150*time.Millisecond, 1)

	ctx := context.Background()
	res, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	time.Sleep(200 * time.Millisecond)

	res, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "window should have expired")
}

func TestRedisLimiterDenialDoesNotConsumeQuota(t *testing.T) {
	l := newTestRedisLimiter(t, 150*time.Millisecond, 1)

	ctx := context.Background()
	res, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// Repeated denials must not move the window start.
	for i := 0; i < 5; i++ {
		res, err = l.Allow(ctx, "k")
		require.NoError(t, err)
		require.False(t, res.Allowed)
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	res, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisLimiterKeysAreIndependent(t *testing.T) {
	l := newTestRedisLimiter(t, time.Hour, 1)

	ctx := context.Background()
	res, err := l.Allow(ctx, "a")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestRedisLimiterPrefixNamespacesKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Endpoints: []string{mr.Addr()}})
	require.NoError(t, err)

	l := NewRedisLimiter(client, time.Hour, 10, "tphroute", testLogger())
	defer l.Close()

	_, err = l.Allow(context.Background(), "1.2.3.4")
	require.NoError(t, err)

	assert.True(t, mr.Exists("tphroute:1.2.3.4"))
}

func TestRedisLimiterClosed(t *testing.T) {
	l := newTestRedisLimiter(t, time.Hour, 1)
	require.NoError(t, l.Close())

	_, err := l.Allow(context.Background(), "k")
	assert.ErrorIs(t, err, ErrLimiterClosed)
}

func TestNewSelectsBackend(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		l, err := New(config.RateLimitConfig{
			Window:   "1h",
			Capacity: 100,
			Backend:  config.RateLimitBackendMemory,
		}, nil, testLogger())
		require.NoError(t, err)
		defer l.Close()
		_, ok := l.(*MemoryLimiter)
		assert.True(t, ok)
	})

	t.Run("empty backend defaults to memory", func(t *testing.T) {
		l, err := New(config.RateLimitConfig{Window: "1h", Capacity: 100}, nil, testLogger())
		require.NoError(t, err)
		defer l.Close()
		_, ok := l.(*MemoryLimiter)
		assert.True(t, ok)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := redis.NewClient(config.RedisConfig{Endpoints: []string{mr.Addr()}})
		require.NoError(t, err)

		l, err := New(config.RateLimitConfig{
			Window:   "1h",
			Capacity: 100,
			Backend:  config.RateLimitBackendRedis,
		}, client, testLogger())
		require.NoError(t, err)
		defer l.Close()
		_, ok := l.(*RedisLimiter)
		assert.True(t, ok)
	})

	t.Run("redis backend without client", func(t *testing.T) {
		_, err := New(config.RateLimitConfig{
			Window:   "1h",
			Capacity: 100,
			Backend:  config.RateLimitBackendRedis,
		}, nil, testLogger())
		require.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := New(config.RateLimitConfig{Backend: "carrier-pigeon"}, nil, testLogger())
		require.Error(t, err)
	})
}

func TestRedisLimiterCloseLeavesSharedClientOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := redis.NewClient(config.RedisConfig{Endpoints: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()

	// A config reload builds the replacement limiter on the same client and
	// then retires the old one. The retiring Close must not tear down the
	// shared connection under the new limiter.
	old := NewRedisLimiter(client, time.Hour, 5, "test", testLogger())
	_, err = old.Allow(ctx, "10.0.0.9")
	require.NoError(t, err)

	replacement := NewRedisLimiter(client, time.Hour, 10, "test", testLogger())
	require.NoError(t, old.Close())
	t.Cleanup(func() { _ = replacement.Close() })

	res, err := replacement.Allow(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(10), res.Limit)

	_, err = old.Allow(ctx, "10.0.0.9")
	assert.ErrorIs(t, err, ErrLimiterClosed)
}
