package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the default memory budget for the window cache (64 MiB).
const defaultMaxCost = 64 << 20

// windowCost is the approximate memory footprint of a single window entry.
// Used as the cost parameter so ristretto can manage eviction by real memory
// rather than an arbitrary key count.
var windowCost = int64(unsafe.Sizeof(window{}))

// MemoryLimiter provides per-key fixed-window rate limiting using local memory.
//
// IMPORTANT: This limiter is NOT globally consistent. Each service instance
// maintains its own independent counters. With multiple replicas behind a load
// balancer the effective limit is per-instance, not per-deployment; use the
// Redis backend for a shared quota.
//
// Internally, ristretto handles concurrency, TTL-based expiry, and
// admission/eviction (TinyLFU policy) within the configured memory budget.
// The window state is stored per key with a per-window mutex so that hot
// paths only contend on the individual key, not a global lock.
type MemoryLimiter struct {
	cache    *ristretto.Cache[string, *window]
	window   time.Duration
	capacity int64
	closed   atomic.Bool

	// createMu serializes first-seen keys so concurrent misses converge on a
	// single window entry instead of each admitting themselves on a private
	// copy. Cache hits never touch it.
	createMu sync.Mutex

	// now is swappable in tests to drive window expiry deterministically.
	now func() time.Time
}

type window struct {
	mu    sync.Mutex
	start time.Time
	count int64
}

// NewMemoryLimiter creates an in-memory fixed-window limiter backed by
// ristretto. maxCost <= 0 selects the 64 MiB default budget.
func NewMemoryLimiter(windowLen time.Duration, capacity int64, maxCost int64) *MemoryLimiter {
	if maxCost <= 0 {
		maxCost = defaultMaxCost
	}

	// Estimate the expected number of items so the frequency sketch is
	// accurate. NumCounters should be ~10x the expected max items.
	estimatedItems := maxCost / windowCost
	numCounters := estimatedItems * 10

	cache, err := ristretto.NewCache(&ristretto.Config[string, *window]{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &MemoryLimiter{
		cache:    cache,
		window:   windowLen,
		capacity: capacity,
		now:      time.Now,
	}
}

// Allow checks the fixed window for the given key. A request at capacity is
// denied without consuming quota. The context is accepted for interface
// symmetry with the Redis backend; local checks never block.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}

	now := l.now()

	w, found := l.cache.Get(key)
	if !found {
		w = l.getOrCreate(key, now)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.start) >= l.window {
		w.start = now
		w.count = 0
	}

	resetAfter := l.window - now.Sub(w.start)

	if w.count >= l.capacity {
		return &Result{
			Allowed:    false,
			Remaining:  0,
			Limit:      l.capacity,
			ResetAfter: resetAfter,
		}, nil
	}

	w.count++
	return &Result{
		Allowed:    true,
		Remaining:  l.capacity - w.count,
		Limit:      l.capacity,
		ResetAfter: resetAfter,
	}, nil
}

// getOrCreate installs the window for a key the cache has not seen yet. The
// cache is re-checked under createMu so racing cold-key requests all count
// against the same window, and Wait makes the entry visible before the lock is
// released so later misses cannot create a second one.
func (l *MemoryLimiter) getOrCreate(key string, now time.Time) *window {
	l.createMu.Lock()
	defer l.createMu.Unlock()

	if w, found := l.cache.Get(key); found {
		return w
	}

	w := &window{start: now}
	// TTL of two windows keeps an idle entry alive long enough to be found
	// and reset in place, instead of churning the cache.
	l.cache.SetWithTTL(key, w, windowCost, 2*l.window)
	l.cache.Wait()
	return w
}

// Close releases resources held by the cache. Safe to call multiple times.
func (l *MemoryLimiter) Close() error {
	if l.closed.CompareAndSwap(false, true) && l.cache != nil {
		l.cache.Close()
	}
	return nil
}
