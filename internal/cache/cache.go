// Package cache keeps recently fetched point sets in memory so that a burst
// of optimize requests with the same filters hits the database once. Entries
// expire on a short TTL and the whole cache is dropped after any write, since
// an update changes the numbers the next fetch must see.
package cache

import (
	"context"
	"log/slog"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tphroute/tphroute/internal/config"
	"github.com/tphroute/tphroute/internal/store"
)

// Fetcher loads points from the backing store on a cache miss.
type Fetcher func(ctx context.Context, f store.Filter) ([]store.Point, error)

// pointSize approximates the in-memory footprint of one point for ristretto's
// cost accounting.
var pointSize = int64(unsafe.Sizeof(store.Point{}))

// PointCache collapses identical fetches. Concurrent misses for the same
// filter share a single database query via singleflight.
type PointCache struct {
	cache   *ristretto.Cache[string, []store.Point]
	group   singleflight.Group
	fetch   Fetcher
	ttl     time.Duration
	enabled bool
	logger  *slog.Logger

	// Counter hooks, wired to metrics by the caller.
	OnHit  func()
	OnMiss func()
}

// New builds the cache around a fetcher. When caching is disabled in the
// configuration every Get goes straight to the fetcher.
func New(cfg config.CacheConfig, fetch Fetcher, logger *slog.Logger) (*PointCache, error) {
	pc := &PointCache{
		fetch:   fetch,
		enabled: cfg.Enabled,
		logger:  logger,
	}

	if !cfg.Enabled {
		return pc, nil
	}

	ttl, err := config.ParseDuration(cfg.TTL, 30*time.Second)
	if err != nil {
		return nil, err
	}
	pc.ttl = ttl

	maxCost := cfg.MaxCost
	if maxCost <= 0 {
		maxCost = 32 << 20
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, []store.Point]{
		NumCounters: maxCost / pointSize * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	pc.cache = c

	return pc, nil
}

// Get returns the point set for the filter, consulting the cache first.
func (c *PointCache) Get(ctx context.Context, f store.Filter) ([]store.Point, error) {
	if !c.enabled {
		return c.fetch(ctx, f)
	}

	key := cacheKey(f)

	if points, ok := c.cache.Get(key); ok {
		if c.OnHit != nil {
			c.OnHit()
		}
		return points, nil
	}

	if c.OnMiss != nil {
		c.OnMiss()
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		points, err := c.fetch(ctx, f)
		if err != nil {
			return nil, err
		}
		c.cache.SetWithTTL(key, points, int64(len(points))*pointSize, c.ttl)
		// Wait makes the entry visible to the next Get; only the miss path
		// pays for it.
		c.cache.Wait()
		return points, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]store.Point), nil
}

// Invalidate drops every cached point set. Called after any order or number
// update; the write changed what subsequent fetches must return, and point
// sets are cheap to reload compared to serving a stale ordering.
func (c *PointCache) Invalidate() {
	if !c.enabled {
		return
	}
	c.cache.Clear()
	c.logger.Debug("point cache invalidated")
}

// Close releases cache resources.
func (c *PointCache) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

// cacheKey flattens the filter triple. NUL separators keep ("a","")
// distinct from ("", "a").
func cacheKey(f store.Filter) string {
	return f.Dept + "\x00" + f.Divisi + "\x00" + f.Blok
}
