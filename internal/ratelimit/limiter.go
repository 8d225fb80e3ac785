// Package ratelimit implements fixed-window request counting per client key.
// Two backends are provided: a local in-memory limiter backed by ristretto,
// and a Redis-backed limiter using a Lua script for atomicity so that limits
// hold across multiple service instances.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tphroute/tphroute/internal/config"
	"github.com/tphroute/tphroute/internal/redis"
)

// ErrLimiterClosed is returned when Allow is called after the limiter has
// been closed.
var ErrLimiterClosed = errors.New("limiter is closed")

// Result holds the outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	Remaining  int64         // requests left in the current window
	Limit      int64         // window capacity
	ResetAfter time.Duration // time until the current window expires
}

// Limiter counts requests per key within a fixed window. A request at
// capacity is rejected without consuming quota; the window resets as a whole
// when it expires.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
	Close() error
}

// New creates the limiter selected by the configuration. The Redis backend
// requires a connected client; the memory backend ignores it.
func New(cfg config.RateLimitConfig, client redis.Client, logger *slog.Logger) (Limiter, error) {
	window := cfg.WindowDuration()

	switch cfg.Backend {
	case config.RateLimitBackendMemory, "":
		return NewMemoryLimiter(window, cfg.Capacity, 0), nil
	case config.RateLimitBackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis backend selected but no client provided")
		}
		return NewRedisLimiter(client, window, cfg.Capacity, cfg.KeyPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend: %s", cfg.Backend)
	}
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
