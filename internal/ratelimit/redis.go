package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tphroute/tphroute/internal/redis"
)

// fixedWindowLua is the Lua source for atomic fixed-window counting.
//
// Uses HMGET for deterministic field ordering.
// Returns {allowed (0|1), remaining, limit, reset_after_micros}.
//
// Semantics:
//   - The window starts at the first counted request and spans a fixed length.
//   - A request past capacity is denied WITHOUT incrementing the counter, so
//     a client hammering at the limit does not push its own window forward.
//   - When the window has expired, the counter resets and a fresh window
//     starts at the current request.
//
// Keys: KEYS[1] = rate-limit key.
// Args: ARGV[1] = window (μs), ARGV[2] = capacity, ARGV[3] = now (μs).
const fixedWindowLua = `
local key      = KEYS[1]
local window   = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now      = tonumber(ARGV[3])

local vals  = redis.call('hmget', key, 'start', 'count')
local start = tonumber(vals[1])
local count = tonumber(vals[2]) or 0

if start == nil or now - start >= window then
  start = now
  count = 0
end

local reset_after = start + window - now

if count >= capacity then
  return {0, 0, capacity, reset_after}
end

count = count + 1
redis.call('hset', key, 'start', start, 'count', count)
-- Expire at the end of the window; EXPIREAT with an absolute timestamp
-- avoids drift from the relative EXPIRE command.
redis.call('expireat', key, math.ceil((start + window) / 1000000))
return {1, capacity - count, capacity, reset_after}
`

// fixedWindowScript uses go-redis to compute the SHA1 hash that Redis expects
// for EVALSHA, avoiding a direct crypto/sha1 import in this package.
var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// RedisLimiter performs fixed-window rate limiting against Redis so that all
// service replicas share one quota per client.
type RedisLimiter struct {
	client    redis.Client
	logger    *slog.Logger
	src       string // Lua source text (for EVAL fallback)
	hash      string // SHA1 hex digest (for EVALSHA)
	window    int64  // microseconds
	capacity  int64
	keyPrefix string
	closed    atomic.Bool
}

// NewRedisLimiter creates a Redis-backed fixed-window limiter.
func NewRedisLimiter(client redis.Client, window time.Duration, capacity int64, prefix string, logger *slog.Logger) *RedisLimiter {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisLimiter{
		client:    client,
		logger:    logger,
		src:       fixedWindowLua,
		hash:      fixedWindowScript.Hash(),
		window:    window.Microseconds(),
		capacity:  capacity,
		keyPrefix: prefix,
	}
}

// evalScript executes the Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT. This avoids sending the Lua source on every request.
func (l *RedisLimiter) evalScript(ctx context.Context, keys []string, args ...any) (interface{ Slice() ([]any, error) }, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", keys[0], "error", cmd.Err())
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// Allow checks whether the request identified by key fits in the current
// window. Executes the Lua script atomically on Redis.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}
	fullKey := l.keyPrefix + key
	now := time.Now().UnixMicro()

	cmd, err := l.evalScript(ctx, []string{fullKey}, l.window, l.capacity, now)
	if err != nil {
		return nil, err
	}

	return parseScriptResult(cmd)
}

// Close marks the limiter as closed; subsequent calls to Allow return
// ErrLimiterClosed. The Redis client is shared (a config reload builds a
// replacement limiter on the same connection), so its lifecycle belongs to
// whoever dialed it, not to the limiter.
func (l *RedisLimiter) Close() error {
	l.closed.Store(true)
	return nil
}

// Client returns the underlying Redis client (used for lifecycle management
// and deep health checks).
func (l *RedisLimiter) Client() redis.Client {
	return l.client
}

// parseScriptResult parses the Lua {allowed, remaining, limit, reset_after_micros} response.
func parseScriptResult(cmd interface{ Slice() ([]any, error) }) (*Result, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}

	if len(arr) != 4 {
		return nil, fmt.Errorf("script returned %d elements, want 4", len(arr))
	}

	allowed, err := toInt64(arr[0])
	if err != nil {
		return nil, fmt.Errorf("parsing allowed: %w", err)
	}

	remaining, err := toInt64(arr[1])
	if err != nil {
		return nil, fmt.Errorf("parsing remaining: %w", err)
	}

	limit, err := toInt64(arr[2])
	if err != nil {
		return nil, fmt.Errorf("parsing limit: %w", err)
	}

	resetMicros, err := toInt64(arr[3])
	if err != nil {
		return nil, fmt.Errorf("parsing reset_after: %w", err)
	}

	return &Result{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		Limit:      limit,
		ResetAfter: time.Duration(resetMicros) * time.Microsecond,
	}, nil
}
