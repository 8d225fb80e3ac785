// Package auth verifies API keys and enforces the permission matrix.
// Keys are loaded once from configuration at startup; every guarded request
// is checked in order: key lookup, per-client rate limit, then permission.
// A request rejected at any stage never reaches a handler.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tphroute/tphroute/internal/config"
	"github.com/tphroute/tphroute/internal/ratelimit"
)

// Sentinel errors returned by Authorize. Handlers map these to 401 and 403.
var (
	// ErrUnauthorized means the API key is missing or unknown.
	ErrUnauthorized = errors.New("invalid or missing API key")
	// ErrForbidden means the key is valid but lacks the required permission.
	ErrForbidden = errors.New("insufficient permissions")
)

// Permission is a capability granted to an API key.
type Permission string

const (
	// PermissionRead grants access to read-only endpoints.
	PermissionRead Permission = "read"
	// PermissionWrite grants persisting computed orderings.
	PermissionWrite Permission = "write"
	// PermissionAdmin grants renumbering, KML generation, and downloads.
	PermissionAdmin Permission = "admin"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionAdmin:
		return true
	}
	return false
}

// RateLimitedError is returned when the client exceeded its request quota.
// It carries the limiter result so handlers can emit Retry-After and
// X-RateLimit-* headers.
type RateLimitedError struct {
	Result *ratelimit.Result
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded: retry after %s", e.Result.ResetAfter.Round(time.Second))
}

// Record describes a configured API key: a human-readable name for logs and
// metrics, plus its granted permissions. The secret itself is the map key in
// the store and never lives on the record.
type Record struct {
	Name        string
	permissions []Permission
	set         map[Permission]struct{}
}

// Has reports whether the key holds the given permission. Permissions are
// explicit: admin does not imply write, write does not imply read.
func (r *Record) Has(p Permission) bool {
	_, ok := r.set[p]
	return ok
}

// Permissions returns the granted permissions in configuration order.
func (r *Record) Permissions() []Permission {
	return r.permissions
}

// KeyStore holds the configured API keys. It is immutable after construction;
// key changes require a restart so a revoked key can never linger through a
// partial reload.
type KeyStore struct {
	keys map[string]*Record
}

// NewKeyStore builds the store from configuration. Config validation has
// already rejected unknown permissions and duplicate keys.
func NewKeyStore(cfg config.AuthConfig) (*KeyStore, error) {
	keys := make(map[string]*Record, len(cfg.Keys))
	for i, kc := range cfg.Keys {
		secret := kc.Key.Value()
		if secret == "" {
			return nil, fmt.Errorf("auth.keys[%d]: empty key", i)
		}
		if _, dup := keys[secret]; dup {
			return nil, fmt.Errorf("auth.keys[%d]: duplicate key", i)
		}

		rec := &Record{
			Name:        kc.Name,
			permissions: make([]Permission, 0, len(kc.Permissions)),
			set:         make(map[Permission]struct{}, len(kc.Permissions)),
		}
		for _, ps := range kc.Permissions {
			p := Permission(ps)
			if !p.Valid() {
				return nil, fmt.Errorf("auth.keys[%d]: unknown permission %q", i, ps)
			}
			if _, seen := rec.set[p]; seen {
				continue
			}
			rec.permissions = append(rec.permissions, p)
			rec.set[p] = struct{}{}
		}
		keys[secret] = rec
	}
	return &KeyStore{keys: keys}, nil
}

// Lookup resolves an API key to its record.
func (s *KeyStore) Lookup(key string) (*Record, bool) {
	rec, ok := s.keys[key]
	return rec, ok
}

// Len returns the number of configured keys.
func (s *KeyStore) Len() int {
	return len(s.keys)
}

// Gate runs the full admission sequence for guarded endpoints. The limiter
// is swappable so config reloads can apply new window parameters without
// rebuilding the gate; the key store is fixed for the process lifetime.
type Gate struct {
	store   *KeyStore
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewGate wires the key store and the per-client limiter together.
func NewGate(store *KeyStore, limiter ratelimit.Limiter) *Gate {
	g := &Gate{store: store}
	g.limiter.Store(&limiter)
	return g
}

// SwapLimiter atomically replaces the limiter and returns the previous one
// so the caller can close it after in-flight checks drain.
func (g *Gate) SwapLimiter(limiter ratelimit.Limiter) ratelimit.Limiter {
	old := g.limiter.Swap(&limiter)
	return *old
}

// Limiter returns the current limiter.
func (g *Gate) Limiter() ratelimit.Limiter {
	return *g.limiter.Load()
}

// Authorize admits or rejects a request. The checks run in a fixed order:
//
//  1. key lookup      — unknown or empty key: ErrUnauthorized
//  2. rate limit      — clientKey over quota: RateLimitedError
//  3. permission      — key lacks required:   ErrForbidden
//
// An unknown key is rejected before the limiter is consulted, so invalid
// traffic cannot burn a legitimate client's quota behind a shared NAT.
// The limiter result is returned for allowed requests too, so handlers can
// expose the remaining quota.
func (g *Gate) Authorize(ctx context.Context, key, clientKey string, required Permission) (*Record, *ratelimit.Result, error) {
	rec, ok := g.store.Lookup(key)
	if !ok {
		return nil, nil, ErrUnauthorized
	}

	res, err := (*g.limiter.Load()).Allow(ctx, clientKey)
	if err != nil {
		return nil, nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !res.Allowed {
		return nil, res, &RateLimitedError{Result: res}
	}

	if required != "" && !rec.Has(required) {
		return rec, res, ErrForbidden
	}

	return rec, res, nil
}
