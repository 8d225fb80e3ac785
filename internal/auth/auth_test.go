package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphroute/tphroute/internal/config"
	"github.com/tphroute/tphroute/internal/ratelimit"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		Keys: []config.APIKeyConfig{
			{Key: "reader-key", Name: "dashboard", Permissions: []string{"read"}},
			{Key: "writer-key", Name: "field-app", Permissions: []string{"read", "write"}},
			{Key: "admin-key", Name: "ops", Permissions: []string{"read", "write", "admin"}},
			{Key: "admin-only-key", Name: "batch", Permissions: []string{"admin"}},
		},
	}
}

func newTestGate(t *testing.T, capacity int64) *Gate {
	t.Helper()
	store, err := NewKeyStore(testAuthConfig())
	require.NoError(t, err)

	limiter := ratelimit.NewMemoryLimiter(time.Hour, capacity, 0)
	t.Cleanup(func() { _ = limiter.Close() })

	return NewGate(store, limiter)
}

func TestNewKeyStore(t *testing.T) {
	store, err := NewKeyStore(testAuthConfig())
	require.NoError(t, err)
	assert.Equal(t, 4, store.Len())

	rec, ok := store.Lookup("writer-key")
	require.True(t, ok)
	assert.Equal(t, "field-app", rec.Name)
	assert.Equal(t, []Permission{PermissionRead, PermissionWrite}, rec.Permissions())

	_, ok = store.Lookup("nope")
	assert.False(t, ok)
}

func TestNewKeyStoreErrors(t *testing.T) {
	t.Run("empty key", func(t *testing.T) {
		_, err := NewKeyStore(config.AuthConfig{
			Keys: []config.APIKeyConfig{{Key: "", Name: "x", Permissions: []string{"read"}}},
		})
		require.Error(t, err)
	})

	t.Run("duplicate key", func(t *testing.T) {
		_, err := NewKeyStore(config.AuthConfig{
			Keys: []config.APIKeyConfig{
				{Key: "same", Name: "a", Permissions: []string{"read"}},
				{Key: "same", Name: "b", Permissions: []string{"write"}},
			},
		})
		require.Error(t, err)
	})

	t.Run("unknown permission", func(t *testing.T) {
		_, err := NewKeyStore(config.AuthConfig{
			Keys: []config.APIKeyConfig{{Key: "k", Name: "x", Permissions: []string{"root"}}},
		})
		require.Error(t, err)
	})

	t.Run("duplicate permission is collapsed", func(t *testing.T) {
		store, err := NewKeyStore(config.AuthConfig{
			Keys: []config.APIKeyConfig{{Key: "k", Name: "x", Permissions: []string{"read", "read"}}},
		})
		require.NoError(t, err)
		rec, _ := store.Lookup("k")
		assert.Equal(t, []Permission{PermissionRead}, rec.Permissions())
	})
}

func TestPermissionsAreExplicit(t *testing.T) {
	store, err := NewKeyStore(testAuthConfig())
	require.NoError(t, err)

	// Admin does not imply write or read.
	rec, _ := store.Lookup("admin-only-key")
	assert.True(t, rec.Has(PermissionAdmin))
	assert.False(t, rec.Has(PermissionWrite))
	assert.False(t, rec.Has(PermissionRead))

	// Write does not imply admin.
	rec, _ = store.Lookup("writer-key")
	assert.True(t, rec.Has(PermissionWrite))
	assert.False(t, rec.Has(PermissionAdmin))
}

func TestAuthorizePermissionMatrix(t *testing.T) {
	gate := newTestGate(t, 1000)
	ctx := context.Background()

	tests := []struct {
		name     string
		key      string
		required Permission
		wantErr  error
	}{
		{"reader can read", "reader-key", PermissionRead, nil},
		{"reader cannot write", "reader-key", PermissionWrite, ErrForbidden},
		{"reader cannot admin", "reader-key", PermissionAdmin, ErrForbidden},
		{"writer can read", "writer-key", PermissionRead, nil},
		{"writer can write", "writer-key", PermissionWrite, nil},
		{"writer cannot admin", "writer-key", PermissionAdmin, ErrForbidden},
		{"admin can admin", "admin-key", PermissionAdmin, nil},
		{"admin-only cannot read", "admin-only-key", PermissionRead, ErrForbidden},
		{"unknown key", "stolen-key", PermissionRead, ErrUnauthorized},
		{"empty key", "", PermissionRead, ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, res, err := gate.Authorize(ctx, tt.key, "198.51.100.1", tt.required)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, rec)
			require.NotNil(t, res)
			assert.True(t, res.Allowed)
		})
	}
}

func TestAuthorizeNoPermissionRequired(t *testing.T) {
	gate := newTestGate(t, 10)

	// Empty required permission only checks the key and the limiter.
	rec, res, err := gate.Authorize(context.Background(), "admin-only-key", "10.0.0.1", "")
	require.NoError(t, err)
	assert.Equal(t, "batch", rec.Name)
	assert.True(t, res.Allowed)
}

func TestAuthorizeRateLimited(t *testing.T) {
	gate := newTestGate(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := gate.Authorize(ctx, "reader-key", "203.0.113.5", PermissionRead)
		require.NoError(t, err)
	}

	_, res, err := gate.Authorize(ctx, "reader-key", "203.0.113.5", PermissionRead)
	require.Error(t, err)

	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.False(t, rle.Result.Allowed)
	assert.Equal(t, int64(2), rle.Result.Limit)
	assert.NotNil(t, res)

	// A different client IP still has quota.
	_, _, err = gate.Authorize(ctx, "reader-key", "203.0.113.6", PermissionRead)
	require.NoError(t, err)
}

func TestAuthorizeUnknownKeyDoesNotConsumeQuota(t *testing.T) {
	gate := newTestGate(t, 1)
	ctx := context.Background()

	// Invalid keys are rejected before the limiter runs.
	for i := 0; i < 5; i++ {
		_, _, err := gate.Authorize(ctx, "bad-key", "192.0.2.1", PermissionRead)
		assert.ErrorIs(t, err, ErrUnauthorized)
	}

	_, _, err := gate.Authorize(ctx, "reader-key", "192.0.2.1", PermissionRead)
	require.NoError(t, err, "quota must be untouched by unauthorized attempts")
}

func TestRateLimitedErrorMessage(t *testing.T) {
	err := &RateLimitedError{Result: &ratelimit.Result{
		Limit:      100,
		ResetAfter: 90 * time.Second,
	}}
	assert.Contains(t, err.Error(), "rate limit exceeded")
	assert.Contains(t, err.Error(), "1m30s")
}

func TestPermissionValid(t *testing.T) {
	assert.True(t, PermissionRead.Valid())
	assert.True(t, PermissionWrite.Valid())
	assert.True(t, PermissionAdmin.Valid())
	assert.False(t, Permission("root").Valid())
	assert.False(t, Permission("").Valid())
}

func TestSwapLimiter(t *testing.T) {
	gate := newTestGate(t, 1)
	ctx := context.Background()

	_, _, err := gate.Authorize(ctx, "reader-key", "192.0.2.9", PermissionRead)
	require.NoError(t, err)
	_, _, err = gate.Authorize(ctx, "reader-key", "192.0.2.9", PermissionRead)
	require.Error(t, err, "capacity exhausted under the old limiter")

	// A swapped-in limiter starts counting from scratch.
	fresh := ratelimit.NewMemoryLimiter(time.Hour, 10, 0)
	t.Cleanup(func() { _ = fresh.Close() })
	old := gate.SwapLimiter(fresh)
	require.NoError(t, old.Close())
	assert.Same(t, fresh, gate.Limiter())

	_, res, err := gate.Authorize(ctx, "reader-key", "192.0.2.9", PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.Remaining)
}
