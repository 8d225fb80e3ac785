package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphroute/tphroute/internal/auth"
	"github.com/tphroute/tphroute/internal/config"
	"github.com/tphroute/tphroute/internal/observability"
	"github.com/tphroute/tphroute/internal/ratelimit"
)

func newTestGuard(t *testing.T, capacity int64) (*Guard, *observability.Metrics) {
	t.Helper()

	store, err := auth.NewKeyStore(config.AuthConfig{
		Keys: []config.APIKeyConfig{
			{Key: "admin-key", Name: "admin", Permissions: []string{"read", "write", "admin"}},
			{Key: "reader-key", Name: "reader", Permissions: []string{"read"}},
		},
	})
	require.NoError(t, err)

	limiter := ratelimit.NewMemoryLimiter(time.Hour, capacity, 0)
	t.Cleanup(func() { _ = limiter.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NewLogger("error", "text")
	return NewGuard(auth.NewGate(store, limiter), metrics, nil, logger), metrics
}

func guardedRequest(t *testing.T, g *Guard, required auth.Permission, token string) *httptest.ResponseRecorder {
	t.Helper()

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotNil(t, RecordFrom(r.Context()))
		require.NotNil(t, LimitResultFrom(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	handler = g.Require(required)(handler)

	req := httptest.NewRequest(http.MethodGet, "/optimize-route", nil)
	req.RemoteAddr = "10.0.0.1:55555"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGuardAllowsValidKey(t *testing.T) {
	g, metrics := newTestGuard(t, 100)

	rec := guardedRequest(t, g, auth.PermissionRead, "reader-key")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, int64(1), metrics.Snapshot().Allowed)
}

func TestGuardRejectsMissingKey(t *testing.T) {
	g, metrics := newTestGuard(t, 100)

	rec := guardedRequest(t, g, auth.PermissionRead, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized")
	assert.Equal(t, int64(1), metrics.Snapshot().Unauthorized)
}

func TestGuardRejectsUnknownKey(t *testing.T) {
	g, _ := newTestGuard(t, 100)

	rec := guardedRequest(t, g, auth.PermissionRead, "nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGuardRejectsMalformedAuthorizationHeader(t *testing.T) {
	g, _ := newTestGuard(t, 100)

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})
	handler = g.Require(auth.PermissionRead)(handler)

	req := httptest.NewRequest(http.MethodGet, "/tph-data", nil)
	req.Header.Set("Authorization", "Basic cmVhZGVyLWtleQ==")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGuardRejectsInsufficientPermission(t *testing.T) {
	g, metrics := newTestGuard(t, 100)

	rec := guardedRequest(t, g, auth.PermissionAdmin, "reader-key")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "required: admin")
	assert.Equal(t, int64(1), metrics.Snapshot().Forbidden)
}

func TestGuardAnyPermissionAdmitsAnyValidKey(t *testing.T) {
	g, _ := newTestGuard(t, 100)

	rec := guardedRequest(t, g, "", "reader-key")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGuardRateLimits(t *testing.T) {
	g, metrics := newTestGuard(t, 3)

	for i := 0; i < 3; i++ {
		rec := guardedRequest(t, g, auth.PermissionRead, "reader-key")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := guardedRequest(t, g, auth.PermissionRead, "reader-key")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")
	assert.Equal(t, int64(1), metrics.Snapshot().Limited)
	assert.Equal(t, int64(3), metrics.Snapshot().Allowed)
}

func TestGuardUnknownKeyDoesNotConsumeQuota(t *testing.T) {
	g, _ := newTestGuard(t, 1)

	for i := 0; i < 5; i++ {
		rec := guardedRequest(t, g, auth.PermissionRead, "bogus")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := guardedRequest(t, g, auth.PermissionRead, "reader-key")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"well formed", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"missing header", "", ""},
		{"wrong scheme", "Basic abc123", ""},
		{"scheme only", "Bearer ", ""},
		{"padded token", "Bearer  abc123 ", "abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, bearerToken(req))
		})
	}
}
