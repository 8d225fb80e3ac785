package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(_ context.Context) error { return f.err }

func TestHealthzAlwaysAlive(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.HealthzHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}

func TestStartz(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.StartzHandler()(rec, httptest.NewRequest(http.MethodGet, "/startz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetStarted()
	assert.True(t, h.IsStarted())

	rec = httptest.NewRecorder()
	h.StartzHandler()(rec, httptest.NewRequest(http.MethodGet, "/startz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzTransitions(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady()
	assert.True(t, h.IsReady())

	rec = httptest.NewRecorder()
	h.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.SetNotReady()
	rec = httptest.NewRecorder()
	h.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyzDeep(t *testing.T) {
	t.Run("all backends reachable", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetDBPinger(&fakePinger{})
		h.SetRedisPinger(&fakePinger{})

		rec := httptest.NewRecorder()
		h.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz?deep=true", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ready","database":"ok","redis":"ok"}`, rec.Body.String())
	})

	t.Run("database unreachable", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetDBPinger(&fakePinger{err: errors.New("connection refused")})
		h.SetRedisPinger(&fakePinger{})

		rec := httptest.NewRecorder()
		h.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz?deep=true", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"status":"not_ready","database":"unreachable","redis":"ok"}`, rec.Body.String())
	})

	t.Run("redis not configured", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetDBPinger(&fakePinger{})

		rec := httptest.NewRecorder()
		h.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz?deep=true", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ready","database":"ok","redis":"disabled"}`, rec.Body.String())
	})

	t.Run("pinger can be cleared", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetRedisPinger(&fakePinger{err: errors.New("down")})
		h.SetRedisPinger(nil)

		rec := httptest.NewRecorder()
		h.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz?deep=true", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
