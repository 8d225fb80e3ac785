package observability

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncAllowed()
	m.IncAllowed()
	m.IncLimited()
	m.IncUnauthorized()
	m.IncForbidden()
	m.IncDBErrors()
	m.IncRedisErrors()
	m.IncKMLExports()
	m.IncCacheHits()
	m.IncCacheHits()
	m.IncCacheMisses()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Allowed)
	assert.Equal(t, int64(1), snap.Limited)
	assert.Equal(t, int64(1), snap.Unauthorized)
	assert.Equal(t, int64(1), snap.Forbidden)
	assert.Equal(t, int64(1), snap.DBErrors)
	assert.Equal(t, int64(1), snap.RedisErrors)
	assert.Equal(t, int64(1), snap.KMLExports)
	assert.Equal(t, int64(2), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)
}

func TestMetricsPerKey(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	// Per-key counters must not panic and must be independent per label.
	m.IncKeyAllowed("field-app")
	m.IncKeyAllowed("field-app")
	m.IncKeyLimited("dashboard")

	assert.NotNil(t, m.promKeyAllowed)
	assert.NotNil(t, m.promKeyLimited)
}

func TestMetricsObservations(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRemaining(42)
	m.PromOptimizeDuration.Observe(0.003)
	m.PromRoutePoints.Observe(120)
	m.PromRequestDuration.WithLabelValues("GET", "200").Observe(0.01)
}

func TestMetricsConcurrentAccess(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.IncAllowed()
				m.IncLimited()
				m.ObserveRemaining(int64(j))
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, int64(800), snap.Allowed)
	assert.Equal(t, int64(800), snap.Limited)
}

func TestMetricsNilRegistererUsesDefault(t *testing.T) {
	// Register against a throwaway default to avoid duplicate registration
	// across test runs.
	orig := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	defer func() { prometheus.DefaultRegisterer = orig }()

	m := NewMetrics(nil)
	assert.NotNil(t, m)
	m.IncAllowed()
}
