// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for the TPH route service.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the middleware hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	allowed      int64
	limited      int64
	unauthorized int64
	forbidden    int64
	dbErrors     int64
	redisErrors  int64
	kmlExports   int64
	cacheHits    int64
	cacheMisses  int64
	eventsDrop   int64

	// Prometheus counters for scraping.
	promAllowed      prometheus.Counter
	promLimited      prometheus.Counter
	promUnauthorized prometheus.Counter
	promForbidden    prometheus.Counter
	promDBErrors     prometheus.Counter
	promRedisErrors  prometheus.Counter
	promKMLExports   prometheus.Counter
	promCacheHits    prometheus.Counter
	promCacheMisses  prometheus.Counter
	promEventsDrop   prometheus.Counter

	// Prometheus histograms.
	PromRequestDuration  *prometheus.HistogramVec
	PromOptimizeDuration prometheus.Histogram
	PromRoutePoints      prometheus.Histogram

	// Remaining-quota distribution (histogram, not per-client gauge —
	// avoids unbounded cardinality from per-IP rate-limit keys).
	PromRLRemaining prometheus.Histogram

	// Per-key counters. API keys are a bounded, operator-configured set
	// (unlike client IPs), so a label is safe from cardinality explosions.
	promKeyAllowed *prometheus.CounterVec
	promKeyLimited *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tphroute",
			Name:      "requests_allowed_total",
			Help:      "Total number of requests that passed auth and rate limiting.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tphroute",
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promUnauthorized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tphroute",
			Name:      "auth_unauthorized_total",
			Help:      "Total number of requests with a missing or unknown API key.",
		}),
		promForbidden: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tphroute",
			Name:      "auth_forbidden_total",
			Help:      "Total number of requests denied for insufficient permissions.",
		}),
		promDBErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tphroute",
			Name:      "db_errors_total",
			Help:      "Total number of database errors encountered.",
		}),
		promRedisErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tphroute",
			Name:      "redis_errors_total",
			Help:      "Total number of Redis errors encountered.",
		}),
		promKMLExports: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tphroute",
			Name:      "kml_exports_total",
			Help:      "Total number of KML files written.",
		}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tphroute",
			Name:      "point_cache_hits_total",
			Help:      "Total number of point-set cache hits.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tphroute",
			Name:      "point_cache_misses_total",
			Help:      "Total number of point-set cache misses.",
		}),
		promEventsDrop: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tphroute",
			Name:      "events_dropped_total",
			Help:      "Total number of audit events dropped due to a full buffer.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tphroute",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromOptimizeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tphroute",
			Name:      "optimize_duration_seconds",
			Help:      "Route ordering duration in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		PromRoutePoints: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tphroute",
			Name:      "route_points",
			Help:      "Distribution of point counts per optimized route.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		PromRLRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tphroute",
			Name:      "ratelimit_remaining",
			Help:      "Distribution of remaining quota across rate-limit checks.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		promKeyAllowed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tphroute",
			Name:      "key_requests_allowed_total",
			Help:      "Total requests allowed per API key name.",
		}, []string{"key"}),
		promKeyLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tphroute",
			Name:      "key_requests_limited_total",
			Help:      "Total requests rate-limited per API key name.",
		}, []string{"key"}),
	}

	return m
}

// IncAllowed increments the allowed requests counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncLimited increments the rate-limited requests counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

// IncUnauthorized increments the unknown/missing API key counter.
func (m *Metrics) IncUnauthorized() {
	atomic.AddInt64(&m.unauthorized, 1)
	m.promUnauthorized.Inc()
}

// IncForbidden increments the insufficient-permission counter.
func (m *Metrics) IncForbidden() {
	atomic.AddInt64(&m.forbidden, 1)
	m.promForbidden.Inc()
}

// IncDBErrors increments the database error counter.
func (m *Metrics) IncDBErrors() {
	atomic.AddInt64(&m.dbErrors, 1)
	m.promDBErrors.Inc()
}

// IncRedisErrors increments the Redis error counter.
func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

// IncKMLExports increments the KML export counter.
func (m *Metrics) IncKMLExports() {
	atomic.AddInt64(&m.kmlExports, 1)
	m.promKMLExports.Inc()
}

// IncCacheHits increments the point-set cache hit counter.
func (m *Metrics) IncCacheHits() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMisses increments the point-set cache miss counter.
func (m *Metrics) IncCacheMisses() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// IncEventsDropped increments the dropped audit event counter.
func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDrop, 1)
	m.promEventsDrop.Inc()
}

// IncKeyAllowed increments the per-key allowed counter.
func (m *Metrics) IncKeyAllowed(key string) {
	m.promKeyAllowed.WithLabelValues(key).Inc()
}

// IncKeyLimited increments the per-key rate-limited counter.
func (m *Metrics) IncKeyLimited(key string) {
	m.promKeyLimited.WithLabelValues(key).Inc()
}

// ObserveRemaining records the remaining quota as a histogram observation.
// This provides distribution visibility without per-client cardinality.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromRLRemaining.Observe(float64(remaining))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Allowed       int64
	Limited       int64
	Unauthorized  int64
	Forbidden     int64
	DBErrors      int64
	RedisErrors   int64
	KMLExports    int64
	CacheHits     int64
	CacheMisses   int64
	EventsDropped int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:       atomic.LoadInt64(&m.allowed),
		Limited:       atomic.LoadInt64(&m.limited),
		Unauthorized:  atomic.LoadInt64(&m.unauthorized),
		Forbidden:     atomic.LoadInt64(&m.forbidden),
		DBErrors:      atomic.LoadInt64(&m.dbErrors),
		RedisErrors:   atomic.LoadInt64(&m.redisErrors),
		KMLExports:    atomic.LoadInt64(&m.kmlExports),
		CacheHits:     atomic.LoadInt64(&m.cacheHits),
		CacheMisses:   atomic.LoadInt64(&m.cacheMisses),
		EventsDropped: atomic.LoadInt64(&m.eventsDrop),
	}
}
