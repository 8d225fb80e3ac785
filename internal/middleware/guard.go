package middleware

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tphroute/tphroute/internal/auth"
	"github.com/tphroute/tphroute/internal/events"
	"github.com/tphroute/tphroute/internal/observability"
	"github.com/tphroute/tphroute/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("tphroute.middleware")

const (
	keyRecordKey ctxKey = iota + 100
	limitResultKey
)

// RecordFrom returns the authenticated key record stored by the guard.
// Handlers use it for permission escalation checks (e.g. KML generation).
func RecordFrom(ctx context.Context) *auth.Record {
	rec, _ := ctx.Value(keyRecordKey).(*auth.Record)
	return rec
}

// LimitResultFrom returns the rate-limit result for the current request.
func LimitResultFrom(ctx context.Context) *ratelimit.Result {
	res, _ := ctx.Value(limitResultKey).(*ratelimit.Result)
	return res
}

// Guard enforces API-key authentication, per-IP rate limiting, and the
// permission matrix on every protected route. Decisions are counted in
// metrics and optionally emitted as audit events.
type Guard struct {
	gate    *auth.Gate
	metrics *observability.Metrics
	emitter *events.Emitter // nil when audit events are disabled
	logger  *slog.Logger
}

// NewGuard builds a Guard. emitter may be nil.
func NewGuard(gate *auth.Gate, metrics *observability.Metrics, emitter *events.Emitter, logger *slog.Logger) *Guard {
	return &Guard{
		gate:    gate,
		metrics: metrics,
		emitter: emitter,
		logger:  logger,
	}
}

// bearerToken extracts the API key from an "Authorization: Bearer <key>"
// header. Returns "" when the header is missing or malformed.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// setRateLimitHeaders exposes the current window state to the client.
func setRateLimitHeaders(w http.ResponseWriter, res *ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(int64(math.Ceil(res.ResetAfter.Seconds())), 10))
}

// Require returns a middleware that admits only requests carrying a valid
// API key with the given permission. An empty permission admits any valid
// key (used by /auth-info). Checks run in a fixed order: key lookup (401),
// per-IP rate limit (429), permission (403).
func (g *Guard) Require(required auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), "tphroute.authorize")
			clientIP := ratelimit.ClientIP(r)
			token := bearerToken(r)

			rec, res, err := g.gate.Authorize(ctx, token, clientIP, required)
			span.SetAttributes(attribute.String("client.ip", clientIP))
			span.End()

			if res != nil {
				setRateLimitHeaders(w, res)
			}

			if err != nil {
				g.reject(w, r, clientIP, rec, res, required, err)
				return
			}

			g.metrics.IncAllowed()
			g.metrics.IncKeyAllowed(rec.Name)
			g.metrics.ObserveRemaining(res.Remaining)
			g.emit(r, clientIP, rec, res, required, "allowed", http.StatusOK)

			ctx = context.WithValue(ctx, keyRecordKey, rec)
			ctx = context.WithValue(ctx, limitResultKey, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// reject maps an authorization error onto an HTTP response, counts it, and
// emits the matching audit event.
func (g *Guard) reject(w http.ResponseWriter, r *http.Request, clientIP string, rec *auth.Record, res *ratelimit.Result, required auth.Permission, err error) {
	var rle *auth.RateLimitedError
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		g.metrics.IncUnauthorized()
		g.emit(r, clientIP, rec, res, required, "unauthorized", http.StatusUnauthorized)
		WriteJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key", 0)

	case errors.As(err, &rle):
		retryAfter := math.Ceil(rle.Result.ResetAfter.Seconds())
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter), 10))
		g.metrics.IncLimited()
		if rec != nil {
			g.metrics.IncKeyLimited(rec.Name)
		}
		g.emit(r, clientIP, rec, res, required, "rate_limited", http.StatusTooManyRequests)
		WriteJSONError(w, http.StatusTooManyRequests, "rate_limited",
			"rate limit exceeded, max "+strconv.FormatInt(rle.Result.Limit, 10)+" requests per window", retryAfter)

	case errors.Is(err, auth.ErrForbidden):
		g.metrics.IncForbidden()
		g.emit(r, clientIP, rec, res, required, "forbidden", http.StatusForbidden)
		WriteJSONError(w, http.StatusForbidden, "forbidden",
			"insufficient permissions, required: "+string(required), 0)

	default:
		// Limiter backend failure (e.g. Redis unreachable).
		g.metrics.IncRedisErrors()
		g.logger.Error("authorization failed", "error", err, "client_ip", clientIP)
		WriteJSONError(w, http.StatusInternalServerError, "internal_error", "authorization check failed", 0)
	}
}

func (g *Guard) emit(r *http.Request, clientIP string, rec *auth.Record, res *ratelimit.Result, required auth.Permission, decision string, status int) {
	if g.emitter == nil {
		return
	}
	ev := events.AuditEvent{
		Permission: string(required),
		ClientIP:   clientIP,
		Method:     r.Method,
		Path:       r.URL.Path,
		Decision:   decision,
		StatusCode: status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequestID:  RequestIDFrom(r.Context()),
	}
	if rec != nil {
		ev.KeyName = rec.Name
	}
	if res != nil {
		ev.Remaining = res.Remaining
		ev.Limit = res.Limit
	}
	g.emitter.Emit(ev)
}
