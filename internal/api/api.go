// Package api exposes the HTTP surface of the route optimizer: the optimize
// and persist endpoints, the raw data listing, and KML export downloads.
// Routing is chi-based; every route except the service description runs
// behind the auth/rate-limit guard.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"

	"github.com/tphroute/tphroute/internal/auth"
	"github.com/tphroute/tphroute/internal/cache"
	"github.com/tphroute/tphroute/internal/middleware"
	"github.com/tphroute/tphroute/internal/observability"
	"github.com/tphroute/tphroute/internal/store"
	"github.com/tphroute/tphroute/internal/validation"
)

var tracer = otel.Tracer("tphroute.api")

// Updater persists a computed visiting order. Split from the read path so
// tests can fake it independently of the cache.
type Updater interface {
	UpdateDisplayOrder(ctx context.Context, orderedIDs []int64) error
	UpdateNumbers(ctx context.Context, orderedIDs []int64) error
}

// Handler carries the dependencies shared by all endpoint handlers.
type Handler struct {
	points    *cache.PointCache
	updater   Updater
	validate  *validator.Validate
	exportDir string
	version   string
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewHandler builds the endpoint handlers.
func NewHandler(points *cache.PointCache, updater Updater, exportDir, version string, metrics *observability.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		points:    points,
		updater:   updater,
		validate:  validation.New(),
		exportDir: exportDir,
		version:   version,
		metrics:   metrics,
		logger:    logger,
	}
}

// Router assembles the full route table. The guard's permission matrix:
//
//	/auth-info       any valid key
//	/optimize-route  read (admin when generate_kml=true, checked in-handler)
//	/tph-data        read
//	/update-order    write
//	/update-numbers  admin
//	/download-kml    admin
//
// The service description at / is deliberately open: it carries no data and
// matches the behavior operators already rely on for liveness probes.
func Router(h *Handler, guard *middleware.Guard, metrics *observability.Metrics, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Instrument(metrics, logger))

	r.Get("/", h.Root)

	r.With(guard.Require("")).Get("/auth-info", h.AuthInfo)

	r.Group(func(r chi.Router) {
		r.Use(guard.Require(auth.PermissionRead))
		r.Get("/optimize-route", h.OptimizeRoute)
		r.Get("/tph-data", h.TPHData)
	})

	r.With(guard.Require(auth.PermissionWrite)).Post("/update-order", h.UpdateOrder)

	r.Group(func(r chi.Router) {
		r.Use(guard.Require(auth.PermissionAdmin))
		r.Post("/update-numbers", h.UpdateNumbers)
		r.Get("/download-kml/{filename}", h.DownloadKML)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteJSONError(w, http.StatusNotFound, "not_found", "unknown endpoint", 0)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", 0)
	})

	return r
}

// writeJSON encodes v as the response body. Encoding failures after the
// header is written can only be logged.
func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encoding failed", "error", err)
	}
}

// filterQuery binds the dept/divisi/blok filter parameters. Empty values
// mean "all".
type filterQuery struct {
	Dept   string `validate:"dept_code"`
	Divisi string `validate:"divisi_code"`
	Blok   string `validate:"blok_code"`
}

// parseFilter extracts and validates the filter triple from the query
// string. A validation failure writes the 400 response and returns false.
func (h *Handler) parseFilter(w http.ResponseWriter, r *http.Request) (store.Filter, bool) {
	q := r.URL.Query()
	fq := filterQuery{
		Dept:   q.Get("dept_abbr"),
		Divisi: q.Get("divisi_abbr"),
		Blok:   q.Get("blok_kode"),
	}
	if err := h.validate.Struct(fq); err != nil {
		fields := validation.FieldErrors(err)
		middleware.WriteJSONError(w, http.StatusBadRequest, "validation_error",
			"invalid filter: "+strings.Join(fields, "; "), 0)
		return store.Filter{}, false
	}
	return store.Filter{Dept: fq.Dept, Divisi: fq.Divisi, Blok: fq.Blok}, true
}
