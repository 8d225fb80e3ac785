package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tphroute/tphroute/internal/auth"
	"github.com/tphroute/tphroute/internal/export"
	"github.com/tphroute/tphroute/internal/middleware"
	"github.com/tphroute/tphroute/internal/route"
	"github.com/tphroute/tphroute/internal/store"
	"github.com/tphroute/tphroute/internal/validation"
)

// kmlMediaType is the registered media type for KML documents.
const kmlMediaType = "application/vnd.google-earth.kml+xml"

// RoutePoint is one stop in a computed visiting order.
type RoutePoint struct {
	NewOrder   int     `json:"new_order"`
	ID         int64   `json:"id"`
	Nomor      int     `json:"nomor"`
	TPH        string  `json:"tph"`
	DeptAbbr   string  `json:"dept_abbr"`
	DivisiAbbr string  `json:"divisi_abbr"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// OptimizedRouteResponse is the /optimize-route body.
type OptimizedRouteResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message"`
	TotalPoints int          `json:"total_points"`
	Route       []RoutePoint `json:"route"`
	KMLFile     string       `json:"kml_file,omitempty"`
}

// UpdateResponse is the body of both persist endpoints.
type UpdateResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	UpdatedCount int    `json:"updated_count"`
}

// AuthInfo is the /auth-info body.
type AuthInfo struct {
	Authenticated      bool     `json:"authenticated"`
	User               string   `json:"user"`
	Permissions        []string `json:"permissions"`
	RateLimitRemaining int64    `json:"rate_limit_remaining"`
}

// DataResponse is the /tph-data body: the filtered rows without reordering.
type DataResponse struct {
	Success     bool          `json:"success"`
	TotalPoints int           `json:"total_points"`
	Data        []store.Point `json:"data"`
}

// Root serves the unauthenticated service description.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"message":  "TPH Route Optimizer API - Secured",
		"version":  h.version,
		"security": "API Key Authentication Required",
		"endpoints": map[string]string{
			"auth_info":      "/auth-info",
			"optimize_route": "/optimize-route",
			"tph_data":       "/tph-data",
			"update_order":   "/update-order",
			"update_numbers": "/update-numbers",
			"download_kml":   "/download-kml/{filename}",
		},
	})
}

// AuthInfo reports the caller's identity and remaining quota.
func (h *Handler) AuthInfo(w http.ResponseWriter, r *http.Request) {
	rec := middleware.RecordFrom(r.Context())
	res := middleware.LimitResultFrom(r.Context())

	perms := make([]string, 0, len(rec.Permissions()))
	for _, p := range rec.Permissions() {
		perms = append(perms, string(p))
	}

	h.writeJSON(w, http.StatusOK, AuthInfo{
		Authenticated:      true,
		User:               rec.Name,
		Permissions:        perms,
		RateLimitRemaining: res.Remaining,
	})
}

// optimizedSet fetches the filtered points and computes the visiting order.
// It owns the error-to-status mapping for the shared fetch+optimize path;
// a handled (written) failure returns ok=false.
func (h *Handler) optimizedSet(ctx context.Context, w http.ResponseWriter, r *http.Request, f store.Filter) ([]store.Point, bool) {
	startIndex, err := parseStartIndex(r)
	if err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, "validation_error", "invalid start_index", 0)
		return nil, false
	}

	points, err := h.points.Get(ctx, f)
	if err != nil {
		if errors.Is(err, store.ErrNoPoints) {
			middleware.WriteJSONError(w, http.StatusNotFound, "not_found",
				"no TPH data found with the specified filters", 0)
			return nil, false
		}
		h.metrics.IncDBErrors()
		h.logger.Error("point fetch failed", "error", err, "filter", f)
		middleware.WriteJSONError(w, http.StatusInternalServerError, "internal_error", "could not load TPH data", 0)
		return nil, false
	}

	coords := make([]route.Point, len(points))
	for i, p := range points {
		coords[i] = route.Point{Lat: p.Lat, Lon: p.Lon}
	}

	_, span := tracer.Start(ctx, "tphroute.optimize")
	optimizeStart := time.Now()
	order, err := route.Optimize(coords, startIndex)
	h.metrics.PromOptimizeDuration.Observe(time.Since(optimizeStart).Seconds())
	h.metrics.PromRoutePoints.Observe(float64(len(coords)))
	span.End()

	if err != nil {
		// ErrEmptyInput cannot happen here: the store returns ErrNoPoints
		// for an empty result before we get this far.
		middleware.WriteJSONError(w, http.StatusBadRequest, "validation_error",
			fmt.Sprintf("start_index out of range: %d points available", len(points)), 0)
		return nil, false
	}

	ordered := make([]store.Point, len(order))
	for visit, idx := range order {
		ordered[visit] = points[idx]
	}
	return ordered, true
}

func parseStartIndex(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("start_index")
	if raw == "" {
		return 0, nil
	}
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid start_index %q", raw)
	}
	return idx, nil
}

// OptimizeRoute handles GET /optimize-route. Requires read; when
// generate_kml=true the caller must additionally hold admin, because file
// generation touches the export directory.
func (h *Handler) OptimizeRoute(w http.ResponseWriter, r *http.Request) {
	f, ok := h.parseFilter(w, r)
	if !ok {
		return
	}

	generateKML := r.URL.Query().Get("generate_kml") == "true"
	if generateKML && !middleware.RecordFrom(r.Context()).Has(auth.PermissionAdmin) {
		middleware.WriteJSONError(w, http.StatusForbidden, "forbidden",
			"KML generation requires admin permission", 0)
		return
	}

	ordered, ok := h.optimizedSet(r.Context(), w, r, f)
	if !ok {
		return
	}

	resp := OptimizedRouteResponse{
		Success:     true,
		Message:     fmt.Sprintf("Successfully optimized route for %d TPH points", len(ordered)),
		TotalPoints: len(ordered),
		Route:       make([]RoutePoint, len(ordered)),
	}
	for i, p := range ordered {
		resp.Route[i] = RoutePoint{
			NewOrder:   i + 1,
			ID:         p.ID,
			Nomor:      p.Nomor,
			TPH:        p.KodeTPH,
			DeptAbbr:   p.DeptAbbr,
			DivisiAbbr: p.DivisiAbbr,
			Lat:        p.Lat,
			Lon:        p.Lon,
		}
	}

	if generateKML {
		filename := export.Filename(f, time.Now())
		if _, err := export.Write(h.exportDir, filename, ordered); err != nil {
			h.logger.Error("KML export failed", "error", err, "filename", filename)
			middleware.WriteJSONError(w, http.StatusInternalServerError, "internal_error", "could not write KML file", 0)
			return
		}
		h.metrics.IncKMLExports()
		resp.KMLFile = filename
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// TPHData handles GET /tph-data: the filtered rows in stored (nomor) order.
func (h *Handler) TPHData(w http.ResponseWriter, r *http.Request) {
	f, ok := h.parseFilter(w, r)
	if !ok {
		return
	}

	points, err := h.points.Get(r.Context(), f)
	if err != nil {
		if errors.Is(err, store.ErrNoPoints) {
			middleware.WriteJSONError(w, http.StatusNotFound, "not_found",
				"no TPH data found with the specified filters", 0)
			return
		}
		h.metrics.IncDBErrors()
		h.logger.Error("point fetch failed", "error", err, "filter", f)
		middleware.WriteJSONError(w, http.StatusInternalServerError, "internal_error", "could not load TPH data", 0)
		return
	}

	h.writeJSON(w, http.StatusOK, DataResponse{
		Success:     true,
		TotalPoints: len(points),
		Data:        points,
	})
}

// UpdateOrder handles POST /update-order: recomputes the route for the
// filtered set and persists it as display_order. Requires write.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	h.persistOrder(w, r, h.updater.UpdateDisplayOrder, "Display order updated successfully")
}

// UpdateNumbers handles POST /update-numbers: recomputes the route and
// rewrites nomor itself. Destructive renumbering, hence admin-only.
func (h *Handler) UpdateNumbers(w http.ResponseWriter, r *http.Request) {
	h.persistOrder(w, r, h.updater.UpdateNumbers, "TPH numbers updated successfully")
}

func (h *Handler) persistOrder(w http.ResponseWriter, r *http.Request, persist func(context.Context, []int64) error, message string) {
	f, ok := h.parseFilter(w, r)
	if !ok {
		return
	}

	ordered, ok := h.optimizedSet(r.Context(), w, r, f)
	if !ok {
		return
	}

	ids := make([]int64, len(ordered))
	for i, p := range ordered {
		ids[i] = p.ID
	}

	ctx, span := tracer.Start(r.Context(), "tphroute.persist_order")
	err := persist(ctx, ids)
	span.End()
	if err != nil {
		h.metrics.IncDBErrors()
		h.logger.Error("order persist failed", "error", err, "filter", f)
		middleware.WriteJSONError(w, http.StatusInternalServerError, "internal_error", "could not persist order", 0)
		return
	}

	// Stored ordering changed; cached point sets are stale.
	h.points.Invalidate()

	h.writeJSON(w, http.StatusOK, UpdateResponse{
		Success:      true,
		Message:      message,
		UpdatedCount: len(ids),
	})
}

// DownloadKML handles GET /download-kml/{filename}. The filename is
// validated against a strict pattern and the resolved path is checked to
// stay inside the export directory before anything touches the filesystem.
func (h *Handler) DownloadKML(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	path, err := validation.SafeExportPath(h.exportDir, filename)
	if err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, "validation_error", "invalid filename", 0)
		return
	}

	if _, err := os.Stat(path); err != nil {
		middleware.WriteJSONError(w, http.StatusNotFound, "not_found", "KML file not found", 0)
		return
	}

	w.Header().Set("Content-Type", kmlMediaType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeFile(w, r, path)
}
