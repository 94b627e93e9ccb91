// Package admin exposes the router's operational surface over HTTP:
// health, metrics, templates, cost and token reports, runtime configuration
// updates, and queue/cache controls. Responses use a uniform JSON envelope;
// aggregate reports are briefly memoized to absorb dashboard polling.
package admin

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/modelmux/modelmux"
	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/usage"
)

// memoTTL is how long aggregate reports are served from memory before being
// recomputed.
const memoTTL = 2 * time.Second

// Envelope is the uniform response wrapper.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handler serves the admin API for one router.
type Handler struct {
	router *modelmux.Router
	logger *slog.Logger
	memo   *gocache.Cache
}

// NewHandler creates an admin handler. A nil logger falls back to the
// default slog logger.
func NewHandler(router *modelmux.Router, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		router: router,
		logger: logger,
		memo:   gocache.New(memoTTL, 2*memoTTL),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeData(w http.ResponseWriter, status int, data any) {
	h.writeJSON(w, status, Envelope{Success: true, Data: data})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, Envelope{Success: false, Error: message})
}

// writeMuxError maps a classified error onto its HTTP status.
func (h *Handler) writeMuxError(w http.ResponseWriter, err error) {
	if e, ok := muxerrors.As(err); ok {
		h.writeError(w, e.HTTPStatus(), e.Message)
		return
	}
	h.writeError(w, http.StatusInternalServerError, err.Error())
}

// memoized serves a previously computed report for the same path+query.
func (h *Handler) memoized(w http.ResponseWriter, r *http.Request) bool {
	if v, ok := h.memo.Get(memoKey(r)); ok {
		h.writeData(w, http.StatusOK, v)
		return true
	}
	return false
}

func (h *Handler) memoize(r *http.Request, v any) {
	h.memo.SetDefault(memoKey(r), v)
}

func memoKey(r *http.Request) string {
	return r.URL.Path + "?" + r.URL.RawQuery
}

// ============================================================================
// Health & Observability Endpoints
// ============================================================================

// Health handles GET /healthz. It turns 503 once shutdown begins so load
// balancers stop routing to a draining instance.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.router.Closed() {
		h.writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	h.writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MetricsSnapshot handles GET /api/v1/metrics.
func (h *Handler) MetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	filter := modelmux.MetricsFilter{
		Provider: r.URL.Query().Get("provider"),
		Role:     r.URL.Query().Get("role"),
	}
	h.writeData(w, http.StatusOK, h.router.Metrics(filter))
}

// Providers handles GET /api/v1/providers.
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	h.writeData(w, http.StatusOK, h.router.Providers())
}

// RateLimits handles GET /api/v1/ratelimits.
func (h *Handler) RateLimits(w http.ResponseWriter, r *http.Request) {
	h.writeData(w, http.StatusOK, h.router.RateLimitStats())
}

// ExportConfig handles GET /api/v1/config. The snapshot is rendered as a
// YAML document reusable as a configuration file; provider API keys are
// redacted.
func (h *Handler) ExportConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.router.Config().Clone()
	for name, s := range cfg.Providers {
		if s.APIKey != "" {
			s.APIKey = "[redacted]"
			cfg.Providers[name] = s
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to render config")
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("failed to write config export", "error", err)
	}
}

// ============================================================================
// Template Endpoints
// ============================================================================

type templateDetail struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Source       string    `json:"source"`
	Placeholders []string  `json:"placeholders,omitempty"`
	LoadedAt     time.Time `json:"loadedAt"`
}

// ListTemplates handles GET /api/v1/templates.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	h.writeData(w, http.StatusOK, h.router.Templates().Infos())
}

// GetTemplate handles GET /api/v1/templates/{name}.
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tpl, ok := h.router.Templates().Get(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "template not found")
		return
	}
	h.writeData(w, http.StatusOK, templateDetail{
		Name:         tpl.Name,
		Path:         tpl.Path,
		Source:       tpl.Source,
		Placeholders: tpl.Placeholders,
		LoadedAt:     tpl.LoadedAt,
	})
}

// ReloadTemplates handles POST /api/v1/templates/reload.
func (h *Handler) ReloadTemplates(w http.ResponseWriter, r *http.Request) {
	n, err := h.router.Templates().Reload()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.memo.Flush()
	h.writeData(w, http.StatusOK, map[string]int{"loaded": n})
}

// ============================================================================
// Cost & Token Endpoints
// ============================================================================

// CostReport handles GET /api/v1/costs/report.
func (h *Handler) CostReport(w http.ResponseWriter, r *http.Request) {
	filter, err := costFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	groupBy, err := parseGroupBy(r.URL.Query().Get("groupBy"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeData(w, http.StatusOK, h.router.Costs().Costs(filter, groupBy))
}

// CostSummary handles GET /api/v1/costs/summary.
func (h *Handler) CostSummary(w http.ResponseWriter, r *http.Request) {
	if h.memoized(w, r) {
		return
	}
	top := queryInt(r, "top", 5)
	summary := h.router.Costs().Summary(top)
	h.memoize(r, summary)
	h.writeData(w, http.StatusOK, summary)
}

// CostHistory handles GET /api/v1/costs/history.
func (h *Handler) CostHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := costFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, total := h.router.Costs().History(filter, queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	h.writeData(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
	})
}

// CostExport handles GET /api/v1/costs/export. The export is a plain JSON
// document, not an envelope, so it can be archived as-is.
func (h *Handler) CostExport(w http.ResponseWriter, r *http.Request) {
	filter, err := costFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="usage-export.json"`)
	if err := h.router.Costs().Export(w, filter); err != nil {
		h.logger.Error("usage export failed", "error", err)
	}
}

// CostReset handles POST /api/v1/costs/reset.
func (h *Handler) CostReset(w http.ResponseWriter, r *http.Request) {
	h.router.Costs().Reset()
	h.memo.Flush()
	h.writeData(w, http.StatusOK, map[string]string{"status": "reset"})
}

type tokenWindowReport struct {
	Window     string                       `json:"window"`
	Total      usage.WindowStats            `json:"total"`
	ByProvider map[string]usage.WindowStats `json:"byProvider,omitempty"`
	Lifetime   any                          `json:"lifetime"`
}

// TokenWindow handles GET /api/v1/tokens/window.
func (h *Handler) TokenWindow(w http.ResponseWriter, r *http.Request) {
	if h.memoized(w, r) {
		return
	}
	window, err := queryDuration(r, "window", 5*time.Minute)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report := tokenWindowReport{
		Window:     window.String(),
		Total:      h.router.Tokens().Window(window),
		ByProvider: h.router.Tokens().WindowByProvider(window),
		Lifetime:   h.router.Tokens().Total(),
	}
	h.memoize(r, report)
	h.writeData(w, http.StatusOK, report)
}

// ============================================================================
// Runtime Configuration Endpoints
// ============================================================================

// UpdatePricing handles PUT /api/v1/pricing/{provider}/{model}.
func (h *Handler) UpdatePricing(w http.ResponseWriter, r *http.Request) {
	var rate modelmux.PricingRate
	if err := json.NewDecoder(r.Body).Decode(&rate); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	providerName := r.PathValue("provider")
	model := r.PathValue("model")
	if err := h.router.UpdatePricing(providerName, model, rate); err != nil {
		h.writeMuxError(w, err)
		return
	}
	h.memo.Flush()
	h.writeData(w, http.StatusOK, map[string]any{
		"provider": providerName,
		"model":    model,
		"rate":     rate,
	})
}

type flagUpdate struct {
	Enabled bool `json:"enabled"`
}

// SetFlag handles PUT /api/v1/flags/{name}.
func (h *Handler) SetFlag(w http.ResponseWriter, r *http.Request) {
	var req flagUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := r.PathValue("name")
	if err := h.router.SetFeatureFlag(name, req.Enabled); err != nil {
		h.writeMuxError(w, err)
		return
	}
	h.memo.Flush()
	h.writeData(w, http.StatusOK, map[string]any{
		"flag":    name,
		"enabled": req.Enabled,
	})
}

// SetRole handles PUT /api/v1/roles/{role}.
func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	var mapping modelmux.RoleMapping
	if err := json.NewDecoder(r.Body).Decode(&mapping); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role := r.PathValue("role")
	if err := h.router.SetRoleMapping(role, mapping); err != nil {
		h.writeMuxError(w, err)
		return
	}
	h.memo.Flush()
	h.writeData(w, http.StatusOK, mapping)
}

type rateLimitUpdate struct {
	MaxConcurrent     int   `json:"maxConcurrent"`
	MinTimeMS         int64 `json:"minTimeMs"`
	Reservoir         int   `json:"reservoir"`
	RefillPerInterval int   `json:"refillPerInterval"`
	IntervalMS        int64 `json:"intervalMs"`
}

// SetRateLimit handles PUT /api/v1/ratelimits/{provider}.
func (h *Handler) SetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateLimitUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	providerName := r.PathValue("provider")
	settings := modelmux.RateLimitSettings{
		MaxConcurrent:     req.MaxConcurrent,
		MinTime:           time.Duration(req.MinTimeMS) * time.Millisecond,
		Reservoir:         req.Reservoir,
		RefillPerInterval: req.RefillPerInterval,
		Interval:          time.Duration(req.IntervalMS) * time.Millisecond,
	}
	if err := h.router.SetRateLimit(providerName, settings); err != nil {
		h.writeMuxError(w, err)
		return
	}
	h.memo.Flush()
	h.writeData(w, http.StatusOK, map[string]any{
		"provider": providerName,
		"settings": req,
	})
}

// ============================================================================
// Queue Endpoints
// ============================================================================

// QueueMetrics handles GET /api/v1/queue.
func (h *Handler) QueueMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeData(w, http.StatusOK, h.router.QueueMetrics())
}

// QueueRequests handles GET /api/v1/queue/requests.
func (h *Handler) QueueRequests(w http.ResponseWriter, r *http.Request) {
	h.writeData(w, http.StatusOK, h.router.QueueRequests())
}

// QueueRequest handles GET /api/v1/queue/requests/{id}.
func (h *Handler) QueueRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, ok := h.router.QueueStatus(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	h.writeData(w, http.StatusOK, status)
}

// QueueRemove handles DELETE /api/v1/queue/requests/{id}.
func (h *Handler) QueueRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.router.QueueRemove(id) {
		h.writeError(w, http.StatusNotFound, "request not queued")
		return
	}
	h.writeData(w, http.StatusOK, map[string]string{"removed": id})
}

// QueuePause handles POST /api/v1/queue/pause.
func (h *Handler) QueuePause(w http.ResponseWriter, r *http.Request) {
	h.router.QueuePause()
	h.writeData(w, http.StatusOK, map[string]bool{"paused": true})
}

// QueueResume handles POST /api/v1/queue/resume.
func (h *Handler) QueueResume(w http.ResponseWriter, r *http.Request) {
	h.router.QueueResume()
	h.writeData(w, http.StatusOK, map[string]bool{"paused": false})
}

// QueueClear handles POST /api/v1/queue/clear.
func (h *Handler) QueueClear(w http.ResponseWriter, r *http.Request) {
	h.writeData(w, http.StatusOK, map[string]int{"cleared": h.router.QueueClear()})
}

// ============================================================================
// Cache Endpoints
// ============================================================================

// CacheStats handles GET /api/v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	h.writeData(w, http.StatusOK, h.router.CacheStats())
}

// CacheFlush handles POST /api/v1/cache/flush.
func (h *Handler) CacheFlush(w http.ResponseWriter, r *http.Request) {
	if err := h.router.CacheFlush(r.Context()); err != nil {
		h.writeMuxError(w, err)
		return
	}
	h.memo.Flush()
	h.writeData(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// ============================================================================
// Query helpers
// ============================================================================

func costFilter(r *http.Request) (usage.Filter, error) {
	q := r.URL.Query()
	filter := usage.Filter{
		Provider:  q.Get("provider"),
		Model:     q.Get("model"),
		Role:      q.Get("role"),
		ProjectID: q.Get("projectId"),
	}
	if s := q.Get("since"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return filter, muxerrors.Newf(muxerrors.KindValidation, "invalid since %q, use RFC 3339", s)
		}
		filter.Since = ts
	}
	if s := q.Get("until"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return filter, muxerrors.Newf(muxerrors.KindValidation, "invalid until %q, use RFC 3339", s)
		}
		filter.Until = ts
	}
	return filter, nil
}

func parseGroupBy(s string) (usage.GroupBy, error) {
	switch usage.GroupBy(s) {
	case usage.GroupByNone, usage.GroupByProvider, usage.GroupByModel,
		usage.GroupByProject, usage.GroupByRole:
		return usage.GroupBy(s), nil
	}
	return usage.GroupByNone, muxerrors.Newf(muxerrors.KindValidation, "unknown groupBy %q", s)
}

func queryInt(r *http.Request, name string, def int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func queryDuration(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, muxerrors.Newf(muxerrors.KindValidation, "invalid %s %q, use a positive duration like 5m", name, s)
	}
	return d, nil
}
