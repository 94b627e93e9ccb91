package admin

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers all admin routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// ========================================================================
	// Health & Observability Routes
	// ========================================================================
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/metrics", h.MetricsSnapshot)
	mux.HandleFunc("GET /api/v1/providers", h.Providers)
	mux.HandleFunc("GET /api/v1/ratelimits", h.RateLimits)
	mux.HandleFunc("GET /api/v1/config", h.ExportConfig)

	// ========================================================================
	// Template Routes
	// ========================================================================
	mux.HandleFunc("GET /api/v1/templates", h.ListTemplates)
	mux.HandleFunc("GET /api/v1/templates/{name}", h.GetTemplate)
	mux.HandleFunc("POST /api/v1/templates/reload", h.ReloadTemplates)

	// ========================================================================
	// Cost & Token Routes
	// ========================================================================
	mux.HandleFunc("GET /api/v1/costs/report", h.CostReport)
	mux.HandleFunc("GET /api/v1/costs/summary", h.CostSummary)
	mux.HandleFunc("GET /api/v1/costs/history", h.CostHistory)
	mux.HandleFunc("GET /api/v1/costs/export", h.CostExport)
	mux.HandleFunc("POST /api/v1/costs/reset", h.CostReset)
	mux.HandleFunc("GET /api/v1/tokens/window", h.TokenWindow)

	// ========================================================================
	// Runtime Configuration Routes
	// ========================================================================
	mux.HandleFunc("PUT /api/v1/pricing/{provider}/{model}", h.UpdatePricing)
	mux.HandleFunc("PUT /api/v1/flags/{name}", h.SetFlag)
	mux.HandleFunc("PUT /api/v1/roles/{role}", h.SetRole)
	mux.HandleFunc("PUT /api/v1/ratelimits/{provider}", h.SetRateLimit)

	// ========================================================================
	// Queue Routes
	// ========================================================================
	mux.HandleFunc("GET /api/v1/queue", h.QueueMetrics)
	mux.HandleFunc("GET /api/v1/queue/requests", h.QueueRequests)
	mux.HandleFunc("GET /api/v1/queue/requests/{id}", h.QueueRequest)
	mux.HandleFunc("DELETE /api/v1/queue/requests/{id}", h.QueueRemove)
	mux.HandleFunc("POST /api/v1/queue/pause", h.QueuePause)
	mux.HandleFunc("POST /api/v1/queue/resume", h.QueueResume)
	mux.HandleFunc("POST /api/v1/queue/clear", h.QueueClear)

	// ========================================================================
	// Cache Routes
	// ========================================================================
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/flush", h.CacheFlush)
}
