package modelmux

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	intcache "github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/queue"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/template"
	"github.com/modelmux/modelmux/pkg/config"
	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/pricing"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/usage"
	"github.com/modelmux/modelmux/providers"
)

// Router is the dispatch core. It owns the queue, rate limiter, response
// cache, template manager, and the cost/token/metrics pipeline; provider
// adapters are shared and safe for concurrent use.
//
// Router is safe for concurrent use by multiple goroutines.
type Router struct {
	cfg       *config.Manager
	registry  *provider.Registry
	templates *template.Manager
	queue     *queue.Queue
	limits    *ratelimit.Manager
	cache     *intcache.Responses
	metrics   *metrics.Registry
	costs     *usage.CostTracker
	tokens    *usage.TokenTracker
	logger    *slog.Logger

	inflight    sync.WaitGroup
	closed      atomic.Bool
	watchCancel context.CancelFunc
}

// New creates a router from the given options.
//
// Adapters are built from the configuration's providers section for every
// enabled provider with a known factory; instances passed through
// WithProvider are registered afterwards and win on name collisions.
func New(opts ...Option) (*Router, error) {
	rc := defaultRouterConfig()
	for _, opt := range opts {
		opt(rc)
	}
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cfgManager *config.Manager
	switch {
	case rc.Config != nil:
		cfgManager = config.NewManager(rc.Config, logger)
	case rc.ConfigFile != "":
		m, err := config.NewManagerFromFile(rc.ConfigFile, logger)
		if err != nil {
			return nil, err
		}
		cfgManager = m
	default:
		cfgManager = config.NewManager(config.DefaultConfig(), logger)
	}
	cfg := cfgManager.Current()

	templates, err := template.NewManager(cfg.TemplateDir, logger)
	if err != nil {
		return nil, err
	}

	store := rc.CacheStore
	if store == nil {
		if cfg.Cache.Backend == "redis" {
			return nil, muxerrors.New(muxerrors.KindConfig,
				"cache backend redis requires a store built with caches/redis and passed via WithCacheStore")
		}
		store = intcache.NewMemory(intcache.MemoryConfig{
			MaxEntries: cfg.Cache.MaxEntries,
			DefaultTTL: cfg.Cache.TTL,
		})
	}

	r := &Router{
		cfg:       cfgManager,
		registry:  provider.NewRegistry(),
		templates: templates,
		queue: queue.New(queue.Config{
			MaxSize:     cfg.Queue.MaxSize,
			Concurrency: cfg.Queue.Concurrency,
			MaxWait:     cfg.Queue.MaxWait,
		}),
		cache:   intcache.NewResponses(store, cfg.Cache.TTL, logger),
		metrics: metrics.New(),
		costs:   usage.NewCostTracker(logger),
		tokens:  usage.NewTokenTracker(),
		logger:  logger,
	}
	r.limits = ratelimit.NewManager(func(p string) (config.RateLimitSettings, bool) {
		return r.cfg.Current().RateLimit(p)
	})

	if rc.Prometheus {
		r.metrics.EnablePrometheus()
	}
	for _, sink := range rc.Sinks {
		r.costs.AddSink(sink)
	}

	for name, settings := range cfg.Providers {
		if !settings.IsEnabled() {
			continue
		}
		p, ok := providers.Build(name, provider.Config{
			APIKey:  settings.APIKey,
			BaseURL: settings.BaseURL,
			Timeout: settings.Timeout,
			Pricing: cfgManager,
		})
		if !ok {
			logger.Warn("no built-in adapter for configured provider", "provider", name)
			continue
		}
		r.registry.Register(p)
	}
	for _, p := range rc.Providers {
		r.registry.Register(p)
	}

	// Rate limit changes take effect on the next Schedule; in-flight
	// dispatches finish under the limiter they acquired.
	cfgManager.OnChange(func(ch config.Change) {
		switch ch.Kind {
		case config.ChangeRateLimit:
			r.limits.Refresh(ch.Provider)
		case config.ChangeReload:
			r.limits.Refresh("")
		}
	})

	if rc.HotReload {
		ctx, cancel := context.WithCancel(context.Background())
		r.watchCancel = cancel
		if rc.ConfigFile != "" {
			if err := cfgManager.Watch(ctx); err != nil {
				logger.Warn("config watch unavailable", "error", err)
			}
		}
		if cfg.TemplateDir != "" {
			if err := templates.Watch(ctx); err != nil {
				logger.Warn("template watch unavailable", "error", err)
			}
		}
	}

	logger.Info("model router initialized",
		"providers", r.registry.Len(),
		"roles", len(cfg.RoleMappings),
		"cache", cfg.Cache.Backend,
		"concurrency", cfg.Queue.Concurrency,
	)
	return r, nil
}

// Shutdown stops intake, waits for in-flight dispatches up to the context
// deadline, then releases all resources. Requests still queued when the
// drain ends fail with a cancellation error. Shutdown is idempotent.
func (r *Router) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.watchCancel != nil {
		r.watchCancel()
	}

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.queue.Close()
	r.templates.Close()
	_ = r.cache.Close()
	_ = r.costs.Close()
	_ = r.cfg.Close()

	r.logger.Info("model router shut down")
	return err
}

// Closed reports whether Shutdown has begun.
func (r *Router) Closed() bool {
	return r.closed.Load()
}

// RegisterProvider registers (or hot-swaps) an adapter at runtime.
// Dispatches already holding the old adapter finish with it.
func (r *Router) RegisterProvider(p Provider) {
	r.registry.Register(p)
	r.logger.Info("provider registered", "provider", p.Name())
}

// Providers returns the names of all registered adapters, sorted.
func (r *Router) Providers() []string {
	return r.registry.Names()
}

// Config returns the current configuration snapshot. Treat it as read-only;
// runtime changes go through the typed update methods.
func (r *Router) Config() *Config {
	return r.cfg.Current()
}

// UpdatePricing sets the price for one provider/model pair.
func (r *Router) UpdatePricing(providerName, model string, rate pricing.Rate) error {
	return r.cfg.UpdatePricing(providerName, model, rate)
}

// SetFeatureFlag flips a feature flag, such as "streaming" or
// "provider:openai".
func (r *Router) SetFeatureFlag(name string, enabled bool) error {
	return r.cfg.SetFeatureFlag(name, enabled)
}

// SetRoleMapping installs or replaces the candidate chain for a role.
func (r *Router) SetRoleMapping(role string, mapping RoleMapping) error {
	return r.cfg.SetRoleMapping(role, mapping)
}

// SetRateLimit replaces a provider's dispatch budget. The new limiter
// applies to subsequent dispatches.
func (r *Router) SetRateLimit(providerName string, settings RateLimitSettings) error {
	return r.cfg.SetRateLimit(providerName, settings)
}

// Metrics returns a snapshot of the internal counters, optionally narrowed
// by provider and/or role.
func (r *Router) Metrics(filter MetricsFilter) MetricsSnapshot {
	return r.metrics.Snapshot(filter)
}

// Costs returns the cost tracker for spend queries and exports.
func (r *Router) Costs() *CostTracker {
	return r.costs
}

// Tokens returns the token tracker for rolling-window token views.
func (r *Router) Tokens() *TokenTracker {
	return r.tokens
}

// Templates returns the prompt template manager.
func (r *Router) Templates() *template.Manager {
	return r.templates
}

// CacheStats reports response cache counters.
func (r *Router) CacheStats() CacheStats {
	return r.cache.Stats()
}

// CacheFlush drops every cached response.
func (r *Router) CacheFlush(ctx context.Context) error {
	return r.cache.Clear(ctx)
}

// QueueMetrics reports queue depths, totals, and the average wait.
func (r *Router) QueueMetrics() QueueMetrics {
	return r.queue.Metrics()
}

// QueueStatus reports the state of one tracked queue entry.
func (r *Router) QueueStatus(id string) (QueueRequestStatus, bool) {
	return r.queue.RequestStatus(id)
}

// QueueRequests lists every queued request in grant order.
func (r *Router) QueueRequests() []QueueRequestStatus {
	return r.queue.Requests()
}

// QueueRemove withdraws a still-queued request.
func (r *Router) QueueRemove(id string) bool {
	return r.queue.Remove(id)
}

// QueuePause stops granting dispatch slots until QueueResume.
func (r *Router) QueuePause() {
	r.queue.Pause()
}

// QueueResume restarts dispatch grants.
func (r *Router) QueueResume() {
	r.queue.Resume()
}

// QueueClear withdraws every queued request; their waiters fail with a
// cancellation error. In-flight dispatches are unaffected.
func (r *Router) QueueClear() int {
	return r.queue.Clear()
}

// RateLimitStats describes each provider's limiter occupancy.
func (r *Router) RateLimitStats() []ratelimit.Stats {
	return r.limits.Stats()
}
