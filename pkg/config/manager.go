package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/modelmux/modelmux/pkg/pricing"
)

// ChangeKind identifies which part of the configuration changed.
type ChangeKind string

const (
	ChangePricing   ChangeKind = "pricing"
	ChangeFlag      ChangeKind = "flag"
	ChangeRole      ChangeKind = "role"
	ChangeRateLimit ChangeKind = "rate_limit"
	ChangeReload    ChangeKind = "reload"
)

// Change describes one configuration mutation. Only the fields relevant to
// the Kind are set.
type Change struct {
	Kind     ChangeKind
	Provider string
	Model    string
	Role     string
	Flag     string
}

// debounceDelay coalesces bursts of file events into one reload.
const debounceDelay = 500 * time.Millisecond

// Manager holds the live configuration and serializes updates. Readers get
// immutable snapshots via Current; writers go through the typed update
// methods, each of which clones, mutates, swaps, and notifies subscribers.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger

	mu        sync.Mutex
	onChange  []func(Change)
	watcher   *fsnotify.Watcher
	debouncer *time.Timer
	closed    bool
}

// NewManager wraps an initial configuration. The manager owns its copy;
// later mutations of cfg by the caller are not observed.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger}
	m.current.Store(cfg.Clone())
	return m
}

// NewManagerFromFile loads the configuration from path and remembers the
// path for Watch.
func NewManagerFromFile(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := NewManager(cfg, logger)
	m.path = path
	return m, nil
}

// Current returns the live snapshot. Callers must treat it as read-only.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// OnChange registers a callback invoked after every applied change.
// Callbacks run synchronously on the updating goroutine and must not block.
func (m *Manager) OnChange(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Rate implements pricing.View against the live snapshot.
func (m *Manager) Rate(provider, model string) (pricing.Rate, bool) {
	return m.Current().Pricing.Rate(provider, model)
}

// UpdatePricing sets the rate for one (provider, model) pair.
func (m *Manager) UpdatePricing(provider, model string, rate pricing.Rate) error {
	if provider == "" || model == "" {
		return fmt.Errorf("pricing update requires provider and model")
	}
	if rate.Input < 0 || rate.Output < 0 {
		return fmt.Errorf("pricing update for %s/%s: negative rate", provider, model)
	}
	m.apply(func(c *Config) {
		if c.Pricing == nil {
			c.Pricing = pricing.Table{}
		}
		c.Pricing.Set(provider, model, rate)
	}, Change{Kind: ChangePricing, Provider: provider, Model: model})
	return nil
}

// SetFeatureFlag flips one feature flag.
func (m *Manager) SetFeatureFlag(name string, enabled bool) error {
	if name == "" {
		return fmt.Errorf("feature flag name must be non-empty")
	}
	m.apply(func(c *Config) {
		if c.FeatureFlags == nil {
			c.FeatureFlags = map[string]bool{}
		}
		c.FeatureFlags[name] = enabled
	}, Change{Kind: ChangeFlag, Flag: name})
	return nil
}

// SetRoleMapping installs or replaces one role mapping.
func (m *Manager) SetRoleMapping(role string, mapping RoleMapping) error {
	if err := ValidateMapping(role, mapping); err != nil {
		return err
	}
	m.apply(func(c *Config) {
		if c.RoleMappings == nil {
			c.RoleMappings = map[string]RoleMapping{}
		}
		c.RoleMappings[role] = mapping
	}, Change{Kind: ChangeRole, Role: role})
	return nil
}

// SetRateLimit installs or replaces the dispatch budget for a provider.
func (m *Manager) SetRateLimit(provider string, settings RateLimitSettings) error {
	if provider == "" {
		return fmt.Errorf("rate limit update requires a provider")
	}
	if settings.MaxConcurrent < 0 || settings.MinTime < 0 || settings.Reservoir < 0 {
		return fmt.Errorf("rate limit for %q: negative setting", provider)
	}
	if settings.Reservoir > 0 && (settings.Interval <= 0 || settings.RefillPerInterval <= 0) {
		return fmt.Errorf("rate limit for %q: reservoir requires interval and refill_per_interval", provider)
	}
	m.apply(func(c *Config) {
		if c.RateLimits == nil {
			c.RateLimits = map[string]RateLimitSettings{}
		}
		c.RateLimits[provider] = settings
	}, Change{Kind: ChangeRateLimit, Provider: provider})
	return nil
}

// apply clones the snapshot, runs the mutation, swaps, and notifies.
func (m *Manager) apply(mutate func(*Config), change Change) {
	m.mu.Lock()
	next := m.Current().Clone()
	mutate(next)
	m.current.Store(next)
	subscribers := make([]func(Change), len(m.onChange))
	copy(subscribers, m.onChange)
	m.mu.Unlock()

	for _, fn := range subscribers {
		fn(change)
	}
}

// Watch reloads the backing file whenever it changes, until ctx is done or
// Close is called. A reload that fails to parse or validate keeps the
// previous snapshot. Watch returns an error if the manager has no backing
// file.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return fmt.Errorf("config watch requires a backing file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would go stale.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		watcher.Close()
		return fmt.Errorf("config manager is closed")
	}
	m.watcher = watcher
	m.mu.Unlock()

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	base := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (m *Manager) scheduleReload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.debouncer != nil {
		m.debouncer.Stop()
	}
	m.debouncer = time.AfterFunc(debounceDelay, func() {
		if err := m.Reload(); err != nil {
			m.logger.Error("config reload failed, keeping previous configuration",
				"path", m.path, "error", err)
		}
	})
}

// Reload re-reads the backing file and swaps the snapshot. On failure the
// previous snapshot stays live and the error is returned.
func (m *Manager) Reload() error {
	if m.path == "" {
		return fmt.Errorf("config manager has no backing file")
	}
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("config manager is closed")
	}
	m.current.Store(cfg)
	subscribers := make([]func(Change), len(m.onChange))
	copy(subscribers, m.onChange)
	m.mu.Unlock()

	m.logger.Info("configuration reloaded", "path", m.path)
	for _, fn := range subscribers {
		fn(Change{Kind: ChangeReload})
	}
	return nil
}

// Close stops watching. The manager keeps serving its last snapshot.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.debouncer != nil {
		m.debouncer.Stop()
		m.debouncer = nil
	}
	if m.watcher != nil {
		err := m.watcher.Close()
		m.watcher = nil
		return err
	}
	return nil
}
