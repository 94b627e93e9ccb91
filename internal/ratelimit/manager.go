package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/config"
)

// Stats describes one provider's limiter for introspection.
type Stats struct {
	Provider      string        `json:"provider"`
	InFlight      int           `json:"in_flight"`
	Waiting       int           `json:"waiting"`
	MaxConcurrent int           `json:"max_concurrent"`
	MinTime       time.Duration `json:"min_time"`
	Reservoir     int           `json:"reservoir"`
}

// Manager owns one limiter per provider, built lazily from configuration.
// Applying new settings swaps the limiter; dispatches already holding the
// old limiter finish under its rules.
type Manager struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	lookup   func(provider string) (config.RateLimitSettings, bool)
}

// NewManager creates the manager. lookup resolves the current settings for
// a provider; providers it does not know run unbounded.
func NewManager(lookup func(provider string) (config.RateLimitSettings, bool)) *Manager {
	if lookup == nil {
		lookup = func(string) (config.RateLimitSettings, bool) {
			return config.RateLimitSettings{}, false
		}
	}
	return &Manager{
		limiters: make(map[string]*Limiter),
		lookup:   lookup,
	}
}

// Limiter returns the provider's limiter, creating it on first use.
func (m *Manager) Limiter(provider string) *Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.limiters[provider]; ok {
		return l
	}
	settings, _ := m.lookup(provider)
	l := NewLimiter(provider, settings)
	m.limiters[provider] = l
	return l
}

// Apply replaces a provider's limiter with one built from new settings.
func (m *Manager) Apply(provider string, settings config.RateLimitSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[provider] = NewLimiter(provider, settings)
}

// Refresh rebuilds the named provider's limiter from the lookup source, or
// every limiter when provider is empty.
func (m *Manager) Refresh(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if provider != "" {
		settings, _ := m.lookup(provider)
		m.limiters[provider] = NewLimiter(provider, settings)
		return
	}
	for name := range m.limiters {
		settings, _ := m.lookup(name)
		m.limiters[name] = NewLimiter(name, settings)
	}
}

// Schedule runs fn under the provider's dispatch budget. It blocks in FIFO
// order for a slot, honors spacing and reservoir budgets, and frees the
// slot when fn returns. Cancellation while waiting returns before fn runs.
func (m *Manager) Schedule(ctx context.Context, provider string, fn func() error) error {
	release, err := m.Limiter(provider).Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Stats snapshots every known limiter, sorted by provider.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Stats, 0, len(m.limiters))
	for name, l := range m.limiters {
		s := l.Settings()
		out = append(out, Stats{
			Provider:      name,
			InFlight:      l.InFlight(),
			Waiting:       l.Waiting(),
			MaxConcurrent: s.MaxConcurrent,
			MinTime:       s.MinTime,
			Reservoir:     s.Reservoir,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
