package usage

import (
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/types"
)

// windowSpan is how far back the rolling token window reaches.
const windowSpan = time.Hour

type tokenSample struct {
	at       time.Time
	provider string
	role     string
	tokens   types.Usage
}

// WindowStats summarizes token consumption over a recent span.
type WindowStats struct {
	Calls           int64       `json:"calls"`
	Tokens          types.Usage `json:"tokens"`
	TokensPerMinute float64     `json:"tokensPerMinute"`
}

// TokenTracker mirrors token consumption on the cost tracker's keys:
// lifetime totals per provider and per role, plus a rolling one-hour sample
// window for burn-rate views.
type TokenTracker struct {
	mu         sync.Mutex
	total      types.Usage
	byProvider map[string]*types.Usage
	byRole     map[string]*types.Usage
	samples    []tokenSample
}

// NewTokenTracker creates an empty tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{
		byProvider: make(map[string]*types.Usage),
		byRole:     make(map[string]*types.Usage),
	}
}

// Record adds one call's token usage.
func (t *TokenTracker) Record(provider, role string, tokens types.Usage) {
	if tokens.Total == 0 {
		tokens.Total = tokens.Input + tokens.Output
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.Add(tokens)
	addInto(t.byProvider, provider, tokens)
	if role != "" {
		addInto(t.byRole, role, tokens)
	}

	t.pruneLocked(now)
	t.samples = append(t.samples, tokenSample{at: now, provider: provider, role: role, tokens: tokens})
}

func addInto(m map[string]*types.Usage, key string, tokens types.Usage) {
	tot, ok := m[key]
	if !ok {
		tot = &types.Usage{}
		m[key] = tot
	}
	tot.Add(tokens)
}

func (t *TokenTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-windowSpan)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = append(t.samples[:0], t.samples[i:]...)
	}
}

// Total returns lifetime token consumption.
func (t *TokenTracker) Total() types.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// TotalByProvider returns lifetime consumption per provider.
func (t *TokenTracker) TotalByProvider() map[string]types.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyTotals(t.byProvider)
}

// TotalByRole returns lifetime consumption per role.
func (t *TokenTracker) TotalByRole() map[string]types.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyTotals(t.byRole)
}

func copyTotals(m map[string]*types.Usage) map[string]types.Usage {
	out := make(map[string]types.Usage, len(m))
	for key, tot := range m {
		out[key] = *tot
	}
	return out
}

// clampSpan bounds a requested window to what the sample buffer can serve.
func clampSpan(d time.Duration) time.Duration {
	if d <= 0 || d > windowSpan {
		return windowSpan
	}
	return d
}

// Window sums consumption over the last d. Zero or oversized spans read the
// full retained hour.
func (t *TokenTracker) Window(d time.Duration) WindowStats {
	d = clampSpan(d)
	now := time.Now()
	cutoff := now.Add(-d)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(now)
	var stats WindowStats
	for _, s := range t.samples {
		if s.at.Before(cutoff) {
			continue
		}
		stats.Calls++
		stats.Tokens.Add(s.tokens)
	}
	stats.TokensPerMinute = perMinute(stats.Tokens.Total, d)
	return stats
}

// WindowByProvider sums the window per provider.
func (t *TokenTracker) WindowByProvider(d time.Duration) map[string]WindowStats {
	d = clampSpan(d)
	now := time.Now()
	cutoff := now.Add(-d)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(now)
	out := make(map[string]WindowStats)
	for _, s := range t.samples {
		if s.at.Before(cutoff) {
			continue
		}
		stats := out[s.provider]
		stats.Calls++
		stats.Tokens.Add(s.tokens)
		out[s.provider] = stats
	}
	for provider, stats := range out {
		stats.TokensPerMinute = perMinute(stats.Tokens.Total, d)
		out[provider] = stats
	}
	return out
}

func perMinute(total int, d time.Duration) float64 {
	minutes := d.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(total) / minutes
}

// Reset drops all counters and the window.
func (t *TokenTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = types.Usage{}
	t.byProvider = make(map[string]*types.Usage)
	t.byRole = make(map[string]*types.Usage)
	t.samples = nil
}
