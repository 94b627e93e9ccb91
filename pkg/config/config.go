// Package config defines the router configuration: role mappings, pricing,
// per-provider rate limits, feature flags, and the cache/queue/retry tuning
// blocks. Configuration is loaded once from YAML (with ${VAR} expansion) and
// then mutated only through the Manager, which publishes immutable snapshots
// and change events.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	muxerrors "github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/pricing"
)

// Config is one immutable configuration snapshot. Mutating a snapshot that
// has been published through a Manager is a data race; use the typed update
// methods instead.
type Config struct {
	TemplateDir string `yaml:"template_dir"`

	Cache CacheConfig `yaml:"cache"`
	Queue QueueConfig `yaml:"queue"`
	Retry RetryConfig `yaml:"retry"`

	RateLimits   map[string]RateLimitSettings `yaml:"rate_limits"`
	Pricing      pricing.Table                `yaml:"pricing"`
	RoleMappings map[string]RoleMapping       `yaml:"role_mappings"`
	FeatureFlags map[string]bool              `yaml:"feature_flags"`
	Providers    map[string]ProviderSettings  `yaml:"providers"`
}

// CacheConfig tunes the response cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Backend    string        `yaml:"backend"` // memory, redis
}

// QueueConfig tunes the request queue. Concurrency is the number of queued
// requests that may be dispatching simultaneously across all providers.
type QueueConfig struct {
	MaxSize     int           `yaml:"max_size"`
	Concurrency int           `yaml:"concurrency"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// RetryConfig tunes per-candidate retries. Count is the number of retries
// after the first attempt; Backoff doubles per retry up to MaxBackoff.
type RetryConfig struct {
	Count      int           `yaml:"count"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// RateLimitSettings is the per-provider dispatch budget.
type RateLimitSettings struct {
	MaxConcurrent     int           `yaml:"max_concurrent"`
	MinTime           time.Duration `yaml:"min_time"`
	Reservoir         int           `yaml:"reservoir"`
	RefillPerInterval int           `yaml:"refill_per_interval"`
	Interval          time.Duration `yaml:"interval"`
}

// ModelRef names one (provider, model) candidate.
type ModelRef struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// String renders the candidate as provider/model.
func (r ModelRef) String() string {
	return r.Provider + "/" + r.Model
}

// IsZero reports whether the reference is unset.
func (r ModelRef) IsZero() bool {
	return r.Provider == "" && r.Model == ""
}

// RoleMapping binds a logical role to a primary candidate and an ordered
// fallback list.
type RoleMapping struct {
	Primary   ModelRef   `yaml:"primary" json:"primary"`
	Fallbacks []ModelRef `yaml:"fallbacks" json:"fallbacks,omitempty"`
}

// ProviderSettings configures one provider adapter.
type ProviderSettings struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

// IsEnabled reports whether the provider is administratively enabled
// (default true).
func (s ProviderSettings) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// FeatureFlagStreaming gates the streaming surface.
const FeatureFlagStreaming = "streaming"

// ProviderFlag names the feature flag that disables a single provider.
func ProviderFlag(provider string) string {
	return "provider:" + provider
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
			Backend:    "memory",
		},
		Queue: QueueConfig{
			MaxSize:     1000,
			Concurrency: 16,
			MaxWait:     30 * time.Second,
		},
		Retry: RetryConfig{
			Count:      2,
			Backoff:    500 * time.Millisecond,
			MaxBackoff: 10 * time.Second,
		},
		RateLimits:   map[string]RateLimitSettings{},
		Pricing:      pricing.Default.Clone(),
		RoleMappings: map[string]RoleMapping{},
		FeatureFlags: map[string]bool{FeatureFlagStreaming: true},
		Providers:    map[string]ProviderSettings{},
	}
}

// Load reads and parses a YAML configuration file. Environment variables in
// the form ${VAR} are expanded before parsing. Fields absent from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache ttl must be non-negative")
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue max_size must be positive")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be positive")
	}
	if c.Retry.Count < 0 {
		return fmt.Errorf("retry count must be non-negative")
	}

	for role, m := range c.RoleMappings {
		if m.Primary.Provider == "" || m.Primary.Model == "" {
			return fmt.Errorf("role %q: primary requires provider and model", role)
		}
		for i, f := range m.Fallbacks {
			if f.Provider == "" || f.Model == "" {
				return fmt.Errorf("role %q: fallback %d requires provider and model", role, i)
			}
		}
	}

	for provider, rl := range c.RateLimits {
		if rl.MaxConcurrent < 0 || rl.Reservoir < 0 || rl.RefillPerInterval < 0 {
			return fmt.Errorf("rate limit for %q: negative setting", provider)
		}
		if rl.MinTime < 0 {
			return fmt.Errorf("rate limit for %q: negative min_time", provider)
		}
		if rl.Reservoir > 0 && (rl.Interval <= 0 || rl.RefillPerInterval <= 0) {
			return fmt.Errorf("rate limit for %q: reservoir requires interval and refill_per_interval", provider)
		}
	}

	for provider, models := range c.Pricing {
		for model, rate := range models {
			if rate.Input < 0 || rate.Output < 0 {
				return fmt.Errorf("pricing for %s/%s: negative rate", provider, model)
			}
		}
	}

	return nil
}

// FlagEnabled reports a feature flag with an explicit default.
func (c *Config) FlagEnabled(name string, def bool) bool {
	if v, ok := c.FeatureFlags[name]; ok {
		return v
	}
	return def
}

// ProviderEnabled combines provider settings and the provider feature flag.
func (c *Config) ProviderEnabled(name string) bool {
	if !c.FlagEnabled(ProviderFlag(name), true) {
		return false
	}
	if s, ok := c.Providers[name]; ok {
		return s.IsEnabled()
	}
	return true
}

// Candidates resolves a role to its ordered candidate list, primary first,
// with administratively disabled providers filtered out. The second result
// is false when the role has no mapping. An empty list with ok=true means
// every candidate is currently disabled.
func (c *Config) Candidates(role string) ([]ModelRef, bool) {
	m, ok := c.RoleMappings[role]
	if !ok {
		return nil, false
	}
	out := make([]ModelRef, 0, 1+len(m.Fallbacks))
	if c.ProviderEnabled(m.Primary.Provider) {
		out = append(out, m.Primary)
	}
	for _, f := range m.Fallbacks {
		if c.ProviderEnabled(f.Provider) {
			out = append(out, f)
		}
	}
	return out, true
}

// RateLimit returns the configured settings for a provider, or ok=false so
// callers can apply their defaults.
func (c *Config) RateLimit(provider string) (RateLimitSettings, bool) {
	s, ok := c.RateLimits[provider]
	return s, ok
}

// Clone deep-copies the configuration.
func (c *Config) Clone() *Config {
	out := *c

	if c.RateLimits != nil {
		out.RateLimits = make(map[string]RateLimitSettings, len(c.RateLimits))
		for k, v := range c.RateLimits {
			out.RateLimits[k] = v
		}
	}
	out.Pricing = c.Pricing.Clone()
	if c.RoleMappings != nil {
		out.RoleMappings = make(map[string]RoleMapping, len(c.RoleMappings))
		for role, m := range c.RoleMappings {
			mm := m
			if m.Fallbacks != nil {
				mm.Fallbacks = make([]ModelRef, len(m.Fallbacks))
				copy(mm.Fallbacks, m.Fallbacks)
			}
			out.RoleMappings[role] = mm
		}
	}
	if c.FeatureFlags != nil {
		out.FeatureFlags = make(map[string]bool, len(c.FeatureFlags))
		for k, v := range c.FeatureFlags {
			out.FeatureFlags[k] = v
		}
	}
	if c.Providers != nil {
		out.Providers = make(map[string]ProviderSettings, len(c.Providers))
		for k, v := range c.Providers {
			out.Providers[k] = v
		}
	}

	return &out
}

// ValidateMapping checks one role mapping in isolation, for runtime updates.
func ValidateMapping(role string, m RoleMapping) error {
	if role == "" {
		return muxerrors.New(muxerrors.KindValidation, "role name must be non-empty")
	}
	if m.Primary.Provider == "" || m.Primary.Model == "" {
		return muxerrors.Newf(muxerrors.KindValidation, "role %q: primary requires provider and model", role)
	}
	for i, f := range m.Fallbacks {
		if f.Provider == "" || f.Model == "" {
			return muxerrors.Newf(muxerrors.KindValidation, "role %q: fallback %d requires provider and model", role, i)
		}
	}
	return nil
}
