package modelmux

import (
	"log/slog"

	"github.com/modelmux/modelmux/pkg/cache"
	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/usage"
)

// RouterConfig holds construction-time settings for the Router. Most fields
// have working defaults; the zero value yields a router with default
// configuration, an in-memory cache, and no providers.
type RouterConfig struct {
	// Config is the initial configuration snapshot. Takes precedence over
	// ConfigFile.
	Config *config.Config

	// ConfigFile is a YAML configuration path. With HotReload the file is
	// watched and re-loaded on change.
	ConfigFile string

	// Providers are pre-built adapter instances registered at construction,
	// in addition to the adapters built from the configuration's providers
	// section. An instance replaces a built adapter with the same name.
	Providers []provider.Provider

	// CacheStore overrides the response cache backend. Defaults to the
	// in-memory store sized from the cache configuration.
	CacheStore cache.Store

	// Sinks receive every accepted usage record.
	Sinks []usage.Sink

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Prometheus mirrors the internal metrics into the default Prometheus
	// registry.
	Prometheus bool

	// HotReload watches the configuration file and the template directory
	// and applies changes without a restart.
	HotReload bool
}

// Option is a function that configures the Router.
type Option func(*RouterConfig)

// defaultRouterConfig returns sensible defaults.
func defaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		Logger: slog.Default(),
	}
}

// WithConfig sets the initial configuration snapshot. The router takes
// ownership: later runtime updates go through its typed update methods.
func WithConfig(cfg *config.Config) Option {
	return func(c *RouterConfig) {
		c.Config = cfg
	}
}

// WithConfigFile loads the configuration from a YAML file.
//
// Example:
//
//	router, err := modelmux.New(
//	    modelmux.WithConfigFile("modelmux.yaml"),
//	    modelmux.WithHotReload(),
//	)
func WithConfigFile(path string) Option {
	return func(c *RouterConfig) {
		c.ConfigFile = path
	}
}

// WithProvider registers a pre-built adapter instance. Use this for custom
// adapters or when the built-in factory defaults are not enough.
//
// Example:
//
//	p := openai.New(provider.Config{
//	    APIKey:  os.Getenv("OPENAI_API_KEY"),
//	    BaseURL: "https://proxy.internal/v1",
//	})
//	modelmux.WithProvider(p)
func WithProvider(p Provider) Option {
	return func(c *RouterConfig) {
		c.Providers = append(c.Providers, p)
	}
}

// WithCacheStore sets the response cache backend.
//
// Example:
//
//	store, err := redis.New(redis.Config{Addr: "localhost:6379"})
//	if err != nil {
//	    return err
//	}
//	modelmux.WithCacheStore(store)
func WithCacheStore(store CacheStore) Option {
	return func(c *RouterConfig) {
		c.CacheStore = store
	}
}

// WithSink adds a durable sink for usage records. Sink failures are logged
// and never fail the call that produced the record.
func WithSink(sink UsageSink) Option {
	return func(c *RouterConfig) {
		c.Sinks = append(c.Sinks, sink)
	}
}

// WithLogger sets the logger for the router and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *RouterConfig) {
		c.Logger = logger
	}
}

// WithPrometheus mirrors internal metrics into Prometheus collectors
// registered with the default registry. Serve them with promhttp.
func WithPrometheus() Option {
	return func(c *RouterConfig) {
		c.Prometheus = true
	}
}

// WithHotReload watches the configuration file and template directory for
// changes. Without it both are loaded once at construction.
func WithHotReload() Option {
	return func(c *RouterConfig) {
		c.HotReload = true
	}
}
