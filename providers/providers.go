// Package providers maps provider names to adapter constructors so the
// router and the daemon can build adapters straight from configuration.
package providers

import (
	"sort"

	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/providers/anthropic"
	"github.com/modelmux/modelmux/providers/openai"
)

// Factory builds one adapter from its configuration.
type Factory func(cfg provider.Config) provider.Provider

var factories = map[string]Factory{
	openai.ProviderName:    func(cfg provider.Config) provider.Provider { return openai.New(cfg) },
	anthropic.ProviderName: func(cfg provider.Config) provider.Provider { return anthropic.New(cfg) },
}

// Build constructs the named adapter. It reports false for names without a
// built-in factory; those need a pre-built instance instead.
func Build(name string, cfg provider.Config) (provider.Provider, bool) {
	factory, ok := factories[name]
	if !ok {
		return nil, false
	}
	return factory(cfg), true
}

// Known lists the provider names Build recognizes, sorted.
func Known() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
