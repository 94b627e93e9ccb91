package provider

import (
	"sort"
	"sync"

	muxerrors "github.com/modelmux/modelmux/pkg/errors"
)

// Registry holds the adapters the router may dispatch to, keyed by name.
// Adapters are injected; the registry never constructs them.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register installs an adapter under its own name, replacing any previous
// adapter with that name. In-flight calls on the replaced adapter finish
// against the instance they started with.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	r.providers[p.Name()] = p
	r.mu.Unlock()
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, muxerrors.Newf(muxerrors.KindConfig, "provider %q is not registered", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
