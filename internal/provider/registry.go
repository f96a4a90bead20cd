package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves provider names and produces the ordered list to try for a track.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallbacks []string
}

// NewRegistry creates a registry whose fallback order is fallbacks, tried after a track's own provider.
func NewRegistry(fallbacks ...string) *Registry {
	return &Registry{providers: make(map[string]Provider), fallbacks: fallbacks}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get resolves name. An unknown or unconfigured provider is reported as unavailable,
// so a resolution failure is handled like any other availability failure.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, &Error{Provider: name, Err: fmt.Errorf("%w: not configured", ErrProviderUnavailable)}
	}
	return p, nil
}

// Chain returns primary followed by the configured fallbacks, without duplicates.
func (r *Registry) Chain(primary string) []string {
	chain := []string{primary}
	for _, name := range r.fallbacks {
		if name != "" && name != primary {
			chain = append(chain, name)
		}
	}
	return chain
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
