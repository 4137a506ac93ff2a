package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

// Registry maps each provider to its single adapter instance.
type Registry struct {
	mu       sync.RWMutex
	adapters map[coreprocessor.Provider]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[coreprocessor.Provider]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Provider().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
	log.Debug().Str("provider", string(a.Provider())).Msg("provider adapter registered")
}

// Get returns the adapter for p or ErrUnsupportedProvider.
func (r *Registry) Get(p coreprocessor.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, p)
	}
	return a, nil
}

// Providers lists registered providers in name order.
func (r *Registry) Providers() []coreprocessor.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]coreprocessor.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		names = append(names, p)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
