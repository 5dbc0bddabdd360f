package core

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the module adapters the engine can import into and export from.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its module key.
// Panics if the module is already registered.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := a.Module()
	if _, exists := r.adapters[key]; exists {
		panic(fmt.Sprintf("module already registered: %s", key))
	}
	r.adapters[key] = a
}

// Get returns the adapter for module.
func (r *Registry) Get(module string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[module]
	return a, ok
}

// Lookup is Get returning ErrUnknownModule when the module is absent.
func (r *Registry) Lookup(module string) (Adapter, error) {
	if a, ok := r.Get(module); ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModule, module)
}

// All returns every adapter sorted by module key.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Module() < result[j].Module()
	})
	return result
}

// Modules describes every registered module.
func (r *Registry) Modules() []ModuleInfo {
	all := r.All()
	out := make([]ModuleInfo, len(all))
	for i, a := range all {
		out[i] = Describe(a)
	}
	return out
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
