// Package drivers holds the contracts the RPC dispatch surface
// delegates to. Every registry is populated once at startup and passed
// by reference into the dispatcher; nothing is looked up globally.
package drivers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps a driver type name to an implementation.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]T)}
}

func (r *Registry[T]) Register(name string, impl T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = impl
}

func (r *Registry[T]) Get(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.entries[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("no driver registered for type %q", name)
	}
	return impl, nil
}

func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
