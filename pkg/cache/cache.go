// Package cache holds process-wide handles that are expensive to build, one
// per configuration key.
package cache

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry maps a configuration key to a lazily built instance. At most one
// instance is built per key, even under concurrent first use.
type Registry[V any] struct {
	mu    sync.RWMutex
	items map[string]V
	group singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry[V any]() *Registry[V] {
	return &Registry[V]{items: make(map[string]V)}
}

// Get returns the instance for key, calling build on first use. A failed
// build is not cached; the next Get tries again.
func (r *Registry[V]) Get(key string, build func() (V, error)) (V, error) {
	r.mu.RLock()
	v, ok := r.items[key]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	out, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		existing, ok := r.items[key]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		built, err := build()
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.items[key] = built
		r.mu.Unlock()
		return built, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return out.(V), nil
}

// Lookup returns the instance for key without building one.
func (r *Registry[V]) Lookup(key string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[key]
	return v, ok
}

// Len reports the number of cached instances.
func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Close removes every instance, passing each to release. The first release
// error is returned after all instances are released.
func (r *Registry[V]) Close(release func(key string, v V) error) error {
	r.mu.Lock()
	items := r.items
	r.items = make(map[string]V)
	r.mu.Unlock()

	var first error
	for k, v := range items {
		if release == nil {
			continue
		}
		if err := release(k, v); err != nil && first == nil {
			first = err
		}
	}
	return first
}
