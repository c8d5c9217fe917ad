package jobs

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry maps job types to processor factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name. Replacing an existing entry logs a warning.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		zap.S().Named("job_registry").Warnw("overwriting registered processor", "job_type", name)
	}
	r.factories[name] = factory
}

func (r *Registry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, NewNotRegisteredError(name)
	}
	return factory, nil
}

// List returns the registered job types in lexical order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// defaultRegistry is filled by feature packages during process start, before any job runs.
// Tests should build their own Registry with NewRegistry.
var defaultRegistry = NewRegistry()

// Default returns the process-wide registry that the worker and the submit command resolve against.
func Default() *Registry {
	return defaultRegistry
}
