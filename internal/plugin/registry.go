package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sentinel errors for registry operations.
var (
	// ErrPluginNotFound is returned when no factory is registered under a name.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrDuplicatePlugin is returned when a name is registered twice.
	ErrDuplicatePlugin = errors.New("plugin already registered")
)

// Factory constructs a plugin instance from its resolved options.
type Factory func(options map[string]any) (Plugin, error)

// Registry maps plugin names to factories. Safe for concurrent use.
//
// The registry is the interface-level surface only: discovery and
// registration mechanics live with the embedding application, which calls
// Register during startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a name. Registering the same name twice is
// an error: silently replacing a plugin would change run semantics without
// any configuration change.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicatePlugin, name)
	}

	r.factories[name] = factory

	return nil
}

// Create instantiates the named plugin with the given options.
func (r *Registry) Create(name string, options map[string]any) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPluginNotFound, name)
	}

	return factory(options)
}

// Names returns all registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
