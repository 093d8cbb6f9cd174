package flow

import (
	"fmt"
	"sync"
)

// Factory constructs a node instance of a registered type. The returned node
// must carry its ports already declared; deserialization calls Initialize
// afterwards with the restored port set.
type Factory func(id string) (Node, error)

// Registry maps node type tags to factories. Deserialization reconstructs
// nodes through the registry, so every type appearing in a serialized flow
// must be registered before Deserialize is called.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a type tag to a factory. Re-registering a tag replaces the
// previous factory.
func (r *Registry) Register(typeTag string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeTag] = factory
}

// New instantiates a node of the given type.
func (r *Registry) New(typeTag, id string) (Node, error) {
	r.mu.RLock()
	factory, ok := r.factories[typeTag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, typeTag)
	}
	return factory(id)
}

// Known reports whether a type tag has a registered factory.
func (r *Registry) Known(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeTag]
	return ok
}

// defaultRegistry is the process-wide registry used by package-level helpers.
// Node libraries register their types at init time.
var defaultRegistry = NewRegistry()

// Register binds a type tag to a factory in the default registry.
func Register(typeTag string, factory Factory) {
	defaultRegistry.Register(typeTag, factory)
}

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}
