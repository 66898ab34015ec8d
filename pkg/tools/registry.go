package tools

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registry maps tool names to definitions with thread-safe operations.
// Registration is global; per-step authorization is enforced by the agent
// runtime against the step's declared tool set.
type Registry interface {
	Register(def *Definition) error
	Get(name string) (*Definition, error)
	List() []*Definition
	Names() []string
	Has(name string) bool
	Count() int
	Unregister(name string) error
	Clone() Registry
}

// InMemoryRegistry is the default Registry implementation.
type InMemoryRegistry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

var _ Registry = (*InMemoryRegistry)(nil)

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		defs: make(map[string]Definition),
	}
}

// Register adds a definition under def.Name. Re-registering a name replaces
// the previous definition.
func (r *InMemoryRegistry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return errors.New("tool definition needs a name")
	}
	if def.Handler == nil {
		return errors.Errorf("tool %s has no handler", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = *def
	return nil
}

// Get retrieves a definition by name. The returned value is a copy so
// callers cannot mutate the registered definition.
func (r *InMemoryRegistry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	defCopy := def
	return &defCopy, nil
}

// List returns all definitions sorted by name, so the tool set advertised
// to the provider is deterministic.
func (r *InMemoryRegistry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.defs))
	for name := range r.defs {
		def := r.defs[name]
		out = append(out, &def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted registered tool names.
func (r *InMemoryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a tool name is registered.
func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.defs[name]
	return ok
}

// Count returns the number of registered tools.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.defs)
}

// Unregister removes a tool.
func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defs[name]; !ok {
		return &UnknownToolError{Name: name}
	}
	delete(r.defs, name)
	return nil
}

// Clone creates an independent copy of the registry, used to derive
// run-scoped registries without touching the shared one.
func (r *InMemoryRegistry) Clone() Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cloned := NewInMemoryRegistry()
	for name, def := range r.defs {
		cloned.defs[name] = def
	}
	return cloned
}
