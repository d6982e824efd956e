package schema

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Registry maps schema names to compiled schemas. Names are NFC normalized.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds s under its name. Registering a second schema with the same
// name is an error.
func (r *Registry) Register(s *Schema) error {
	name := norm.NFC.String(s.Name())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[name]; ok {
		return fmt.Errorf("schema %q already registered", name)
	}
	r.schemas[name] = s
	return nil
}

// Unregister removes the named schema. Returns false if it was not registered.
func (r *Registry) Unregister(name string) bool {
	name = norm.NFC.String(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[name]; !ok {
		return false
	}
	delete(r.schemas, name)
	return true
}

// Lookup returns the named schema.
func (r *Registry) Lookup(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[norm.NFC.String(name)]
	return s, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
