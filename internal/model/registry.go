package model

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Registry maps names to model types. Names are NFC normalized.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Type)}
}

// Register adds t under t.TypeName(). The type must be usable: it needs a
// table and a connection.
func (r *Registry) Register(t *Type) error {
	if err := t.check(); err != nil {
		return err
	}
	name := norm.NFC.String(t.TypeName())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[name]; ok {
		return fmt.Errorf("model type %q already registered", name)
	}
	r.types[name] = t
	return nil
}

// Unregister removes the named type. Returns false if it was not registered.
func (r *Registry) Unregister(name string) bool {
	name = norm.NFC.String(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[name]; !ok {
		return false
	}
	delete(r.types, name)
	return true
}

// Lookup returns the named type.
func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[norm.NFC.String(name)]
	return t, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
