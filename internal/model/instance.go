package model

import (
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/docbind/internal/doc"
	"github.com/roach88/docbind/internal/driver"
)

// Instance is one document of a Type held in memory.
//
// Accessors are safe for concurrent use. Running two Save/Destroy calls on
// the same instance at once is allowed but their order is unspecified.
type Instance struct {
	typ *Type

	mu       sync.Mutex
	attrs    doc.Document
	previous doc.Document
	meta     *driver.Result
}

// Type returns the instance's model type.
func (i *Instance) Type() *Type { return i.typ }

// Attributes returns a deep copy of the current attributes.
func (i *Instance) Attributes() doc.Document {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.attrs.Clone()
}

// PreviousAttributes returns a deep copy of the attributes as they were
// before the last successful destroy, or nil.
func (i *Instance) PreviousAttributes() doc.Document {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.previous.Clone()
}

// Meta returns the raw result of the last successful write, or nil.
func (i *Instance) Meta() *driver.Result {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.meta
}

// IsNew reports whether the primary-key attribute is absent or nil.
func (i *Instance) IsNew() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.isNewLocked()
}

func (i *Instance) isNewLocked() bool {
	return i.attrs[i.typ.ID()] == nil
}

// ID returns the primary-key value, or nil for a new instance.
func (i *Instance) ID() any {
	return i.Get(i.typ.ID())
}

// Get returns a top-level attribute, or nil.
func (i *Instance) Get(field string) any {
	i.mu.Lock()
	defer i.mu.Unlock()
	field = norm.NFC.String(field)
	return doc.Document{field: i.attrs[field]}.Clone()[field]
}

// GetPath returns the attribute at a dotted path.
func (i *Instance) GetPath(path string) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.attrs.GetPath(norm.NFC.String(path))
	if !ok {
		return nil, false
	}
	return doc.Document{"v": v}.Clone()["v"], true
}

// Set assigns a top-level attribute.
func (i *Instance) Set(field string, v any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.attrs.Merge(doc.Normalize(doc.Document{field: v}))
}

// SetPath assigns an attribute at a dotted path ("profile.bio"), creating
// intermediate objects as needed.
func (i *Instance) SetPath(path string, v any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.attrs.SetPath(norm.NFC.String(path), doc.NormalizeValue(v))
}

// Unset removes a top-level attribute.
func (i *Instance) Unset(field string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.attrs, norm.NFC.String(field))
}
