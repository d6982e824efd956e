package driver

import (
	"fmt"

	"github.com/roach88/docbind/internal/doc"
)

// Change is one old/new value pair reported by a write.
type Change struct {
	OldVal doc.Document `json:"old_val"`
	NewVal doc.Document `json:"new_val"`
}

// Result is the raw outcome of a query: write counters plus, when requested,
// the changed values. Get queries report the document as the NewVal of a
// single change.
type Result struct {
	Inserted  int `json:"inserted"`
	Replaced  int `json:"replaced"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Deleted   int `json:"deleted"`
	Errors    int `json:"errors"`

	FirstError    string   `json:"first_error,omitempty"`
	GeneratedKeys []string `json:"generated_keys,omitempty"`
	Changes       []Change `json:"changes,omitempty"`
}

// WriteError is an engine-reported row-level failure.
type WriteError struct {
	Count   int
	Message string
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("write failed (%d errors): %s", e.Count, e.Message)
}

// Err returns a *WriteError when the engine reported any row-level error.
func (r *Result) Err() error {
	if r == nil || r.Errors == 0 {
		return nil
	}
	return &WriteError{Count: r.Errors, Message: r.FirstError}
}

// NewVal returns the new value of the first change, or nil.
func (r *Result) NewVal() doc.Document {
	if r == nil || len(r.Changes) == 0 {
		return nil
	}
	return r.Changes[0].NewVal
}

// OldVal returns the old value of the first change, or nil.
func (r *Result) OldVal() doc.Document {
	if r == nil || len(r.Changes) == 0 {
		return nil
	}
	return r.Changes[0].OldVal
}
