package driver

import (
	"fmt"
	"time"

	"github.com/roach88/docbind/internal/doc"
)

// Table is the keyed storage a backend exposes to Execute. Keys are
// normalized values (see doc.NormalizeValue).
type Table interface {
	Load(key any) (doc.Document, bool, error)
	Store(key any, d doc.Document) error
	Remove(key any) error
}

// AtomicTable is a Table whose backend checks and writes a row in one
// step. Execute prefers these methods so that writers on other handles
// cannot overwrite each other between a Load and a Store.
type AtomicTable interface {
	Table
	// Insert stores d unless key exists and reports whether it stored.
	Insert(key any, d doc.Document) (bool, error)
	// Swap replaces the row at key with d only if it is unchanged since the
	// last Load of key, and reports whether it replaced.
	Swap(key any, d doc.Document) (bool, error)
	// Delete removes the row at key and returns it, if there was one.
	Delete(key any) (doc.Document, bool, error)
}

// maxSwapAttempts bounds how often an update is re-applied after losing a
// race on an AtomicTable.
const maxSwapAttempts = 8

// KeyFunc generates a primary key for an inserted document without one.
type KeyFunc func() string

// Execute applies q to t with document-store write semantics:
//
//   - insert: generate the key if absent; an existing key is a row-level
//     error (Errors=1), not a Go error
//   - update: deep-merge the changes into the stored document; a missing row
//     is Skipped, an identical result is Unchanged, otherwise Replaced
//   - delete: a missing row is Skipped, otherwise Deleted
//   - get: the document is reported as the NewVal of a single change
//
// Every ServerNow placeholder is resolved to now. Go errors are reserved for
// storage failures and malformed queries.
func Execute(t Table, q Query, now time.Time, newKey KeyFunc) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	pk := q.PK()
	key := doc.NormalizeValue(q.Key)

	switch q.Op {
	case OpInsert:
		return executeInsert(t, q, pk, now, newKey)

	case OpUpdate:
		return executeUpdate(t, q, pk, key, now)

	case OpDelete:
		if at, atomic := t.(AtomicTable); atomic {
			old, ok, err := at.Delete(key)
			if err != nil {
				return nil, fmt.Errorf("delete: %w", err)
			}
			return deleted(q, old, ok), nil
		}
		old, ok, err := t.Load(key)
		if err != nil {
			return nil, fmt.Errorf("delete: %w", err)
		}
		if !ok {
			return &Result{Skipped: 1}, nil
		}
		if err := t.Remove(key); err != nil {
			return nil, fmt.Errorf("delete: %w", err)
		}
		return deleted(q, old, true), nil

	case OpGet:
		found, ok, err := t.Load(key)
		if err != nil {
			return nil, fmt.Errorf("get: %w", err)
		}
		if !ok {
			return &Result{}, nil
		}
		return &Result{Changes: []Change{{NewVal: found}}}, nil
	}

	return nil, fmt.Errorf("unknown query op %d", int(q.Op))
}

func executeUpdate(t Table, q Query, pk string, key any, now time.Time) (*Result, error) {
	changes := doc.Normalize(ResolveServerNow(q.Doc, now))
	at, atomic := t.(AtomicTable)

	for attempt := 1; ; attempt++ {
		old, ok, err := t.Load(key)
		if err != nil {
			return nil, fmt.Errorf("update: %w", err)
		}
		if !ok {
			return &Result{Skipped: 1}, nil
		}
		if v, has := changes[pk]; has && !sameKey(v, key) {
			return &Result{Errors: 1, FirstError: fmt.Sprintf("Primary key `%s` cannot be changed", pk)}, nil
		}
		updated := old.Clone()
		updated.DeepMerge(changes)
		updated = doc.Normalize(updated)

		res := &Result{}
		switch {
		case doc.Equal(old, updated):
			res.Unchanged = 1
		case atomic:
			swapped, err := at.Swap(key, updated)
			if err != nil {
				return nil, fmt.Errorf("update: %w", err)
			}
			if !swapped {
				if attempt == maxSwapAttempts {
					return nil, fmt.Errorf("update: %v was modified concurrently %d times", key, attempt)
				}
				continue
			}
			res.Replaced = 1
		default:
			if err := t.Store(key, updated); err != nil {
				return nil, fmt.Errorf("update: %w", err)
			}
			res.Replaced = 1
		}
		if q.ReturnChanges {
			res.Changes = []Change{{OldVal: old, NewVal: updated.Clone()}}
		}
		return res, nil
	}
}

func deleted(q Query, old doc.Document, ok bool) *Result {
	if !ok {
		return &Result{Skipped: 1}
	}
	res := &Result{Deleted: 1}
	if q.ReturnChanges {
		res.Changes = []Change{{OldVal: old, NewVal: nil}}
	}
	return res
}

func executeInsert(t Table, q Query, pk string, now time.Time, newKey KeyFunc) (*Result, error) {
	d := doc.Normalize(ResolveServerNow(q.Doc, now))

	res := &Result{}
	key, has := d[pk]
	if !has || key == nil {
		generated := newKey()
		d[pk] = generated
		key = generated
		res.GeneratedKeys = []string{generated}
	}

	duplicate := &Result{
		Errors:     1,
		FirstError: fmt.Sprintf("Duplicate primary key `%s`: %v", pk, key),
	}
	if at, atomic := t.(AtomicTable); atomic {
		stored, err := at.Insert(key, d)
		if err != nil {
			return nil, fmt.Errorf("insert: %w", err)
		}
		if !stored {
			return duplicate, nil
		}
	} else {
		_, exists, err := t.Load(key)
		if err != nil {
			return nil, fmt.Errorf("insert: %w", err)
		}
		if exists {
			return duplicate, nil
		}
		if err := t.Store(key, d); err != nil {
			return nil, fmt.Errorf("insert: %w", err)
		}
	}
	res.Inserted = 1
	if q.ReturnChanges {
		res.Changes = []Change{{OldVal: nil, NewVal: d.Clone()}}
	}
	return res, nil
}

func sameKey(a, b any) bool {
	return doc.Equal(doc.Document{"k": a}, doc.Document{"k": b})
}
