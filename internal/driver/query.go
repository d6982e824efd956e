package driver

import (
	"fmt"
	"regexp"
	"time"

	"github.com/roach88/docbind/internal/doc"
)

// Op identifies the kind of query.
type Op int

const (
	// OpInsert inserts one document.
	OpInsert Op = iota + 1
	// OpUpdate partially updates the document with a given key.
	OpUpdate
	// OpDelete deletes the document with a given key.
	OpDelete
	// OpGet reads the document with a given key.
	OpGet
)

// String returns the lower-case op name.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpGet:
		return "get"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Query is a single-document operation against one table.
type Query struct {
	Op    Op
	Table string

	// PrimaryKey names the key field of the table (default "id").
	PrimaryKey string

	// Key selects the document for update, delete and get.
	Key any

	// Doc is the full document for insert or the changes for update.
	Doc doc.Document

	// ReturnChanges asks the backend to report old and new values.
	ReturnChanges bool
}

// Insert builds an insert query.
func Insert(table string, d doc.Document) Query {
	return Query{Op: OpInsert, Table: table, Doc: d}
}

// Update builds an update-by-key query.
func Update(table string, key any, changes doc.Document) Query {
	return Query{Op: OpUpdate, Table: table, Key: key, Doc: changes}
}

// Delete builds a delete-by-key query.
func Delete(table string, key any) Query {
	return Query{Op: OpDelete, Table: table, Key: key}
}

// Get builds a read-by-key query.
func Get(table string, key any) Query {
	return Query{Op: OpGet, Table: table, Key: key}
}

// WithPrimaryKey sets the key field name.
func (q Query) WithPrimaryKey(field string) Query {
	q.PrimaryKey = field
	return q
}

// WithReturnChanges requests old/new values in the result.
func (q Query) WithReturnChanges() Query {
	q.ReturnChanges = true
	return q
}

// PK returns the primary key field, defaulting to "id".
func (q Query) PK() string {
	if q.PrimaryKey == "" {
		return DefaultPrimaryKey
	}
	return q.PrimaryKey
}

// Validate checks that q is well formed. Backends call it before touching
// storage; the connection calls it before acquiring a handle.
func (q Query) Validate() error {
	if !tableNamePattern.MatchString(q.Table) {
		return fmt.Errorf("invalid table name %q", q.Table)
	}
	switch q.Op {
	case OpInsert:
		if q.Doc == nil {
			return fmt.Errorf("%s: document is required", q.Op)
		}
	case OpUpdate:
		if q.Doc == nil {
			return fmt.Errorf("%s: changes are required", q.Op)
		}
		if q.Key == nil {
			return fmt.Errorf("%s: primary key value is required", q.Op)
		}
	case OpDelete, OpGet:
		if q.Key == nil {
			return fmt.Errorf("%s: primary key value is required", q.Op)
		}
	default:
		return fmt.Errorf("unknown query op %d", int(q.Op))
	}
	return nil
}

// serverNow is the type of the ServerNow placeholder.
type serverNow struct{}

// ServerNow is a placeholder value resolved by the backend to its own clock
// when the query executes. All placeholders in one query receive the same
// instant.
var ServerNow any = serverNow{}

// IsServerNow reports whether v is the ServerNow placeholder.
func IsServerNow(v any) bool {
	_, ok := v.(serverNow)
	return ok
}

// ResolveServerNow returns a copy of d with every ServerNow placeholder,
// at any depth, replaced by now.
func ResolveServerNow(d doc.Document, now time.Time) doc.Document {
	if d == nil {
		return nil
	}
	out := make(doc.Document, len(d))
	for k, v := range d {
		out[k] = resolveValue(v, now)
	}
	return out
}

func resolveValue(v any, now time.Time) any {
	switch val := v.(type) {
	case serverNow:
		return now
	case doc.Document:
		return map[string]any(ResolveServerNow(val, now))
	case map[string]any:
		return map[string]any(ResolveServerNow(doc.Document(val), now))
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = resolveValue(elem, now)
		}
		return out
	default:
		return v
	}
}
