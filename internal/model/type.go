// Package model binds in-memory instances to documents in a table.
//
// A Type describes one kind of document: its table, primary key, whether
// it carries created/updated/deleted timestamps, whether destroy is a soft
// delete, an optional schema and optional lifecycle hooks. Instances of a
// Type are saved and destroyed through a shared connection.
//
// Save and Destroy stage every change (timestamps, the previous-attributes
// snapshot) and apply it to the instance only after the write succeeds, so
// a failed operation leaves the instance exactly as it was.
package model

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/docbind/internal/doc"
	"github.com/roach88/docbind/internal/driver"
	"github.com/roach88/docbind/internal/errs"
)

// Timestamp field names written when Type.Timestamps is set.
const (
	FieldCreated = "created"
	FieldUpdated = "updated"
	FieldDeleted = "deleted"
)

// Runner executes queries; *connection.Connection implements it.
type Runner interface {
	Run(ctx context.Context, q driver.Query, ro driver.RunOptions) (*driver.Result, error)
}

// Validator checks a document; *schema.Schema implements it.
type Validator interface {
	Validate(d doc.Document) error
}

// Type is the configuration shared by every instance of one model.
type Type struct {
	// Name identifies the type in a Registry. Defaults to Table.
	Name string

	Table       string
	Timestamps  bool
	SoftDelete  bool
	IDAttribute string // default "id"

	Conn Runner

	// Schema, when set, validates attributes before every save.
	Schema Validator

	// Hooks may implement any of the hook interfaces in hooks.go.
	Hooks any

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ID returns the primary-key attribute name.
func (t *Type) ID() string {
	if t.IDAttribute == "" {
		return driver.DefaultPrimaryKey
	}
	return t.IDAttribute
}

// TypeName returns Name, or Table when Name is empty.
func (t *Type) TypeName() string {
	if t.Name == "" {
		return t.Table
	}
	return t.Name
}

func (t *Type) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

// check reports configuration that makes every operation impossible.
func (t *Type) check() error {
	if t.Table == "" {
		return errs.IllegalArgument("table", "model type %q has no table", t.Name)
	}
	if t.Conn == nil {
		return errs.IllegalArgument("connection", "model type %q has no connection", t.TypeName())
	}
	return nil
}

// New creates an unsaved instance holding a deep copy of attrs.
func (t *Type) New(attrs doc.Document) *Instance {
	if attrs == nil {
		attrs = doc.Document{}
	}
	return &Instance{typ: t, attrs: doc.Normalize(attrs)}
}

// Get loads the document with primary key id. A missing document is an
// *errs.UnhandledError wrapping driver.ErrNotFound.
func (t *Type) Get(ctx context.Context, id any) (*Instance, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if id == nil {
		return nil, errs.IllegalArgument("id", "must not be nil")
	}

	res, err := t.Conn.Run(ctx, driver.Get(t.Table, id).WithPrimaryKey(t.ID()), driver.RunOptions{})
	if err != nil {
		return nil, errs.Unhandled(err)
	}
	found := res.NewVal()
	if found == nil {
		return nil, errs.Unhandled(fmt.Errorf("%s %v: %w", t.Table, id, driver.ErrNotFound))
	}
	return &Instance{typ: t, attrs: found, meta: res}, nil
}
