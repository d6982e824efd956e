// Package schema validates documents against CUE schemas.
//
// A schema is CUE source describing the shape of one model's documents:
//
//	name:   string & != ""
//	email?: =~"^[^@]+@[^@]+$"
//	age?:   int & >=0
//
// Validate unifies a document with the schema and reports every violation
// as a field path plus message. Required fields are the non-optional ones;
// a missing required field is reported as incomplete.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/docbind/internal/doc"
)

// CodeValidation tags validation failures.
const CodeValidation = "VALIDATION"

// FieldError is one violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every violation found in one document.
type ValidationError struct {
	Schema string       `json:"schema"`
	Fields []FieldError `json:"fields"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		if f.Field == "" {
			parts[i] = f.Message
			continue
		}
		parts[i] = f.Field + ": " + f.Message
	}
	return fmt.Sprintf("[%s] %s: %s", CodeValidation, e.Schema, strings.Join(parts, "; "))
}

// Schema is a compiled CUE schema. Safe for concurrent use.
type Schema struct {
	name   string
	source string
}

// compile builds source in ctx. A cue.Context keeps every value built in
// it, so each validation gets its own.
func compile(ctx *cue.Context, name, source string) (cue.Value, error) {
	v := ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile schema %s: %w", name, formatCUEError(err))
	}
	if k := v.IncompleteKind(); k&cue.StructKind == 0 {
		return cue.Value{}, fmt.Errorf("compile schema %s: top level must be a struct, got %v", name, k)
	}
	return v, nil
}

// Compile compiles source into a schema named name.
func Compile(name, source string) (*Schema, error) {
	if _, err := compile(cuecontext.New(), name, source); err != nil {
		return nil, err
	}
	return &Schema{name: name, source: source}, nil
}

// MustCompile is like Compile but panics on error. For schemas embedded in code.
func MustCompile(name, source string) *Schema {
	s, err := Compile(name, source)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// Source returns the CUE source the schema was compiled from.
func (s *Schema) Source() string { return s.source }

// Validate checks d against the schema. It returns nil or a *ValidationError.
func (s *Schema) Validate(d doc.Document) error {
	ctx := cuecontext.New()
	value, err := compile(ctx, s.name, s.source)
	if err != nil {
		return err
	}

	data := ctx.Encode(toCUE(d))
	if err := data.Err(); err != nil {
		return &ValidationError{Schema: s.name, Fields: []FieldError{{Message: err.Error()}}}
	}

	err = value.Unify(data).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}
	return &ValidationError{Schema: s.name, Fields: fieldErrors(err)}
}

// fieldErrors flattens a CUE error list into sorted, de-duplicated violations.
func fieldErrors(err error) []FieldError {
	seen := make(map[FieldError]bool)
	var out []FieldError
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		fe := FieldError{
			Field:   strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
		if seen[fe] {
			continue
		}
		seen[fe] = true
		out = append(out, fe)
	}
	if len(out) == 0 {
		out = append(out, FieldError{Message: err.Error()})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Field < out[j].Field
	})
	return out
}

// toCUE prepares a document for cue.Context.Encode. Times become RFC 3339
// strings so schemas can constrain them with the time package.
func toCUE(d doc.Document) map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = toCUEValue(v)
	}
	return out
}

func toCUEValue(v any) any {
	switch val := v.(type) {
	case doc.Document:
		return toCUE(val)
	case map[string]any:
		return toCUE(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toCUEValue(item)
		}
		return out
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// formatCUEError keeps the first error's position when CUE reports one.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if pos := errors.Positions(first); len(pos) > 0 && pos[0].IsValid() {
		return fmt.Errorf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), first.Error())
	}
	return err
}
