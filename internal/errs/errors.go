// Package errs defines the two error kinds surfaced by docbind operations.
//
// IllegalArgumentError reports caller misuse (malformed call shape, wrong
// option types). It is always produced before any I/O and is never retried.
//
// UnhandledError wraps every failure that comes from below the ORM: the
// database driver, the pool, an engine-reported write error, a failed
// schema validation or a hook. The cause stays reachable through
// errors.Unwrap / errors.As.
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes docbind errors.
type Code string

const (
	// CodeIllegalArgument indicates the caller passed a malformed argument.
	CodeIllegalArgument Code = "ILLEGAL_ARGUMENT"

	// CodeUnhandled indicates a downstream failure.
	CodeUnhandled Code = "UNHANDLED"
)

// IllegalArgumentError represents caller misuse.
type IllegalArgumentError struct {
	// Argument names the offending argument or option key, if known.
	Argument string

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *IllegalArgumentError) Error() string {
	if e.Argument != "" {
		return fmt.Sprintf("%s: %s: %s", CodeIllegalArgument, e.Argument, e.Message)
	}
	return fmt.Sprintf("%s: %s", CodeIllegalArgument, e.Message)
}

// UnhandledError wraps a failure raised by a collaborator of the ORM.
type UnhandledError struct {
	Err error
}

// Error implements the error interface.
func (e *UnhandledError) Error() string {
	if e.Err == nil {
		return string(CodeUnhandled)
	}
	return fmt.Sprintf("%s: %v", CodeUnhandled, e.Err)
}

// Unwrap returns the wrapped cause.
func (e *UnhandledError) Unwrap() error {
	return e.Err
}

// IllegalArgument creates an IllegalArgumentError for the named argument.
func IllegalArgument(argument, format string, args ...any) *IllegalArgumentError {
	return &IllegalArgumentError{
		Argument: argument,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Unhandled wraps err in an UnhandledError.
//
// Returns nil for a nil err. Errors that already are (or wrap) an
// UnhandledError or an IllegalArgumentError are returned unchanged so a
// failure is never wrapped twice.
func Unhandled(err error) error {
	if err == nil {
		return nil
	}
	var ue *UnhandledError
	if errors.As(err, &ue) {
		return err
	}
	var ie *IllegalArgumentError
	if errors.As(err, &ie) {
		return err
	}
	return &UnhandledError{Err: err}
}

// IsIllegalArgument reports whether err is (or wraps) an IllegalArgumentError.
func IsIllegalArgument(err error) bool {
	var ie *IllegalArgumentError
	return errors.As(err, &ie)
}

// IsUnhandled reports whether err is (or wraps) an UnhandledError.
func IsUnhandled(err error) bool {
	var ue *UnhandledError
	return errors.As(err, &ue)
}

// CodeOf returns the Code for err, or "" when err is neither kind.
func CodeOf(err error) Code {
	switch {
	case IsIllegalArgument(err):
		return CodeIllegalArgument
	case IsUnhandled(err):
		return CodeUnhandled
	default:
		return ""
	}
}
