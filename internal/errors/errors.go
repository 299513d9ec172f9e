// Package errors provides the structured error type shared by the schema
// store, the migration runner and the durable store. Every error carries a
// Kind so callers (and the CLI exit path) can report what went wrong without
// parsing messages.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindDuplicateCollection Kind = "DUPLICATE_COLLECTION"
	KindDuplicateField      Kind = "DUPLICATE_FIELD"
	KindNotFound            Kind = "NOT_FOUND"
	KindDependency          Kind = "DEPENDENCY"
	KindMigrationConflict   Kind = "MIGRATION_CONFLICT"
	KindIntegrity           Kind = "INTEGRITY"
	KindIO                  Kind = "IO"
	KindLedgerWrite         Kind = "LEDGER_WRITE"
	KindInverseMismatch     Kind = "INVERSE_MISMATCH"
	KindLocked              Kind = "LOCKED"
	KindInvalid             Kind = "INVALID"
)

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrDuplicateCollection = &Error{Kind: KindDuplicateCollection}
	ErrDuplicateField      = &Error{Kind: KindDuplicateField}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrDependency          = &Error{Kind: KindDependency}
	ErrMigrationConflict   = &Error{Kind: KindMigrationConflict}
	ErrIntegrity           = &Error{Kind: KindIntegrity}
	ErrIO                  = &Error{Kind: KindIO}
	ErrLedgerWrite         = &Error{Kind: KindLedgerWrite}
	ErrInverseMismatch     = &Error{Kind: KindInverseMismatch}
	ErrLocked              = &Error{Kind: KindLocked}
	ErrInvalid             = &Error{Kind: KindInvalid}
)

// Error is the structured error type used throughout the module.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target has the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// New creates a new Error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// KindOf extracts the Kind of the first *Error in the chain.
// Returns the empty Kind if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Convenience constructors for the store and runner.

func DuplicateCollection(ref string) *Error {
	return New(KindDuplicateCollection, "collection %q already exists", ref)
}

func DuplicateField(collection, ref string) *Error {
	return New(KindDuplicateField, "field %q already exists in collection %q", ref, collection)
}

func NotFound(what, ref string) *Error {
	return New(KindNotFound, "%s %q not found", what, ref)
}

func Invalid(format string, args ...any) *Error {
	return New(KindInvalid, format, args...)
}
