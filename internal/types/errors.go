package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can branch on cause
// without matching message strings.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindNotFound
	KindRateLimited
	KindConcurrentUpdate
	KindQuarantined
	KindCapacityExceeded
)

// String returns the kind name for logs.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindConcurrentUpdate:
		return "concurrent_update"
	case KindQuarantined:
		return "quarantined"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "confidence.RecordValidation"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a typed error.
func E(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef constructs a typed error from a format string.
func Ef(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain, KindUnknown if untyped.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Convenience predicates for the kinds callers branch on most.

func IsRateLimited(err error) bool      { return IsKind(err, KindRateLimited) }
func IsConcurrentUpdate(err error) bool { return IsKind(err, KindConcurrentUpdate) }
func IsNotFound(err error) bool         { return IsKind(err, KindNotFound) }
func IsValidation(err error) bool       { return IsKind(err, KindValidation) }
func IsQuarantined(err error) bool      { return IsKind(err, KindQuarantined) }
func IsCapacityExceeded(err error) bool { return IsKind(err, KindCapacityExceeded) }
