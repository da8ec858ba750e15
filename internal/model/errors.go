package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed error taxonomy shared by every transport. The kind
// string is the machine-readable code that crosses the wire; Detail is the
// human-readable explanation. Stack traces never cross the transport.
type ErrorKind string

const (
	KindInvalidArgument      ErrorKind = "InvalidArgument"
	KindNotFound             ErrorKind = "NotFound"
	KindForbidden            ErrorKind = "Forbidden"
	KindConfirmationRequired ErrorKind = "ConfirmationRequired"
	KindDuplicateDetected    ErrorKind = "DuplicateDetected"
	KindDeletionExpired      ErrorKind = "DeletionExpired"
	KindContentTooLarge      ErrorKind = "ContentTooLarge"
	KindStorageError         ErrorKind = "StorageError"
	KindConflictDetected     ErrorKind = "ConflictDetected"
	KindTryAgainLater        ErrorKind = "TryAgainLater"
	KindTimeout              ErrorKind = "Timeout"
	KindUnavailable          ErrorKind = "Unavailable"
)

// Error is a tagged domain error.
type Error struct {
	Kind   ErrorKind
	Detail string
	// RetryAfterSeconds is a hint set on TryAgainLater errors.
	RetryAfterSeconds int
	cause             error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.cause }

// E constructs a domain error.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a domain error so errors.Is/As keep working across
// the service boundary.
func Wrap(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the taxonomy kind from err, defaulting to StorageError for
// unclassified faults (callers may retry those).
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindStorageError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
