// Package syncerr defines the stable error taxonomy surfaced to the
// front-end. Core packages construct these via New/Wrap so a
// route layer can recover the Code with errors.As without string
// matching.
package syncerr

import (
	"errors"
	"fmt"
)

// Code is a stable string identifying an error category. These values
// are part of the wire contract and must not change.
type Code string

const (
	CodeUnauthenticated         Code = "UNAUTHENTICATED"
	CodeForbidden               Code = "FORBIDDEN"
	CodeInvalidRequest          Code = "INVALID_REQUEST"
	CodeSchemaVersionUnsupported Code = "SCHEMA_VERSION_UNSUPPORTED"
	CodeUnknownTable            Code = "UNKNOWN_TABLE"
	CodeConflict                Code = "CONFLICT"
	CodeConstraintViolation     Code = "CONSTRAINT_VIOLATION"
	CodeStorageError            Code = "STORAGE_ERROR"
	CodeSnapshotRowTooLarge     Code = "SNAPSHOT_ROW_TOO_LARGE"
	CodeSnapshotFormatError     Code = "SNAPSHOT_FORMAT_ERROR"
	CodeCursorAheadOfLog        Code = "CURSOR_AHEAD_OF_LOG"
	CodeRateLimited             Code = "RATE_LIMITED"
)

// Error is a taxonomy-tagged error. Retriable indicates whether the
// front-end may safely retry the request that produced it.
type Error struct {
	Code      Code
	Message   string
	Retriable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a non-retriable taxonomy error with a message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap tags an existing error with a taxonomy code, preserving it as
// the cause for errors.Is/As chains.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Message: cause.Error(), cause: cause}
}

// WithRetriable marks an error as safe to retry at the front-end level.
func (e *Error) WithRetriable(r bool) *Error {
	e.Retriable = r
	return e
}

// As extracts a *Error from err, if present.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code for err, defaulting to
// CodeStorageError for errors that were never tagged — infrastructural
// failures the core could not classify more precisely.
func CodeOf(err error) Code {
	if se, ok := As(err); ok {
		return se.Code
	}
	return CodeStorageError
}
