package chain

import "errors"

// Error is a tagged error kind surfaced to callers of chain operations.
type Error struct {
	Kind string // e.g. "AgentNotFound"
	Code string // snake_case code used in HTTP responses
	msg  string
}

func (e *Error) Error() string { return e.msg }

// NewError defines a tagged error kind.
func NewError(kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

// Kinds shared by every chain application.
var (
	ErrNotAuthenticated = NewError("NotAuthenticated", "not_authenticated", "operation requires an authenticated signer")
	ErrNotAuthorized    = NewError("NotAuthorized", "not_authorized", "caller is not authorized for this operation")
	ErrNotInitialized   = NewError("NotInitialized", "not_initialized", "application has not been initialized")
	ErrStorageFailure   = NewError("StorageFailure", "storage_failure", "storage operation failed")
	ErrInvalidRequest   = NewError("InvalidRequest", "invalid_request", "invalid request")
)

// KindOf returns the tagged kind carried by err, or "" for untagged errors.
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the HTTP error code for err, defaulting to internal_error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// Storage wraps a store failure so callers see the StorageFailure kind.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	return &storageError{err: err}
}

type storageError struct{ err error }

func (e *storageError) Error() string { return "storage failure: " + e.err.Error() }

func (e *storageError) Unwrap() []error { return []error{ErrStorageFailure, e.err} }

// IsStorageFailure reports whether err is a transient store failure.
func IsStorageFailure(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}
