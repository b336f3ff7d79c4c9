// Package errors provides error handling for spacerjobs.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for job failure reports
//   - Error wrapping and context
//   - Details and hints that survive wrapping
//
// Usage:
//
//	if err := store.Finish(ctx, id, false, msg); err != nil {
//	    return errors.Wrapf(err, "failed to finish job %d", id)
//	}
//
//	if errors.Is(err, errors.ErrLockContention) {
//	    // another worker holds the row
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf

	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors shared by the job engine, its stores and the CLI.
// Wrap these with errors.Wrap() to add context while preserving identity.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")

	// ErrUnrecognizedJobName is returned by registry lookups for names with no registration
	ErrUnrecognizedJobName = New("unrecognized job name")

	// ErrStorageConflict means a write collided with a concurrent change and
	// was rolled back; the caller may retry
	ErrStorageConflict = New("might have changed concurrently, try again")

	// ErrLockContention means a row lock was held by another worker
	ErrLockContention = New("lock not available")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsStorageConflict checks if an error is or wraps ErrStorageConflict
func IsStorageConflict(err error) bool {
	return err != nil && Is(err, ErrStorageConflict)
}

// IsLockContention checks if an error is or wraps ErrLockContention
func IsLockContention(err error) bool {
	return err != nil && Is(err, ErrLockContention)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
