// Package errors provides error handling for statuswire.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrValidation) {
//	    // reject the payload
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
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Sentinel errors for the execution streaming pipeline.
// Use these with errors.Is() for type-safe error checking and
// wrap them with errors.Wrap() to add context while preserving the type.
var (
	// ErrValidation indicates a malformed ingestion payload. Rejected
	// immediately and never retried by this system.
	ErrValidation = New("validation failed")

	// ErrPersistence indicates the execution store write failed after
	// bounded retries. Surfaced to the producer as retryable.
	ErrPersistence = New("persistence failed")

	// ErrDecode indicates a malformed broker payload. Logged and dropped,
	// never propagated as a crash.
	ErrDecode = New("decode failed")

	// ErrTransport indicates a client write or connection failure. Triggers
	// teardown of that connection only.
	ErrTransport = New("transport failed")

	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = New("not found")
)

// IsValidation checks if an error is or wraps ErrValidation.
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsPersistence checks if an error is or wraps ErrPersistence.
func IsPersistence(err error) bool {
	return err != nil && Is(err, ErrPersistence)
}

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}
