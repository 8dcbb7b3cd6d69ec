package replay

import (
	"errors"
	"fmt"
)

// DispatchError represents a transient failure while dispatching one
// mutation to the remote apply endpoint.
//
// Transient failures include:
//   - Network unreachable: the request never reached the server
//   - Timeout: the per-dispatch deadline expired
//   - Server unavailable: a 5xx-class response
//
// Transient failures are retried up to the engine's retry ceiling and
// never corrupt queue state. Conflicts are NOT errors; they are a normal
// terminal verdict carried in the Verdict value.
type DispatchError struct {
	// Code identifies the failure category.
	Code DispatchErrorCode

	// Target is the resource path of the affected mutation.
	Target string

	// Err is the underlying cause.
	Err error
}

// DispatchErrorCode categorizes transient dispatch failures.
type DispatchErrorCode string

const (
	// ErrCodeNetwork indicates the server was unreachable.
	ErrCodeNetwork DispatchErrorCode = "NETWORK"

	// ErrCodeTimeout indicates the per-dispatch deadline expired.
	ErrCodeTimeout DispatchErrorCode = "TIMEOUT"

	// ErrCodeServer indicates a 5xx-class server response.
	ErrCodeServer DispatchErrorCode = "SERVER"
)

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: dispatch failed (target=%s): %v", e.Code, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: dispatch failed: %v", e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewDispatchError creates a DispatchError with the given code and cause.
func NewDispatchError(code DispatchErrorCode, target string, err error) *DispatchError {
	return &DispatchError{Code: code, Target: target, Err: err}
}

// IsTimeout returns true if the error is a timeout dispatch error.
// Uses errors.As to handle wrapped errors.
func IsTimeout(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Code == ErrCodeTimeout
	}
	return false
}
