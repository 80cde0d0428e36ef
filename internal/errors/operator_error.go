// Package errors provides standardized error types for the callback bridge
// and the engine operators built on top of it.
//
// BridgeError covers the failure modes of a host round trip. OperatorError
// carries operation context for failures detected by engine operators,
// optionally wrapping a BridgeError as its cause.
package errors

import (
	"fmt"
)

// OperatorError represents failures detected by engine operators
type OperatorError struct {
	Op      string // Operation name (e.g., "MapBatches", "Filter", "NameMap")
	Column  string // Column name if applicable
	Message string // Human-readable error description
	Cause   error  // Underlying error cause
}

// Error implements the error interface
func (e *OperatorError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Column != "" {
		return fmt.Sprintf("%s operation failed on column '%s': %s", e.Op, e.Column, msg)
	}
	return fmt.Sprintf("%s operation failed: %s", e.Op, msg)
}

// Unwrap returns the underlying cause for error wrapping support
func (e *OperatorError) Unwrap() error {
	return e.Cause
}

// Is implements error equality checking for errors.Is()
func (e *OperatorError) Is(target error) bool {
	if oe, ok := target.(*OperatorError); ok {
		return e.Op == oe.Op && e.Column == oe.Column && e.Message == oe.Message
	}
	return false
}

// NewInvalidInputError creates an error for invalid operation inputs
func NewInvalidInputError(op, message string) *OperatorError {
	return &OperatorError{
		Op:      op,
		Message: message,
	}
}

// NewUnsupportedTypeError creates an error for unsupported data types
func NewUnsupportedTypeError(op, typeName string) *OperatorError {
	return &OperatorError{
		Op:      op,
		Message: fmt.Sprintf("unsupported type: %s", typeName),
	}
}

// NewCallbackError wraps a bridge failure observed while an operator ran a
// host callback on the named column.
func NewCallbackError(op, column string, cause error) *OperatorError {
	return &OperatorError{
		Op:      op,
		Column:  column,
		Message: "host callback failed",
		Cause:   cause,
	}
}

// Predefined error variables for common cases
var (
	// ErrMismatchedLength indicates a callback result whose length differs from its input
	ErrMismatchedLength = &OperatorError{
		Op:      "validation",
		Message: "arrays must have the same length",
	}

	// ErrNilHandle indicates an operator was given no callback
	ErrNilHandle = &OperatorError{
		Op:      "validation",
		Message: "callback handle is nil",
	}
)
