package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a bridge failure.
type Kind int

const (
	// Uninitialized means the registry was used before a dispatcher existed.
	Uninitialized Kind = iota + 1
	// Disconnected means the peer was torn down while a call was in flight.
	Disconnected
	// ShapeMismatch means a reply's payload kind differs from what the request expected.
	ShapeMismatch
	// CallbackFailed means the host closure raised, panicked or returned the wrong type.
	CallbackFailed
	// DoubleResolve means a task, envelope, handle or channel was reused after completion.
	DoubleResolve
)

func (k Kind) String() string {
	switch k {
	case Uninitialized:
		return "uninitialized"
	case Disconnected:
		return "disconnected"
	case ShapeMismatch:
		return "shape_mismatch"
	case CallbackFailed:
		return "callback_failed"
	case DoubleResolve:
		return "double_resolve"
	default:
		return "unknown"
	}
}

// BridgeError is the only error type returned across the worker/host boundary.
type BridgeError struct {
	Op      string // Bridge operation (e.g., "Resolve", "Send", "Recv")
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface
func (e *BridgeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bridge %s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("bridge %s: %s: %s", e.Op, e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// Is matches any BridgeError of the same Kind, so the predefined Err* values
// can be used with errors.Is regardless of Op and Message.
func (e *BridgeError) Is(target error) bool {
	if be, ok := target.(*BridgeError); ok {
		return e.Kind == be.Kind
	}
	return false
}

// KindOf returns the Kind of the first BridgeError in err's chain, or zero.
func KindOf(err error) Kind {
	var be *BridgeError
	if stderrors.As(err, &be) {
		return be.Kind
	}
	return 0
}

// NewUninitializedError creates an error for registry use before setup
func NewUninitializedError(op string) *BridgeError {
	return &BridgeError{
		Op:      op,
		Kind:    Uninitialized,
		Message: "bridge has no running dispatcher",
	}
}

// NewDisconnectedError creates an error for a peer torn down mid-wait
func NewDisconnectedError(op string) *BridgeError {
	return &BridgeError{
		Op:      op,
		Kind:    Disconnected,
		Message: "dispatcher endpoint was torn down",
	}
}

// NewShapeMismatchError creates an error for a reply of the wrong payload kind
func NewShapeMismatchError(op, expected, got string) *BridgeError {
	return &BridgeError{
		Op:      op,
		Kind:    ShapeMismatch,
		Message: fmt.Sprintf("expected %s reply, got %s", expected, got),
	}
}

// NewCallbackFailedError creates an error carrying the host closure's failure
func NewCallbackFailedError(op, callback string, cause error) *BridgeError {
	return &BridgeError{
		Op:      op,
		Kind:    CallbackFailed,
		Message: fmt.Sprintf("user function %q raised an error", callback),
		Cause:   cause,
	}
}

// NewDoubleResolveError creates an error for reuse after completion or teardown
func NewDoubleResolveError(op, what string) *BridgeError {
	return &BridgeError{
		Op:      op,
		Kind:    DoubleResolve,
		Message: what,
	}
}

// Sentinels for errors.Is checks.
var (
	ErrUninitialized  = &BridgeError{Kind: Uninitialized}
	ErrDisconnected   = &BridgeError{Kind: Disconnected}
	ErrShapeMismatch  = &BridgeError{Kind: ShapeMismatch}
	ErrCallbackFailed = &BridgeError{Kind: CallbackFailed}
	ErrDoubleResolve  = &BridgeError{Kind: DoubleResolve}
)
