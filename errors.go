package httpfn

import (
	"errors"
	"fmt"
)

var (
	// ErrModuleNotFound is returned when no function is loaded under a name.
	ErrModuleNotFound = errors.New("module not found")

	// ErrNoHandler is returned when a module does not export handle.
	ErrNoHandler = errors.New("module does not export handle")

	// ErrTrap is returned when the guest traps or the call fails in the runtime.
	ErrTrap = errors.New("guest trapped")

	// ErrTimeout is returned when an invocation outlives its deadline.
	ErrTimeout = errors.New("invocation timeout")

	// ErrCanceled is returned when the caller gave up on an invocation, e.g. an
	// HTTP client that disconnected.
	ErrCanceled = errors.New("invocation canceled")

	// ErrBodyTooLarge is returned when a request body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")
)

// InvokeError wraps a failed invocation with the function and request it belongs to.
type InvokeError struct {
	Function  string
	RequestID string
	Cause     error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("invoke %s (request %s): %v", e.Function, e.RequestID, e.Cause)
}

func (e *InvokeError) Unwrap() error {
	return e.Cause
}

// CompileError is a failed guest build. Cause carries the toolchain output.
type CompileError struct {
	Dir   string
	Cause error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Dir, e.Cause)
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}
