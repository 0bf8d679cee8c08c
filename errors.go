// Package asyncfiber provides a fiber isolation primitive over a small,
// JavaScript-shaped cooperative event loop. This file carries the generic,
// ES2022-flavored error types shared by the host runtime (Loop/Promise) and
// the fiber/watchdog fault surface.
package asyncfiber

import (
	"errors"
	"fmt"
)

// PanicError wraps a panic value recovered from a [Loop.Promisify] goroutine.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("asyncfiber: goroutine panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain. If the panic value is not an error, returns nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

var (
	// ErrGoexit is used to reject a promise when its goroutine exits via runtime.Goexit().
	ErrGoexit = errors.New("asyncfiber: goroutine exited via runtime.Goexit")

	// ErrPanic is a sentinel for a goroutine panic. [Loop.Promisify] does not
	// use it: a panicking promisified function rejects with a [PanicError].
	ErrPanic = errors.New("asyncfiber: goroutine panicked")
)

// AggregateError collects multiple rejection reasons, e.g. from [Loop.Any]
// when every input promise rejects.
type AggregateError struct {
	Errors  []error
	Message string
}

func (e *AggregateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("asyncfiber: all %d promises were rejected", len(e.Errors))
}

// AggregateErrorCause returns the first error in Errors, if any.
func (e *AggregateError) AggregateErrorCause() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Unwrap returns the errors slice for multi-error unwrapping.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// Is implements custom error matching: true if target is an *AggregateError.
func (e *AggregateError) Is(target error) bool {
	var aggTarget *AggregateError
	return errors.As(target, &aggTarget)
}

// TypeError represents a type error, similar to JavaScript's TypeError.
type TypeError struct {
	Cause   error
	Message string
}

func (e *TypeError) Error() string {
	if e.Message == "" {
		return "type error"
	}
	return e.Message
}

func (e *TypeError) Unwrap() error { return e.Cause }

// RangeError represents a range error, similar to JavaScript's RangeError.
type RangeError struct {
	Cause   error
	Message string
}

func (e *RangeError) Error() string {
	if e.Message == "" {
		return "range error"
	}
	return e.Message
}

func (e *RangeError) Unwrap() error { return e.Cause }

// TimeoutError represents a timeout, e.g. raised by [AbortTimeout].
type TimeoutError struct {
	Cause   error
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "operation timed out"
	}
	return e.Message
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// WrapError wraps an error with a message, preserving the cause chain so that
// errors.Is(result, cause) == true.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
