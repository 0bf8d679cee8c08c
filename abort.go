package asyncfiber

import (
	"sync"
	"time"
)

// AbortSignal represents a signal object that allows communication with an
// asynchronous operation and abort it if needed via an [AbortController].
//
// This is the cancellation signal type required by the fiber system's host
// runtime contract: a [Fiber] may be launched with a signal via
// [FiberParams.Abort], and firing it taints the fiber's reachable resource
// graph as aborted (see [Node] and the package-level taint operation).
//
// It follows the W3C DOM AbortController/AbortSignal specification:
// https://dom.spec.whatwg.org/#interface-abortsignal
//
// AbortSignal is safe for concurrent use from multiple goroutines; all state
// mutation is protected by an internal mutex.
type AbortSignal struct { //nolint:govet // betteralign:ignore
	handlers []func(reason any)
	reason   any
	mu       sync.RWMutex
	aborted  bool
}

func newAbortSignal() *AbortSignal {
	return &AbortSignal{handlers: make([]func(reason any), 0)}
}

// Aborted returns true if the signal has been aborted.
func (s *AbortSignal) Aborted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aborted
}

// Reason returns the abort reason, or nil if not aborted.
func (s *AbortSignal) Reason() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// OnAbort registers a callback invoked when the signal is aborted. If the
// signal is already aborted, the callback runs immediately with the current
// reason. Handlers run in registration order.
func (s *AbortSignal) OnAbort(handler func(reason any)) {
	if handler == nil {
		return
	}

	s.mu.Lock()
	if s.aborted {
		reason := s.reason
		s.mu.Unlock()
		handler(reason)
		return
	}
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

// ThrowIfAborted returns an [*AbortError] if the signal has been aborted, or nil.
func (s *AbortSignal) ThrowIfAborted() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.aborted {
		return &AbortError{Reason: s.reason}
	}
	return nil
}

func (s *AbortSignal) abort(reason any) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.reason = reason
	handlers := make([]func(reason any), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, handler := range handlers {
		handler(reason)
	}
}

// AbortController controls one [AbortSignal], aborting the asynchronous
// operations that observe it.
//
// This follows the W3C DOM AbortController specification:
// https://dom.spec.whatwg.org/#interface-abortcontroller
type AbortController struct {
	signal *AbortSignal
}

// NewAbortController creates a new controller with a fresh, unaborted signal.
func NewAbortController() *AbortController {
	return &AbortController{signal: newAbortSignal()}
}

// Signal returns the controller's [AbortSignal]. Always returns the same signal.
func (c *AbortController) Signal() *AbortSignal {
	return c.signal
}

// Abort aborts the controller's signal with the given reason. If reason is
// nil, a default [*AbortError] is used. Subsequent calls are no-ops; the
// signal keeps its original reason.
func (c *AbortController) Abort(reason any) {
	if reason == nil {
		reason = &AbortError{Reason: "Aborted"}
	}
	c.signal.abort(reason)
}

// AbortError is the reason surfaced for an aborted operation absent a more
// specific cause.
type AbortError struct {
	Reason any
}

func (e *AbortError) Error() string {
	if e.Reason == nil {
		return "AbortError: the operation was aborted"
	}
	if s, ok := e.Reason.(string); ok {
		return "AbortError: " + s
	}
	if err, ok := e.Reason.(error); ok {
		return "AbortError: " + err.Error()
	}
	return "AbortError: the operation was aborted"
}

// Is implements errors.Is support for AbortError.
func (e *AbortError) Is(target error) bool {
	_, ok := target.(*AbortError)
	return ok
}

// Unwrap returns the underlying error if Reason is an error, for errors.Is/As.
func (e *AbortError) Unwrap() error {
	if err, ok := e.Reason.(error); ok {
		return err
	}
	return nil
}

// AbortTimeout creates an AbortController that aborts automatically after delayMs.
func AbortTimeout(loop *Loop, delayMs int) (*AbortController, error) {
	controller := NewAbortController()
	_, err := loop.ScheduleTimer(time.Duration(delayMs)*time.Millisecond, func() {
		controller.Abort(&TimeoutError{Message: "the operation timed out"})
	})
	if err != nil {
		return nil, err
	}
	return controller, nil
}

// AbortAny creates a composite signal that aborts as soon as any input signal
// aborts, carrying that signal's reason.
func AbortAny(signals []*AbortSignal) *AbortSignal {
	composite := newAbortSignal()
	if len(signals) == 0 {
		return composite
	}

	var once sync.Once
	for _, sig := range signals {
		if sig == nil {
			continue
		}
		if sig.Aborted() {
			composite.abort(sig.Reason())
			return composite
		}
	}
	for _, sig := range signals {
		if sig == nil {
			continue
		}
		s := sig
		s.OnAbort(func(reason any) {
			once.Do(func() { composite.abort(reason) })
		})
	}
	return composite
}
