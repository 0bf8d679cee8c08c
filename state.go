package asyncfiber

import (
	"sync/atomic"
)

// LoopState represents the current state of the [Loop].
//
// State Machine:
//
//	StateAwake (0) → StateRunning (3)       [Run()]
//	StateRunning (3) → StateSleeping (2)    [wait for work]
//	StateRunning (3) → StateTerminating (4) [Shutdown()]
//	StateSleeping (2) → StateRunning (3)    [woken by Submit/timer/immediate]
//	StateSleeping (2) → StateTerminating (4) [Shutdown()]
//	StateTerminating (4) → StateTerminated (1) [shutdown complete]
//	StateTerminated (1) → (terminal)
//
// State Transition Rules:
//   - Use TryTransition() (CAS) for temporary states (Running, Sleeping)
//   - Use Store() for irreversible states (Terminated)
//   - Using Store(Running) or Store(Sleeping) is a bug: it breaks CAS logic
//     elsewhere that assumes only TryTransition moves the loop into those states.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = 0
	// StateTerminated indicates the loop has been stopped and is fully shut down.
	StateTerminated LoopState = 1
	// StateSleeping indicates the loop is blocked waiting for work (timer, task, or wake signal).
	StateSleeping LoopState = 2
	// StateRunning indicates the loop is actively processing tasks.
	StateRunning LoopState = 3
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding, preventing
// false sharing with neighboring fields on the [Loop] struct.
type FastState struct { // betteralign:ignore
	_ [64]byte      // cache line padding (before value) //nolint:unused
	v atomic.Uint64 // state value
	_ [56]byte      // pad to complete cache line (64 - 8 = 56) //nolint:unused
}

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *FastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state. No transition validation is performed.
func (s *FastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsTerminal returns true if the current state is terminal (Terminated).
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

// CanAcceptWork returns true if the loop can accept new work.
func (s *FastState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateAwake || state == StateRunning || state == StateSleeping
}
