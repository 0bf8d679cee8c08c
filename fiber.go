package asyncfiber

import (
	"sync"
	"sync/atomic"
)

var fiberIDCounter atomic.Uint64

// FiberParams configures a fiber launch.
type FiberParams struct {
	// Abort, if set, taints the fiber's reachable graph as aborted when fired.
	Abort *AbortSignal
	// Name is an optional diagnostic label surfaced in [Fault.Error] and logs.
	Name string
}

// Fiber is a logical async computation: a launching function, its deferred
// result, and every asynchronous resource transitively created while it (and
// its descendants) run.
type Fiber struct {
	// ID is unique across the process lifetime.
	ID uint64
	// Name is the diagnostic label from [FiberParams.Name], possibly empty.
	Name string
	// Result is the watchdog-owned promise wrapping the launching function's
	// returned promise; nil for a fiber opened with [Enable].
	Result *Promise
	// root is the node representing the fiber's own launching call.
	root *Node
	// watchdog observes every node this fiber is the owner of.
	watchdog *Watchdog
	// abortSignal, if non-nil, taints the fiber's graph as aborted when fired.
	abortSignal *AbortSignal
	// parent is the fiber that was active when this one launched, or nil.
	parent *Fiber
}

// parentFiberIDs returns the set of ancestor fiber ids: the fiber active when
// f launched, and its ancestors in turn. Used by [Watchdog]'s ownership
// validation to classify a PARENT_ASYNC_TRIGGER distinctly from a
// FOREIGN_ASYNC_TRIGGER.
func (f *Fiber) parentFiberIDs() map[uint64]bool {
	out := make(map[uint64]bool)
	for p := f.parent; p != nil; p = p.parent {
		out[p.ID] = true
	}
	return out
}

// fiberStack is the stack of fibers whose execution context is presently on
// the Go call stack (innermost last): the launch call itself, or one of its
// resource continuations running inside [Loop.runWithNode]. It exists only so
// currentFiber can answer "which fiber is this code running as part of" —
// a fiber remains a member of liveFibers for its whole lifetime, long after
// it drops off this stack between continuations.
var (
	fiberStackMu sync.Mutex
	fiberStack   []*Fiber
)

func pushFiber(f *Fiber) {
	fiberStackMu.Lock()
	fiberStack = append(fiberStack, f)
	fiberStackMu.Unlock()
}

func popFiber(f *Fiber) {
	fiberStackMu.Lock()
	for i := len(fiberStack) - 1; i >= 0; i-- {
		if fiberStack[i] == f {
			fiberStack = append(fiberStack[:i], fiberStack[i+1:]...)
			break
		}
	}
	fiberStackMu.Unlock()
}

// currentFiber returns the innermost fiber whose execution context the
// calling code is presently running under, or nil.
func currentFiber() *Fiber {
	fiberStackMu.Lock()
	defer fiberStackMu.Unlock()
	if len(fiberStack) == 0 {
		return nil
	}
	return fiberStack[len(fiberStack)-1]
}

// liveFibers holds every fiber from launch until its watchdog's wrapped
// result settles or faults (or, for a fiber opened with [Enable], until
// [Disable]), independent of whether it's presently executing. Node lifecycle events arrive long after a
// fiber's launch call returned — e.g. a timer set up during launch fires
// minutes later — so hook.go's dispatch must be able to find the fiber by
// the id stamped on the node at creation, not by walking fiberStack.
var (
	liveFibersMu sync.RWMutex
	liveFibers   = make(map[uint64]*Fiber)
)

// registerFiber adds f to the live set, arming the hook adapter on the 0→1
// transition so a process that never launches a fiber pays no instrumentation cost.
func registerFiber(f *Fiber) {
	liveFibersMu.Lock()
	liveFibers[f.ID] = f
	n := len(liveFibers)
	liveFibersMu.Unlock()
	if n == 1 {
		globalHook.arm()
	}
}

// unregisterFiber removes f from the live set, disarming the hook adapter on
// the 1→0 transition.
func unregisterFiber(f *Fiber) {
	liveFibersMu.Lock()
	delete(liveFibers, f.ID)
	n := len(liveFibers)
	liveFibersMu.Unlock()
	if n == 0 {
		globalHook.disarm()
	}
}

// fiberByID looks up a still-live fiber by id. Used by hook.go's dispatch to
// route a node lifecycle event to its owning fiber's watchdog.
func fiberByID(id uint64) *Fiber {
	liveFibersMu.RLock()
	defer liveFibersMu.RUnlock()
	return liveFibers[id]
}

// pending walks the fiber's reachable graph (execution targets only) and
// returns every descendant node not yet finalized and still owned by this
// fiber.
func (f *Fiber) pending() []*Node {
	var out []*Node
	seen := make(map[uint64]bool)
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil || seen[n.AsyncID] {
			return
		}
		seen[n.AsyncID] = true
		for _, child := range n.ExecutionTargets {
			if child.FiberID != f.ID {
				continue
			}
			if !child.Finalized() {
				out = append(out, child)
			}
			walk(child)
		}
	}
	walk(f.root)
	return out
}

// executionTargets returns the direct execution-target children of the
// fiber's root that belong to this fiber.
func (f *Fiber) executionTargets() []*Node {
	var out []*Node
	for _, child := range f.root.ExecutionTargets {
		if child.FiberID == f.ID {
			out = append(out, child)
		}
	}
	return out
}
