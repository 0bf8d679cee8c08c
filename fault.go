package asyncfiber

import (
	"fmt"
	"strings"
)

// FaultCode identifies which of the fiber system's contracts was violated.
// Exactly these five categories are raised by [Watchdog].
type FaultCode string

const (
	// FaultForeignAsyncTrigger: a node's trigger origin belongs to neither
	// this fiber nor any ancestor in its parent chain.
	FaultForeignAsyncTrigger FaultCode = "FOREIGN_ASYNC_TRIGGER"
	// FaultParentAsyncTrigger: a node's trigger origin belongs to one of this
	// fiber's parent fibers — a resource created before the fiber launched.
	FaultParentAsyncTrigger FaultCode = "PARENT_ASYNC_TRIGGER"
	// FaultForeignAsyncAborted: a node's trigger origin carries the ABORTED
	// flag and belongs to a different fiber.
	FaultForeignAsyncAborted FaultCode = "FOREIGN_ASYNC_ABORTED"
	// FaultFiberAborted: the node itself (or its same-fiber trigger origin)
	// carries the ABORTED flag, or the fiber's cancellation signal fired.
	FaultFiberAborted FaultCode = "FIBER_ABORTED"
	// FaultFiberStall: the fiber's result never settled and the pending set
	// contains nothing but unresolved promises — no real async work remains
	// to ever wake them.
	FaultFiberStall FaultCode = "FIBER_STALL"
)

// TraceEntry is one frame in a [Fault]'s trace, walking a node's
// ExecutionOrigin chain back toward the fiber root. TriggerOrigin links are
// not included in the trace.
type TraceEntry struct {
	AsyncID uint64
	Type    string
	Frame   *Frame
}

// Fault is raised by the [Watchdog] when a fiber violates one of its three
// isolation contracts, or stalls. It is the reject reason of the fiber's
// result promise.
type Fault struct {
	Code  FaultCode
	Fiber *Fiber
	Node  *Node
}

const defaultTraceDepth = 32

func (f *Fault) Error() string {
	name := fmt.Sprintf("fiber#%d", f.Fiber.ID)
	if f.Fiber.Name != "" {
		name = f.Fiber.Name
	}
	if f.Node == nil {
		return fmt.Sprintf("asyncfiber: %s: %s", name, f.Code)
	}
	return fmt.Sprintf("asyncfiber: %s: %s (node %s#%d)", name, f.Code, f.Node.Type, f.Node.AsyncID)
}

// Trace walks f.Node's ExecutionOrigin chain back to the root, bounded to
// defaultTraceDepth entries so a malformed or cyclic graph can't hang a caller
// formatting a fault for logs.
func (f *Fault) Trace() []TraceEntry {
	if f.Node == nil {
		return nil
	}
	var out []TraceEntry
	n := f.Node
	for i := 0; i < defaultTraceDepth && n != nil; i++ {
		out = append(out, TraceEntry{AsyncID: n.AsyncID, Type: n.Type, Frame: n.Frame})
		n = n.ExecutionOrigin
	}
	return out
}

// String renders the trace as a arrow-joined chain, most recent first. The
// watchdog's log lines carry the fault through Error, not String.
func (f *Fault) String() string {
	trace := f.Trace()
	parts := make([]string, len(trace))
	for i, t := range trace {
		parts[i] = fmt.Sprintf("%s#%d", t.Type, t.AsyncID)
	}
	return strings.Join(parts, " <- ")
}
