package asyncfiber

import (
	"sync"
	"sync/atomic"
)

// Watchdog is the per-fiber isolation state machine: attached as the
// sole [NodeObserver] of every node reachable from a fiber's root, it
// classifies each lifecycle event, tracks the set of still-pending
// execution targets, and rejects the fiber's wrapped result with a typed
// [Fault] on an ownership, abort, or stall violation.
type Watchdog struct {
	loop      *Loop
	fiber     *Fiber
	parentIDs map[uint64]bool
	rejectFn  RejectFunc

	mu               sync.Mutex
	pending          map[uint64]*Node
	pendingOrder     []uint64
	stallImmediateID uint64

	settled atomic.Bool
}

// newWatchdog wraps innerResult (the promise the fiber's launch function
// returned) with a fresh watchdog-owned promise, stored as fiber.Result. The
// wrapper settles however innerResult settles, unless the watchdog rejects
// it first with a fault — whichever happens first wins, since a [Promise]
// settles at most once.
func newWatchdog(loop *Loop, fiber *Fiber, innerResult *Promise) *Watchdog {
	wrapper, resolve, reject := loop.NewPromise()
	fiber.Result = wrapper

	w := &Watchdog{
		loop:      loop,
		fiber:     fiber,
		parentIDs: fiber.parentFiberIDs(),
		rejectFn:  reject,
		pending:   make(map[uint64]*Node),
	}

	innerResult.Then(
		func(v Result) Result { resolve(v); return nil },
		func(r Result) Result { reject(r); return nil },
	)
	wrapper.Finally(func() { w.onSettled() })

	return w
}

// setup walks every descendant of the fiber's root already reachable at
// launch time (the fiber's body may have created a whole subgraph
// synchronously before returning its result), attaching the watchdog as
// their observer and validating any that haven't finished yet. It also
// deactivates root, so it stops generating INIT notifications into itself,
// and wires fiber's optional cancellation signal.
func (w *Watchdog) setup() {
	w.fiber.root.Active = false

	if w.fiber.abortSignal != nil {
		w.fiber.abortSignal.OnAbort(func(reason any) {
			_ = w.loop.SubmitInternal(func() { w.handleAbort(reason) })
		})
	}

	seen := make(map[uint64]bool)
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, child := range n.ExecutionTargets {
			if child.FiberID != w.fiber.ID || seen[child.AsyncID] {
				continue
			}
			seen[child.AsyncID] = true
			child.setObserver(w)
			if !child.Finalized() {
				w.addPending(child)
				w.validateOwnership(child)
				w.validateAbort(child)
			}
			walk(child)
		}
	}
	walk(w.fiber.root)
	w.scheduleStallCheck()
}

func (w *Watchdog) handleAbort(reason any) {
	taint(w.fiber.root, FlagFinalized, FlagAborted)
	_ = reason // five-code taxonomy has no slot for a free-form reason; see fault.go
	w.fail(&Fault{Code: FaultFiberAborted, Fiber: w.fiber, Node: w.fiber.root})
}

// fail rejects the wrapped result with fault, idempotently: only the first
// call has any effect, the first rejection wins. Marks settled synchronously
// so a burst of events within the same turn can't schedule further work or
// double-count the fault in metrics, even though the promise itself won't
// actually settle until its reject closure runs (immediately, since
// settlement is synchronous — see [Promise.reject]).
//
// If the violation was observed from inside a hook callback — the runtime is
// still unwinding through the very call (spawnChild, markPreExecution, ...)
// that created or advanced the offending node — fail panics with fault after
// rejecting, so that call never returns normally. [Loop.safeExecute] is the
// recovery boundary: it catches the panic at the enclosing task/microtask and
// logs it, so one fiber's fault can't escape to crash the loop or leave a
// second fiber's unrelated task unexecuted.
func (w *Watchdog) fail(fault *Fault) {
	if !w.settled.CompareAndSwap(false, true) {
		return
	}
	w.cancelStallCheck()
	if m := w.loop.Metrics(); m != nil {
		m.RecordFault(fault.Code)
		if fault.Code == FaultFiberStall {
			m.StallsDetected.Add(1)
		}
	}
	logf(w.loop.logger, LevelWarn, "watchdog", w.loop.id, w.fiber.ID, fault, "fiber fault: %s", fault.Code)
	w.rejectFn(fault)
	unregisterFiber(w.fiber)
	if globalHook.isDispatching() {
		panic(fault)
	}
}

func (w *Watchdog) addPending(n *Node) {
	w.mu.Lock()
	if _, ok := w.pending[n.AsyncID]; !ok {
		w.pending[n.AsyncID] = n
		w.pendingOrder = append(w.pendingOrder, n.AsyncID)
	}
	w.mu.Unlock()
}

func (w *Watchdog) removePending(n *Node) {
	w.mu.Lock()
	delete(w.pending, n.AsyncID)
	w.mu.Unlock()
}

// OnInit implements [NodeObserver]: child was just created somewhere in this
// fiber's reachable graph.
func (w *Watchdog) OnInit(child *Node) {
	if child.FiberID != w.fiber.ID {
		return
	}
	child.setObserver(w)
	w.addPending(child)
	w.validateOwnership(child)
	w.validateAbort(child)
	w.scheduleStallCheck()
}

// OnBefore implements [NodeObserver]: no classification, just re-arm the
// coalesced stall check.
func (w *Watchdog) OnBefore(n *Node) {
	w.scheduleStallCheck()
}

// OnAfter implements [NodeObserver]: n's synchronous body finished.
func (w *Watchdog) OnAfter(n *Node) {
	w.removePending(n)
	w.scheduleStallCheck()
}

// OnResolve implements [NodeObserver]: n settled as a deferred value.
func (w *Watchdog) OnResolve(n *Node) {
	w.validateAbort(n)
	w.removePending(n)
	w.scheduleStallCheck()
}

// validateOwnership checks n's trigger origin against this fiber's ownership
// rules: same fiber or the fiber's own root is fine; a parent fiber's trigger
// is a [FaultParentAsyncTrigger]; anything else is a [FaultForeignAsyncTrigger].
func (w *Watchdog) validateOwnership(n *Node) {
	if n.FiberID != w.fiber.ID {
		return
	}
	t := n.TriggerOrigin
	if t == nil {
		return
	}
	if t == w.fiber.root {
		return
	}
	if t.FiberID == n.FiberID {
		return
	}
	if w.parentIDs[t.FiberID] {
		w.fail(&Fault{Code: FaultParentAsyncTrigger, Fiber: w.fiber, Node: n})
		return
	}
	w.fail(&Fault{Code: FaultForeignAsyncTrigger, Fiber: w.fiber, Node: n})
}

// validateAbort checks n and its trigger origin for the ABORTED flag,
// classifying a same-fiber hit as [FaultFiberAborted] and a foreign one as
// [FaultForeignAsyncAborted], and separately checks the fiber's own
// cancellation signal.
func (w *Watchdog) validateAbort(n *Node) {
	if n.HasFlag(FlagAborted) {
		w.fail(&Fault{Code: FaultFiberAborted, Fiber: w.fiber, Node: n})
		return
	}
	if t := n.TriggerOrigin; t != nil && t.HasFlag(FlagAborted) {
		if t.FiberID == w.fiber.ID {
			w.fail(&Fault{Code: FaultFiberAborted, Fiber: w.fiber, Node: n})
		} else {
			w.fail(&Fault{Code: FaultForeignAsyncAborted, Fiber: w.fiber, Node: n})
		}
		return
	}
	if w.fiber.abortSignal != nil && w.fiber.abortSignal.Aborted() {
		w.fail(&Fault{Code: FaultFiberAborted, Fiber: w.fiber, Node: n})
	}
}

// scheduleStallCheck (re)arms the coalesced stall check: cancels any
// already-scheduled immediate and schedules a fresh one, so a burst of
// events within one turn produces at most one check, running once after the
// turn drains.
func (w *Watchdog) scheduleStallCheck() {
	if w.settled.Load() {
		return
	}
	w.mu.Lock()
	if w.stallImmediateID != 0 {
		_ = w.loop.ClearImmediate(w.stallImmediateID)
	}
	id, _ := w.loop.ScheduleImmediate(w.checkStall)
	w.stallImmediateID = id
	w.mu.Unlock()
}

func (w *Watchdog) cancelStallCheck() {
	w.mu.Lock()
	if w.stallImmediateID != 0 {
		_ = w.loop.ClearImmediate(w.stallImmediateID)
		w.stallImmediateID = 0
	}
	w.mu.Unlock()
}

// checkStall detects stalls: if anything pending
// is real asynchronous I/O (non-PROMISE, unfinalized), there's still
// something that could eventually wake the fiber, so do nothing. Otherwise
// nothing will ever make further progress; reject with [FaultFiberStall].
func (w *Watchdog) checkStall() {
	w.mu.Lock()
	w.stallImmediateID = 0
	if w.settled.Load() {
		w.mu.Unlock()
		return
	}
	order := append([]uint64(nil), w.pendingOrder...)
	pending := make(map[uint64]*Node, len(w.pending))
	for k, v := range w.pending {
		pending[k] = v
	}
	w.mu.Unlock()

	for _, n := range pending {
		if !n.Finalized() && n.Type != "PROMISE" {
			return
		}
	}

	w.fail(&Fault{Code: FaultFiberStall, Fiber: w.fiber, Node: w.stallTarget(order, pending)})
}

// stallTarget picks the fault's anchor node: the last pending node in
// insertion order, or failing that the last execution target of root, or
// root itself.
func (w *Watchdog) stallTarget(order []uint64, pending map[uint64]*Node) *Node {
	for i := len(order) - 1; i >= 0; i-- {
		if n, ok := pending[order[i]]; ok {
			return n
		}
	}
	if targets := w.fiber.executionTargets(); len(targets) > 0 {
		return targets[len(targets)-1]
	}
	return w.fiber.root
}

// onSettled runs once the wrapped result settles by any means: cancels any
// outstanding stall check and retires the fiber from the live set, so the
// hook adapter can disarm once no fiber remains.
func (w *Watchdog) onSettled() {
	w.settled.Store(true)
	w.cancelStallCheck()
	unregisterFiber(w.fiber)
}
