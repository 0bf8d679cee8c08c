package asyncfiber

import "sync/atomic"

// hookAdapter is the runtime's hook adapter: a single package-level switch
// that gates whether node lifecycle transitions get
// forwarded to their attached observer at all. It arms on the live-fiber
// set's 0→1 transition and disarms on 1→0 (see fiber.go register/
// unregisterFiber), so a program with no active fiber pays no instrumentation
// cost — no node outside an active fiber ever has an observer attached, so
// skipping notification while disarmed changes nothing observable.
//
// A reentrancy flag suppresses nested dispatch: an observer callback (the
// watchdog) that itself creates or settles a resource synchronously must not
// recursively re-enter notification for that nested event.
type hookAdapter struct {
	armed       atomic.Bool
	dispatching atomic.Bool
}

var globalHook hookAdapter

func (h *hookAdapter) arm()    { h.armed.Store(true) }
func (h *hookAdapter) disarm() { h.armed.Store(false) }

// isArmed reports whether at least one fiber is presently live.
func (h *hookAdapter) isArmed() bool { return h.armed.Load() }

// isDispatching reports whether a hook callback is presently running. The
// flag is process-wide, not per goroutine. [Watchdog.fail] uses this to decide whether a fault needs to
// unwind the current call stack via panic, rather than only rejecting: a
// fault raised from inside a hook callback means the runtime is mid-way
// through the very operation that violated isolation, and letting it return
// normally would let that operation's result observably succeed.
func (h *hookAdapter) isDispatching() bool { return h.dispatching.Load() }

// dispatch runs fn under the reentrancy guard, skipping it entirely if the
// hook isn't armed or is already dispatching.
func (h *hookAdapter) dispatch(fn func()) {
	if !h.isArmed() {
		return
	}
	if !h.dispatching.CompareAndSwap(false, true) {
		return
	}
	defer h.dispatching.Store(false)
	fn()
}

// notifyInit is the creation handler's hook: parent created child. Gives
// parent's observer (if any) the chance to attach itself to child when child
// belongs to the same fiber.
func (h *hookAdapter) notifyInit(parent, child *Node) {
	h.dispatch(func() {
		if parent.observer != nil {
			parent.observer.OnInit(child)
		}
	})
}

// notifyBefore fires when n's synchronous callback begins.
func (h *hookAdapter) notifyBefore(n *Node) {
	h.dispatch(func() {
		if n.observer != nil {
			n.observer.OnBefore(n)
		}
	})
}

// notifyAfter fires when n's synchronous callback returns.
func (h *hookAdapter) notifyAfter(n *Node) {
	h.dispatch(func() {
		if n.observer != nil {
			n.observer.OnAfter(n)
		}
	})
}

// notifyResolve fires when n settles as a deferred value.
func (h *hookAdapter) notifyResolve(n *Node) {
	h.dispatch(func() {
		if n.observer != nil {
			n.observer.OnResolve(n)
		}
	})
}
