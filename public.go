package asyncfiber

// FiberHandle is the result of launching a fiber: the watchdog-wrapped
// deferred value and the fiber record itself.
type FiberHandle struct {
	Return *Promise
	Fiber  *Fiber
}

// Enable returns the active fiber, creating and activating a root fiber
// anchored on loop's current execution context if none is active yet. A
// fiber created this way carries no watchdog and no Result: it's a manual
// isolation boundary for code that wants descendant resources tagged with a
// fiber id without the automatic ownership/stall protection [StartFiber]
// provides.
func Enable(loop *Loop) *Fiber {
	if f := currentFiber(); f != nil {
		return f
	}
	f := &Fiber{
		ID:   fiberIDCounter.Add(1),
		root: loop.currentNode(),
	}
	registerFiber(f)
	pushFiber(f)
	f.root.FiberID = f.ID
	return f
}

// Disable deactivates the current fiber, restoring its root's FiberID to the
// next fiber down the stack (or 0 if none remains), and returns the
// deactivated fiber. Returns nil if no fiber is active.
func Disable() *Fiber {
	f := currentFiber()
	if f == nil {
		return nil
	}
	popFiber(f)
	unregisterFiber(f)
	if top := currentFiber(); top != nil {
		f.root.FiberID = top.ID
	} else {
		f.root.FiberID = 0
	}
	return f
}

// StartFiber launches fn as a new fiber: activates it, invokes fn
// synchronously so every resource fn creates before returning is rooted in
// the fiber, deactivates the fiber, wraps the returned promise in a
// [Watchdog], and returns the watchdog-wrapped result alongside the fiber
// record.
func StartFiber(loop *Loop, fn func() *Promise, params FiberParams) FiberHandle {
	f := &Fiber{
		ID:          fiberIDCounter.Add(1),
		Name:        params.Name,
		root:        loop.currentNode(),
		abortSignal: params.Abort,
		parent:      currentFiber(),
	}

	registerFiber(f)
	pushFiber(f)
	f.root.FiberID = f.ID
	if m := loop.Metrics(); m != nil {
		m.FibersCreated.Add(1)
	}

	innerResult := fn()

	popFiber(f)
	if top := currentFiber(); top != nil {
		f.root.FiberID = top.ID
	} else {
		f.root.FiberID = 0
	}

	w := newWatchdog(loop, f, innerResult)
	f.watchdog = w
	w.setup()

	return FiberHandle{Return: f.Result, Fiber: f}
}

// GetFiber returns the topmost active fiber, or nil.
func GetFiber() *Fiber { return currentFiber() }

// GetFiberNode returns the shadow node backing p, or nil.
func GetFiberNode(p *Promise) *Node {
	if p == nil {
		return nil
	}
	return p.node
}
