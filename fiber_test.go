package asyncfiber

import (
	"context"
	"testing"
	"time"
)

func waitFault(t *testing.T, p *Promise) *Fault {
	t.Helper()
	select {
	case <-p.ToChannel():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for settlement")
	}
	fault, ok := p.Reason().(*Fault)
	if !ok {
		t.Fatalf("reason = %T, want *Fault", p.Reason())
	}
	return fault
}

func TestStartFiber_NormalCompletionSettlesWithInnerValue(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	handle := StartFiber(loop, func() *Promise {
		p, resolve, _ := loop.NewPromise()
		loop.ScheduleTimer(10*time.Millisecond, func() { resolve("done") })
		return p
	}, FiberParams{Name: "normal"})

	v := <-handle.Return.ToChannel()
	if v != "done" {
		t.Errorf("got %v, want done", v)
	}
	if handle.Return.State() != Fulfilled {
		t.Errorf("state = %v, want Fulfilled", handle.Return.State())
	}
}

func TestStartFiber_SynchronousReturnSettlesImmediately(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	handle := StartFiber(loop, func() *Promise {
		return loop.Resolve(42)
	}, FiberParams{})

	if v := <-handle.Return.ToChannel(); v != 42 {
		t.Errorf("got %v, want 42", v)
	}
}

// TestFiberOwnership_ParentTriggerSynchronous: outside any fiber (a manually
// enabled boundary), construct a deferred value resolved by a host immediate.
// A child fiber that awaits it synchronously, in its own body, must reject
// with PARENT_ASYNC_TRIGGER.
func TestFiberOwnership_ParentTriggerSynchronous(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	Enable(loop)
	defer Disable()

	p, resolve, _ := loop.NewPromise()
	_, _ = loop.ScheduleImmediate(func() { resolve("value") })

	handle := StartFiber(loop, func() *Promise {
		return p.Then(func(v Result) Result { return v }, nil)
	}, FiberParams{Name: "child"})

	if fault := waitFault(t, handle.Return); fault.Code != FaultParentAsyncTrigger {
		t.Errorf("code = %v, want %v", fault.Code, FaultParentAsyncTrigger)
	}
}

// TestFiberOwnership_ParentTriggerAfterSuspension is the same setup, except
// the fiber body awaits an already-resolved value first, and only chains onto
// the parent's deferred value from within that continuation.
func TestFiberOwnership_ParentTriggerAfterSuspension(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	Enable(loop)
	defer Disable()

	p, resolve, _ := loop.NewPromise()
	_, _ = loop.ScheduleImmediate(func() { resolve("value") })

	handle := StartFiber(loop, func() *Promise {
		result, resolveResult, rejectResult := loop.NewPromise()
		loop.Resolve("warmup").Then(func(Result) Result {
			p.Then(func(v Result) Result {
				resolveResult(v)
				return nil
			}, func(r Result) Result {
				rejectResult(r)
				return nil
			})
			return nil
		}, nil)
		return result
	}, FiberParams{Name: "child"})

	if fault := waitFault(t, handle.Return); fault.Code != FaultParentAsyncTrigger {
		t.Errorf("code = %v, want %v", fault.Code, FaultParentAsyncTrigger)
	}
}

// TestFiberOwnership_ForeignTriggerSynchronous: fiber A creates a deferred
// value resolved by a host immediate and leaks it into an outer variable.
// Sibling fiber B, which shares no ancestry with A, awaits it synchronously
// and must reject with FOREIGN_ASYNC_TRIGGER.
func TestFiberOwnership_ForeignTriggerSynchronous(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	var shared *Promise
	StartFiber(loop, func() *Promise {
		p, resolve, _ := loop.NewPromise()
		_, _ = loop.ScheduleImmediate(func() { resolve("value") })
		shared = p
		return loop.Resolve(nil)
	}, FiberParams{Name: "A"})

	handle := StartFiber(loop, func() *Promise {
		return shared.Then(func(v Result) Result { return v }, nil)
	}, FiberParams{Name: "B"})

	if fault := waitFault(t, handle.Return); fault.Code != FaultForeignAsyncTrigger {
		t.Errorf("code = %v, want %v", fault.Code, FaultForeignAsyncTrigger)
	}
}

// TestFiberOwnership_ForeignTriggerAfterSuspension is the same pair of
// fibers, except B awaits an already-resolved value before chaining onto A's
// shared deferred value.
func TestFiberOwnership_ForeignTriggerAfterSuspension(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	var shared *Promise
	StartFiber(loop, func() *Promise {
		p, resolve, _ := loop.NewPromise()
		_, _ = loop.ScheduleImmediate(func() { resolve("value") })
		shared = p
		return loop.Resolve(nil)
	}, FiberParams{Name: "A"})

	handle := StartFiber(loop, func() *Promise {
		result, resolveResult, rejectResult := loop.NewPromise()
		loop.Resolve("warmup").Then(func(Result) Result {
			shared.Then(func(v Result) Result {
				resolveResult(v)
				return nil
			}, func(r Result) Result {
				rejectResult(r)
				return nil
			})
			return nil
		}, nil)
		return result
	}, FiberParams{Name: "B"})

	if fault := waitFault(t, handle.Return); fault.Code != FaultForeignAsyncTrigger {
		t.Errorf("code = %v, want %v", fault.Code, FaultForeignAsyncTrigger)
	}
}

// TestFiberOwnership_StallDirect: a fiber awaits a deferred value with no
// resolver ever registered against it.
func TestFiberOwnership_StallDirect(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	handle := StartFiber(loop, func() *Promise {
		p, _, _ := loop.NewPromise()
		return p.Then(func(v Result) Result { return v }, nil)
	}, FiberParams{Name: "stalled"})

	if fault := waitFault(t, handle.Return); fault.Code != FaultFiberStall {
		t.Errorf("code = %v, want %v", fault.Code, FaultFiberStall)
	}
}

// TestFiberOwnership_StallAfterSuspension is the same as the direct case,
// preceded by one await on an already-resolved deferred value.
func TestFiberOwnership_StallAfterSuspension(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	handle := StartFiber(loop, func() *Promise {
		never, _, _ := loop.NewPromise()
		return loop.Resolve("warmup").Then(func(Result) Result {
			return never
		}, nil)
	}, FiberParams{Name: "stalled"})

	if fault := waitFault(t, handle.Return); fault.Code != FaultFiberStall {
		t.Errorf("code = %v, want %v", fault.Code, FaultFiberStall)
	}
}

func TestStartFiber_PromisifyCountsAsRealProgress(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	handle := StartFiber(loop, func() *Promise {
		return loop.Promisify(context.Background(), func(ctx context.Context) (Result, error) {
			return "io done", nil
		})
	}, FiberParams{})

	v := <-handle.Return.ToChannel()
	if v != "io done" {
		t.Errorf("got %v, want io done", v)
	}
}

func TestStartFiber_AbortSignalRejectsFiber(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	controller := NewAbortController()

	handle := StartFiber(loop, func() *Promise {
		p, _, _ := loop.NewPromise()
		return p
	}, FiberParams{Abort: controller.Signal()})

	controller.Abort("cancel requested")

	if fault := waitFault(t, handle.Return); fault.Code != FaultFiberAborted {
		t.Errorf("code = %v, want %v", fault.Code, FaultFiberAborted)
	}
}

func TestEnableDisable_ManualBoundaryHasNoWatchdog(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	if GetFiber() != nil {
		t.Fatal("no fiber should be active before Enable")
	}

	f := Enable(loop)
	if f == nil {
		t.Fatal("Enable returned nil")
	}
	if f.Result != nil {
		t.Error("manually enabled fiber should have no Result")
	}
	if GetFiber() != f {
		t.Error("GetFiber should return the enabled fiber")
	}

	got := Disable()
	if got != f {
		t.Error("Disable should return the fiber that was active")
	}
	if GetFiber() != nil {
		t.Error("no fiber should be active after Disable")
	}
}
