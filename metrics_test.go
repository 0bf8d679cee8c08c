package asyncfiber

import (
	"testing"
	"time"
)

func TestMetrics_RecordsFaultsAndStalls(t *testing.T) {
	loop, err := New(WithMetrics(true))
	if err != nil {
		t.Fatal(err)
	}
	stop := runLoop(t, loop)
	defer stop()

	handle := StartFiber(loop, func() *Promise {
		p, _, _ := loop.NewPromise()
		return p.Then(func(v Result) Result { return v }, nil)
	}, FiberParams{Name: "stalled"})

	select {
	case <-handle.Return.ToChannel():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stall fault")
	}

	m := loop.Metrics()
	if m == nil {
		t.Fatal("metrics should be non-nil when WithMetrics(true)")
	}
	if m.FibersCreated.Load() != 1 {
		t.Errorf("FibersCreated = %d, want 1", m.FibersCreated.Load())
	}
	if m.StallsDetected.Load() != 1 {
		t.Errorf("StallsDetected = %d, want 1", m.StallsDetected.Load())
	}
	counts := m.FaultsByCode()
	if counts[FaultFiberStall] != 1 {
		t.Errorf("FaultsByCode[FaultFiberStall] = %d, want 1", counts[FaultFiberStall])
	}
}

func TestMetrics_NilWhenDisabled(t *testing.T) {
	loop := newTestLoop(t)
	if loop.Metrics() != nil {
		t.Error("Metrics() should be nil without WithMetrics(true)")
	}
}

func TestTaint_StopsAtAlreadyFinalizedNodes(t *testing.T) {
	root := newNode(1, "PROMISE", nil, nil)
	mid := newNode(2, "PROMISE", root, root)
	leaf := newNode(3, "PROMISE", mid, mid)
	root.attach(mid, root)
	mid.attach(leaf, mid)

	mid.setFlag(FlagPostExecution) // finalized: taint must not cross it

	taint(root, FlagFinalized, FlagAborted)

	if !root.HasFlag(FlagAborted) {
		t.Error("root should be tainted")
	}
	if mid.HasFlag(FlagAborted) {
		t.Error("mid is already finalized, should not be tainted")
	}
	if leaf.HasFlag(FlagAborted) {
		t.Error("leaf is unreachable once mid stopped propagation, should not be tainted")
	}
}

func TestTaint_SafeOnCyclicTriggerGraph(t *testing.T) {
	a := newNode(1, "PROMISE", nil, nil)
	b := newNode(2, "PROMISE", nil, nil)
	a.TriggerTargets[b.AsyncID] = b
	b.TriggerTargets[a.AsyncID] = a

	done := make(chan struct{})
	go func() {
		taint(a, FlagFinalized, FlagAborted)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("taint did not terminate on a cyclic trigger graph")
	}

	if !a.HasFlag(FlagAborted) || !b.HasFlag(FlagAborted) {
		t.Error("both nodes in the cycle should be tainted")
	}
}
