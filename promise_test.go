package asyncfiber

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// runLoop starts loop.Run in the background and returns a function that
// shuts it down.
func runLoop(t *testing.T, loop *Loop) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = loop.Run(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	loop, err := New()
	if err != nil {
		t.Fatal(err)
	}
	return loop
}

func TestPromise_ResolveSettlesFulfilled(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	p := loop.Resolve("ok")
	select {
	case v := <-p.ToChannel():
		if v != "ok" {
			t.Errorf("got %v, want ok", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for settlement")
	}
	if p.State() != Fulfilled {
		t.Errorf("state = %v, want Fulfilled", p.State())
	}
}

func TestPromise_RejectSettlesRejected(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	p := loop.Reject("bad")
	<-p.ToChannel()
	if p.State() != Rejected {
		t.Errorf("state = %v, want Rejected", p.State())
	}
	if p.Reason() != "bad" {
		t.Errorf("reason = %v, want bad", p.Reason())
	}
}

func TestPromise_ThenChainsFulfillment(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	p := loop.Resolve(1)
	chained := p.Then(func(v Result) Result {
		return v.(int) + 1
	}, nil)

	if v := <-chained.ToChannel(); v != 2 {
		t.Errorf("got %v, want 2", v)
	}
}

func TestPromise_CatchRecoversRejection(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	p := loop.Reject("boom")
	recovered := p.Catch(func(r Result) Result {
		return "recovered: " + r.(string)
	})

	if v := <-recovered.ToChannel(); v != "recovered: boom" {
		t.Errorf("got %v, want recovered: boom", v)
	}
	if recovered.State() != Fulfilled {
		t.Errorf("state = %v, want Fulfilled", recovered.State())
	}
}

func TestPromise_FinallyRunsOnBothPathsAndPassesThroughValue(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	var ran atomic.Bool
	fulfilled := loop.Resolve("value")
	out := fulfilled.Finally(func() { ran.Store(true) })
	if v := <-out.ToChannel(); v != "value" {
		t.Errorf("got %v, want value", v)
	}
	if !ran.Load() {
		t.Error("onFinally did not run on fulfillment")
	}

	ran.Store(false)
	rejected := loop.Reject("reason")
	out2 := rejected.Finally(func() { ran.Store(true) })
	<-out2.ToChannel()
	if out2.State() != Rejected || out2.Reason() != "reason" {
		t.Errorf("state/reason = %v/%v, want Rejected/reason", out2.State(), out2.Reason())
	}
	if !ran.Load() {
		t.Error("onFinally did not run on rejection")
	}
}

func TestPromise_ResolveWithPromiseAdopts(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	inner := loop.Resolve("inner value")
	p, resolve, _ := loop.NewPromise()
	resolve(inner)

	if v := <-p.ToChannel(); v != "inner value" {
		t.Errorf("got %v, want inner value", v)
	}
}

func TestPromise_SelfChainRejectsWithTypeError(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	p, resolve, _ := loop.NewPromise()
	resolve(p)

	<-p.ToChannel()
	if p.State() != Rejected {
		t.Fatalf("state = %v, want Rejected", p.State())
	}
	if _, ok := p.Reason().(*TypeError); !ok {
		t.Errorf("reason = %T, want *TypeError", p.Reason())
	}
}

func TestLoop_All(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	p1 := loop.Resolve(1)
	p2 := loop.Resolve(2)
	p3 := loop.Resolve(3)

	agg := loop.All([]*Promise{p1, p2, p3})
	v := <-agg.ToChannel()
	vals, ok := v.([]Result)
	if !ok || len(vals) != 3 {
		t.Fatalf("got %v, want 3-element slice", v)
	}
	if vals[0] != 1 || vals[1] != 2 || vals[2] != 3 {
		t.Errorf("got %v, want [1 2 3]", vals)
	}
}

func TestLoop_AllRejectsOnFirstFailure(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	p1 := loop.Resolve(1)
	p2 := loop.Reject("fail")

	agg := loop.All([]*Promise{p1, p2})
	<-agg.ToChannel()
	if agg.State() != Rejected || agg.Reason() != "fail" {
		t.Errorf("state/reason = %v/%v, want Rejected/fail", agg.State(), agg.Reason())
	}
}

func TestLoop_RaceSettlesWithFirst(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	slow, resolveSlow, _ := loop.NewPromise()
	fast := loop.Resolve("fast")

	raced := loop.Race([]*Promise{slow, fast})
	if v := <-raced.ToChannel(); v != "fast" {
		t.Errorf("got %v, want fast", v)
	}
	resolveSlow("slow") // no observer left listening; just settling for cleanliness
}

func TestLoop_AllSettledNeverRejects(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	p1 := loop.Resolve("ok")
	p2 := loop.Reject("err")

	agg := loop.AllSettled([]*Promise{p1, p2})
	v := <-agg.ToChannel()
	results, ok := v.([]SettledResult)
	if !ok || len(results) != 2 {
		t.Fatalf("got %v, want 2-element []SettledResult", v)
	}
	if !results[0].Fulfilled || results[0].Value != "ok" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Fulfilled || results[1].Reason != "err" {
		t.Errorf("results[1] = %+v", results[1])
	}
}

func TestLoop_AnyRejectsWithAggregateErrorWhenAllFail(t *testing.T) {
	loop := newTestLoop(t)
	stop := runLoop(t, loop)
	defer stop()

	p1 := loop.Reject(errFoo)
	p2 := loop.Reject(errBar)

	agg := loop.Any([]*Promise{p1, p2})
	<-agg.ToChannel()
	if agg.State() != Rejected {
		t.Fatalf("state = %v, want Rejected", agg.State())
	}
	ae, ok := agg.Reason().(*AggregateError)
	if !ok {
		t.Fatalf("reason = %T, want *AggregateError", agg.Reason())
	}
	if len(ae.Errors) != 2 {
		t.Errorf("len(Errors) = %d, want 2", len(ae.Errors))
	}
}

var (
	errFoo = &TypeError{Message: "foo"}
	errBar = &TypeError{Message: "bar"}
)
