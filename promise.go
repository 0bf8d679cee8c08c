package asyncfiber

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Result is the value carried by a settled [Promise]: the fulfillment value,
// or the rejection reason.
type Result = any

// PromiseState is a [Promise]'s lifecycle state. Transitions are irreversible.
type PromiseState int32

const (
	statePending PromiseState = iota
	stateFulfilled
	stateRejected
)

const (
	// Pending: not yet settled.
	Pending = statePending
	// Resolved/Fulfilled: settled successfully with a value.
	Resolved  = stateFulfilled
	Fulfilled = stateFulfilled
	// Rejected: settled with a reason.
	Rejected = stateRejected
)

func (s PromiseState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateFulfilled:
		return "fulfilled"
	case stateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// handler is one Then/Catch reaction awaiting a promise's settlement.
type handler struct {
	onFulfilled func(Result) Result
	onRejected  func(Result) Result
	target      *Promise
}

// Promise is the module's DeferredValue<T>: a JS-Promise-shaped future
// result, Then/Catch/Finally chained as microtasks on a [Loop]. Every Promise
// is also an asynchronous resource: [Loop.NewPromise] attaches a [Node] to it
// so fibers can track ownership of the value it represents.
type Promise struct {
	id    uint64
	loop  *Loop
	node  *Node
	state atomic.Int32

	mu       sync.Mutex
	result   Result
	handlers []handler
	channels []chan Result
}

// ResolveFunc fulfills a promise with a value. Calling it on an
// already-settled promise has no effect. Safe from any goroutine.
type ResolveFunc func(Result)

// RejectFunc rejects a promise with a reason. Calling it on an
// already-settled promise has no effect. Safe from any goroutine.
type RejectFunc func(Result)

// NewPromise creates a pending [Promise] tracked by the loop's registry and
// instruments it as a new "PROMISE"-typed [Node] rooted at the current
// execution context.
func (l *Loop) NewPromise() (*Promise, ResolveFunc, RejectFunc) {
	return l.newPromiseTyped("PROMISE", nil)
}

// newPromiseTyped creates a pending Promise of the given node type. trigger
// is the node that will actually schedule this promise's settlement — the
// promise it's chained from, for a Then/Catch/Finally child — or nil when
// creation and triggering coincide (a freshly constructed, unchained
// promise), in which case [Node.spawnChild] defaults the trigger to the
// execution context itself.
func (l *Loop) newPromiseTyped(typ string, trigger *Node) (*Promise, ResolveFunc, RejectFunc) {
	_, p := l.registry.newPromise()
	p.loop = l
	p.node = l.spawnResourceNode(typ, trigger)
	return p, p.resolve, p.reject
}

// Resolve returns an already-fulfilled promise. If val is itself a *Promise,
// the returned promise adopts its eventual state.
func (l *Loop) Resolve(val Result) *Promise {
	p, resolve, _ := l.NewPromise()
	resolve(val)
	return p
}

// Reject returns an already-rejected promise.
func (l *Loop) Reject(reason Result) *Promise {
	p, _, reject := l.NewPromise()
	reject(reason)
	return p
}

// State returns the promise's current [PromiseState].
func (p *Promise) State() PromiseState { return PromiseState(p.state.Load()) }

// Value returns the fulfillment value, or nil if pending or rejected.
func (p *Promise) Value() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != stateFulfilled {
		return nil
	}
	return p.result
}

// Reason returns the rejection reason, or nil if pending or fulfilled.
func (p *Promise) Reason() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != stateRejected {
		return nil
	}
	return p.result
}

// ToChannel returns a buffered, single-use channel receiving the settled
// result (value or reason), closed immediately after.
func (p *Promise) ToChannel() <-chan Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != statePending {
		ch := make(chan Result, 1)
		ch <- p.result
		close(ch)
		return ch
	}

	ch := make(chan Result, 1)
	p.channels = append(p.channels, ch)
	return ch
}

func (p *Promise) addHandler(h handler) {
	p.mu.Lock()
	state := p.State()
	if state != statePending {
		result := p.result
		p.mu.Unlock()
		p.scheduleHandler(h, state, result)
		return
	}
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

func (p *Promise) scheduleHandler(h handler, state PromiseState, result Result) {
	if p.loop == nil {
		p.executeHandler(h, state, result)
		return
	}
	_ = p.loop.ScheduleMicrotask(func() {
		node := p.node
		if node != nil {
			p.loop.runWithNode(node, func() { p.executeHandler(h, state, result) })
		} else {
			p.executeHandler(h, state, result)
		}
	})
}

func (p *Promise) executeHandler(h handler, state PromiseState, result Result) {
	var fn func(Result) Result
	if state == stateFulfilled {
		fn = h.onFulfilled
	} else {
		fn = h.onRejected
	}

	if fn == nil {
		if h.target == nil {
			return
		}
		if state == stateFulfilled {
			h.target.resolve(result)
		} else {
			h.target.reject(result)
		}
		return
	}

	defer func() {
		if r := recover(); r != nil && h.target != nil {
			h.target.reject(PanicError{Value: r})
		}
	}()
	res := fn(result)
	if h.target != nil {
		h.target.resolve(res)
	}
}

func (p *Promise) resolve(value Result) {
	if pr, ok := value.(*Promise); ok && pr == p {
		p.reject(&TypeError{Message: fmt.Sprintf("chaining cycle detected for promise #%d", p.id)})
		return
	}
	if pr, ok := value.(*Promise); ok {
		pr.addHandler(handler{target: p})
		return
	}

	p.mu.Lock()
	if p.State() != statePending {
		p.mu.Unlock()
		return
	}
	handlers := p.handlers
	p.handlers = nil
	channels := p.channels
	p.channels = nil
	p.result = value
	p.state.Store(int32(stateFulfilled))
	for _, h := range handlers {
		p.scheduleHandler(h, stateFulfilled, value)
	}
	for _, ch := range channels {
		select {
		case ch <- value:
		default:
		}
		close(ch)
	}
	p.mu.Unlock()

	if p.node != nil {
		p.node.markResolved()
	}
	if p.loop != nil && p.loop.metrics != nil {
		p.loop.metrics.NodesLive.Add(-1)
	}
}

func (p *Promise) reject(reason Result) {
	p.mu.Lock()
	if p.State() != statePending {
		p.mu.Unlock()
		return
	}
	handlers := p.handlers
	p.handlers = nil
	channels := p.channels
	p.channels = nil
	p.result = reason
	p.state.Store(int32(stateRejected))
	for _, h := range handlers {
		p.scheduleHandler(h, stateRejected, reason)
	}
	for _, ch := range channels {
		select {
		case ch <- reason:
		default:
		}
		close(ch)
	}
	p.mu.Unlock()

	if p.node != nil {
		p.node.markResolved()
	}
	if p.loop != nil && p.loop.metrics != nil {
		p.loop.metrics.NodesLive.Add(-1)
	}
}

// Then registers fulfillment/rejection reactions, returning a new Promise
// settled with the chosen handler's outcome. Either handler may be nil, in
// which case the corresponding state passes through unchanged. Handlers run
// as microtasks on the loop thread.
func (p *Promise) Then(onFulfilled, onRejected func(Result) Result) *Promise {
	child := p.newChild()
	p.addHandler(handler{onFulfilled: onFulfilled, onRejected: onRejected, target: child})
	return child
}

// newChild allocates a pending Promise registered the same way [Loop.NewPromise]
// does, rooted on the current execution context, so chained promises are
// reachable both by [Loop.Shutdown]'s rejectAll sweep and by a fiber's node
// graph walk. Its TriggerOrigin is p itself: p's eventual settlement is what
// schedules the child's, regardless of which execution context happened to
// be current when Then/Catch/Finally was called to create it — the
// distinction [Watchdog.validateOwnership] depends on to catch a fiber
// awaiting a promise it doesn't own.
func (p *Promise) newChild() *Promise {
	if p.loop == nil {
		return &Promise{}
	}
	child, _, _ := p.loop.newPromiseTyped("PROMISE", p.node)
	return child
}

// Catch is Then(nil, onRejected).
func (p *Promise) Catch(onRejected func(Result) Result) *Promise {
	return p.Then(nil, onRejected)
}

// Finally registers onFinally to run regardless of outcome, without
// observing or altering the settled value/reason. Settles the child promise
// directly (bypassing the generic handler-target resolution) so the original
// value or reason passes through unmodified.
func (p *Promise) Finally(onFinally func()) *Promise {
	child := p.newChild()
	p.addHandler(handler{
		onFulfilled: func(v Result) Result { onFinally(); child.resolve(v); return nil },
		onRejected:  func(r Result) Result { onFinally(); child.reject(r); return nil },
	})
	return child
}

// All settles when every input settles: fulfilled with the slice of values
// in order, or rejected with the first rejection encountered.
func (l *Loop) All(promises []*Promise) *Promise {
	agg, resolve, reject := l.NewPromise()
	if len(promises) == 0 {
		resolve([]Result{})
		return agg
	}
	results := make([]Result, len(promises))
	remaining := atomic.Int64{}
	remaining.Store(int64(len(promises)))
	var once sync.Once
	for i, p := range promises {
		i := i
		p.Then(func(v Result) Result {
			results[i] = v
			if remaining.Add(-1) == 0 {
				resolve(results)
			}
			return nil
		}, func(r Result) Result {
			once.Do(func() { reject(r) })
			return nil
		})
	}
	return agg
}

// Race settles with the first input to settle, in either direction.
func (l *Loop) Race(promises []*Promise) *Promise {
	agg, resolve, reject := l.NewPromise()
	var once sync.Once
	for _, p := range promises {
		p.Then(func(v Result) Result {
			once.Do(func() { resolve(v) })
			return nil
		}, func(r Result) Result {
			once.Do(func() { reject(r) })
			return nil
		})
	}
	return agg
}

// SettledResult is one outcome in an [Loop.AllSettled] result slice.
type SettledResult struct {
	Fulfilled bool
	Value     Result
	Reason    Result
}

// AllSettled waits for every input to settle, never rejecting itself.
func (l *Loop) AllSettled(promises []*Promise) *Promise {
	agg, resolve, _ := l.NewPromise()
	if len(promises) == 0 {
		resolve([]SettledResult{})
		return agg
	}
	results := make([]SettledResult, len(promises))
	remaining := atomic.Int64{}
	remaining.Store(int64(len(promises)))
	for i, p := range promises {
		i := i
		p.Then(func(v Result) Result {
			results[i] = SettledResult{Fulfilled: true, Value: v}
			if remaining.Add(-1) == 0 {
				resolve(results)
			}
			return nil
		}, func(r Result) Result {
			results[i] = SettledResult{Fulfilled: false, Reason: r}
			if remaining.Add(-1) == 0 {
				resolve(results)
			}
			return nil
		})
	}
	return agg
}

// Any settles with the first fulfillment, or rejects with an
// [*AggregateError] if every input rejects.
func (l *Loop) Any(promises []*Promise) *Promise {
	agg, resolve, reject := l.NewPromise()
	if len(promises) == 0 {
		reject(&AggregateError{Message: "asyncfiber: Any called with no promises"})
		return agg
	}
	errs := make([]error, len(promises))
	remaining := atomic.Int64{}
	remaining.Store(int64(len(promises)))
	var once sync.Once
	for i, p := range promises {
		i := i
		p.Then(func(v Result) Result {
			once.Do(func() { resolve(v) })
			return nil
		}, func(r Result) Result {
			if err, ok := r.(error); ok {
				errs[i] = err
			} else {
				errs[i] = fmt.Errorf("%v", r)
			}
			if remaining.Add(-1) == 0 {
				reject(&AggregateError{Errors: errs})
			}
			return nil
		})
	}
	return agg
}
