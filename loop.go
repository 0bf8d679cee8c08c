package asyncfiber

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Standard loop errors.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("asyncfiber: loop is already running")
	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("asyncfiber: loop has been terminated")
	// ErrReentrantRun is returned when Run is called from within the loop itself.
	ErrReentrantRun = errors.New("asyncfiber: cannot call Run from within the loop")
	// ErrTimerNotFound is returned by CancelTimer/ClearImmediate for an unknown or already-fired id.
	ErrTimerNotFound = errors.New("asyncfiber: timer not found")
)

// Task is a unit of work the loop executes on its own goroutine.
type Task func()

// timer is one entry in the loop's min-heap, ordered by when.
type timer struct {
	id       uint64
	when     time.Time
	task     Task
	canceled bool
	index    int // position in the heap, maintained by timerHeap.Swap
}

// timerHeap implements container/heap.Interface, tracking each timer's index
// so CancelTimer can heap.Remove it in O(log n) once its linear search by id
// has found it.
type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// immediateTask is a zero-delay callback scheduled via ScheduleImmediate: the
// "deferred-task primitive with single-turn granularity" the fiber watchdog
// uses for its coalesced stall check.
type immediateTask struct {
	id       uint64
	task     Task
	canceled atomic.Bool
}

// Loop is a single-threaded, cooperative scheduler: an external task queue,
// an internal (priority) task queue, a microtask queue, and a timer min-heap.
// Every callback — timer, immediate, microtask, promise resolution — runs on
// the same goroutine, which is the concurrency model the fiber/watchdog
// system (node.go, fiber.go, watchdog.go) assumes.
type Loop struct {
	id    uint64
	state *FastState

	mu         sync.Mutex
	external   []Task
	internal   []Task
	microtasks []Task
	timers     timerHeap
	immediates map[uint64]*immediateTask

	wake chan struct{}

	nextTimerID     atomic.Uint64
	nextImmediateID atomic.Uint64
	nextAsyncID     atomic.Uint64

	registry *registry
	metrics  *Metrics
	logger   Logger

	// execStack is the current-execution-context stack: the node whose
	// synchronous callback is presently running, innermost last. Empty means
	// "top-level", i.e. code running outside any instrumented callback.
	execStack []*Node
	rootNode  *Node

	promisifyMu sync.Mutex
	promisifyWg sync.WaitGroup

	loopGoroutine atomic.Int64 // goroutine id of the thread running Run, 0 if not running
	loopDone      chan struct{}
}

var loopIDCounter atomic.Uint64

// New creates a Loop in [StateAwake], not yet running.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		id:         loopIDCounter.Add(1),
		state:      NewFastState(),
		immediates: make(map[uint64]*immediateTask),
		registry:   newRegistry(),
		wake:       make(chan struct{}, 1),
		loopDone:   make(chan struct{}),
		logger:     cfg.logger,
	}
	if cfg.metricsEnabled {
		l.metrics = newMetrics()
	}
	l.rootNode = newNode(l.nextAsyncID.Add(1), "TOPLEVEL", nil, nil)
	l.rootNode.Active = false
	return l, nil
}

// Metrics returns the loop's metrics, or nil if metrics collection wasn't
// enabled via [WithMetrics].
func (l *Loop) Metrics() *Metrics { return l.metrics }

func (l *Loop) signalWake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Submit enqueues task on the external queue, run in FIFO order relative to
// other external tasks once the internal queue and microtasks have drained.
func (l *Loop) Submit(task Task) error {
	if task == nil {
		return nil
	}
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}
	l.mu.Lock()
	l.external = append(l.external, task)
	l.mu.Unlock()
	l.signalWake()
	return nil
}

// SubmitInternal enqueues task on the internal (priority) queue, drained
// before the external queue every tick. Used for promise settlement and other
// bookkeeping that must not be starved by a backlog of external work.
func (l *Loop) SubmitInternal(task Task) error {
	if task == nil {
		return nil
	}
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}
	l.mu.Lock()
	l.internal = append(l.internal, task)
	l.mu.Unlock()
	l.signalWake()
	return nil
}

// ScheduleMicrotask enqueues fn on the microtask queue. Microtasks drain
// completely — including microtasks scheduled by other microtasks — before
// the loop moves on to timers or external tasks, matching queueMicrotask
// semantics.
func (l *Loop) ScheduleMicrotask(fn func()) error {
	if fn == nil {
		return nil
	}
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}
	l.mu.Lock()
	l.microtasks = append(l.microtasks, fn)
	l.mu.Unlock()
	l.signalWake()
	return nil
}

// ScheduleTimer schedules fn to run after delay and returns an id usable with
// CancelTimer. The timer is instrumented as a "Timeout"-typed [Node], and fn
// runs inside that node's execution context.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (uint64, error) {
	if fn == nil {
		return 0, nil
	}
	if !l.state.CanAcceptWork() {
		return 0, ErrLoopTerminated
	}
	id := l.nextTimerID.Add(1)
	node := l.spawnResourceNode("Timeout", nil)
	task := func() {
		l.runWithNode(node, fn)
		if l.metrics != nil {
			l.metrics.NodesLive.Add(-1)
		}
	}
	t := &timer{id: id, when: time.Now().Add(delay), task: task}
	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.signalWake()
	return id, nil
}

// CancelTimer cancels a pending timer. Returns [ErrTimerNotFound] if id is
// unknown or has already fired.
func (l *Loop) CancelTimer(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.timers {
		if t.id == id {
			heap.Remove(&l.timers, t.index)
			return nil
		}
	}
	return ErrTimerNotFound
}

// ScheduleImmediate schedules fn to run on the next tick, bypassing the timer
// heap entirely. This is the host's deferred-task primitive with
// single-turn granularity that [Watchdog] uses for its coalesced stall
// check.
func (l *Loop) ScheduleImmediate(fn func()) (uint64, error) {
	if fn == nil {
		return 0, nil
	}
	if !l.state.CanAcceptWork() {
		return 0, ErrLoopTerminated
	}
	id := l.nextImmediateID.Add(1)
	it := &immediateTask{id: id, task: fn}

	l.mu.Lock()
	l.immediates[id] = it
	l.mu.Unlock()

	return id, l.SubmitInternal(func() { l.runImmediate(it) })
}

// ClearImmediate cancels a pending immediate. Returns [ErrTimerNotFound] if id
// is unknown or has already run.
func (l *Loop) ClearImmediate(id uint64) error {
	l.mu.Lock()
	it, ok := l.immediates[id]
	delete(l.immediates, id)
	l.mu.Unlock()
	if !ok {
		return ErrTimerNotFound
	}
	it.canceled.Store(true)
	return nil
}

func (l *Loop) runImmediate(it *immediateTask) {
	if it.canceled.Load() {
		return
	}
	l.mu.Lock()
	delete(l.immediates, it.id)
	l.mu.Unlock()
	l.safeExecute(it.task)
}

// Run drains the loop until ctx is canceled or Shutdown is called. It blocks
// the calling goroutine; to run in the background use `go loop.Run(ctx)`.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	defer close(l.loopDone)
	defer l.state.Store(StateTerminated)

	for {
		if ctx.Err() != nil {
			l.shutdown()
			return ctx.Err()
		}

		l.drainMicrotasks()
		didWork := l.processInternal()
		didWork = l.processExternal() || didWork
		didWork = l.runDueTimers() || didWork
		l.drainMicrotasks()

		if l.state.Load() == StateTerminating {
			l.shutdown()
			return nil
		}
		if didWork {
			continue
		}

		wait := l.nextWait()
		if !l.state.TryTransition(StateRunning, StateSleeping) {
			// Shutdown moved the loop to Terminating; handle it next iteration.
			continue
		}
		select {
		case <-l.wake:
		case <-wait:
		case <-ctx.Done():
		}
		l.state.TryTransition(StateSleeping, StateRunning)
	}
}

// nextWait returns a channel that fires when the earliest pending timer is due,
// or nil (blocks forever) if there are none.
func (l *Loop) nextWait() <-chan time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return nil
	}
	d := time.Until(l.timers[0].when)
	if d < 0 {
		d = 0
	}
	return time.After(d)
}

func (l *Loop) drainMicrotasks() {
	for {
		l.mu.Lock()
		if len(l.microtasks) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.microtasks
		l.microtasks = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.safeExecute(fn)
		}
	}
}

func (l *Loop) processInternal() bool {
	l.mu.Lock()
	batch := l.internal
	l.internal = nil
	l.mu.Unlock()

	for _, t := range batch {
		l.safeExecute(t)
		l.drainMicrotasks()
	}
	return len(batch) > 0
}

func (l *Loop) processExternal() bool {
	l.mu.Lock()
	batch := l.external
	l.external = nil
	l.mu.Unlock()

	for _, t := range batch {
		l.safeExecute(t)
		l.drainMicrotasks()
	}
	return len(batch) > 0
}

func (l *Loop) runDueTimers() bool {
	ran := false
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(now) {
			l.mu.Unlock()
			break
		}
		t := heap.Pop(&l.timers).(*timer)
		l.mu.Unlock()

		ran = true
		l.safeExecute(t.task)
		l.drainMicrotasks()
	}
	return ran
}

func (l *Loop) safeExecute(t Task) {
	if t == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logf(l.logger, LevelError, "loop", l.id, 0, nil, "recovered panic in task: %v", r)
		}
	}()
	t()
}

// Shutdown requests the loop terminate: it rejects every outstanding promise
// and returns once Run has exited. Safe to call concurrently with Run.
func (l *Loop) Shutdown(ctx context.Context) error {
	for {
		s := l.state.Load()
		if s == StateTerminated {
			return nil
		}
		if s == StateTerminating {
			break
		}
		if l.state.TryTransition(s, StateTerminating) {
			l.signalWake()
			break
		}
	}
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) shutdown() {
	// Block until any Promisify call presently deciding whether to enqueue
	// has finished deciding, so promisifyWg.Wait below can't miss one.
	l.promisifyMu.Lock()
	l.promisifyMu.Unlock()
	l.registry.rejectAll(ErrLoopTerminated)
	l.promisifyWg.Wait()
}

// State returns the loop's current [LoopState].
func (l *Loop) State() LoopState { return l.state.Load() }

// currentNode returns the node representing the execution context presently
// running synchronously on the loop's goroutine, or the loop's sentinel root
// node if nothing instrumented is currently executing.
func (l *Loop) currentNode() *Node {
	if n := len(l.execStack); n > 0 {
		return l.execStack[n-1]
	}
	return l.rootNode
}

func (l *Loop) pushExecution(n *Node) { l.execStack = append(l.execStack, n) }

func (l *Loop) popExecution() {
	if n := len(l.execStack); n > 0 {
		l.execStack = l.execStack[:n-1]
	}
}

// spawnResourceNode is the creation handler every fiber-trackable resource
// (promise, promisify, timer) routes through: it allocates the next async id,
// attaches the new node below the current execution context, wires trigger
// as the node that will actually schedule it (falling back to the execution
// context itself when trigger is nil, i.e. creation and triggering coincide),
// and — via Node.spawnChild's own call into the hook adapter (hook.go) —
// gives a watchdog the chance to adopt it. Immediates and microtasks are the
// loop's own scheduling primitives and get no node; a fiber observes their
// effect only once it settles a [Promise] from inside one.
func (l *Loop) spawnResourceNode(typ string, trigger *Node) *Node {
	parent := l.currentNode()
	id := l.nextAsyncID.Add(1)
	child := parent.spawnChild(id, typ, trigger)
	child.Frame = captureFrame(2)
	if l.metrics != nil {
		l.metrics.NodesLive.Add(1)
	}
	return child
}

// runWithNode pushes n as the current execution context, fires BEFORE, runs
// fn, fires AFTER, and pops — the bracket every resource callback executes
// inside, giving the watchdog well-formed PRE/POST_EXECUTION events. When n
// belongs to a still-live fiber, that fiber is also pushed onto fiberStack
// for the duration, so [currentFiber] stays accurate inside continuations
// that run long after the fiber's launch call returned.
func (l *Loop) runWithNode(n *Node, fn func()) {
	n.markPreExecution()
	l.pushExecution(n)
	var f *Fiber
	if n.FiberID != 0 {
		f = fiberByID(n.FiberID)
		if f != nil {
			pushFiber(f)
		}
	}
	defer func() {
		if f != nil {
			popFiber(f)
		}
		l.popExecution()
		n.markPostExecution()
	}()
	fn()
}

func (l *Loop) String() string {
	return fmt.Sprintf("Loop#%d(%s)", l.id, l.state.Load())
}
