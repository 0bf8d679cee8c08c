// Package asyncfiber is a fiber isolation primitive for a cooperative,
// single-threaded asynchronous Go runtime.
//
// A fiber is a launching function plus its deferred result ([Promise]) plus
// every asynchronous resource — timers, immediates, simulated I/O
// ([Loop.Promisify]), and nested promises — it transitively creates. Three
// contracts are enforced against the fiber's reachable resource graph:
//
//   - No awaiting a resource owned by a sibling fiber.
//   - No awaiting a resource created in the parent's pre-fiber execution
//     context.
//   - No stalling forever with nothing outstanding that could ever settle.
//
// # Architecture
//
// [Loop] is the single-threaded cooperative scheduler: an external task
// queue, an internal (priority) task queue, a microtask queue, and a timer
// min-heap. Its resource primitives — [Loop.ScheduleTimer], [Loop.Promisify],
// [Loop.NewPromise] and the promises [Promise.Then]/[Promise.Catch]/
// [Promise.Finally] create — allocate a shadow [Node] beneath the loop's
// current execution context; [Loop.ScheduleImmediate] and
// [Loop.ScheduleMicrotask] do not. [StartFiber] activates a [Fiber], runs its launching
// function, and attaches a [Watchdog] to every node in the reachable graph:
// the watchdog classifies each lifecycle transition and rejects the fiber's
// wrapped result with a typed [Fault] the moment a contract is violated, or
// once nothing pending could ever make further progress.
//
// # Usage
//
//	loop, err := asyncfiber.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	loop.Submit(func() {
//	    handle := asyncfiber.StartFiber(loop, func() *asyncfiber.Promise {
//	        p, resolve, _ := loop.NewPromise()
//	        loop.ScheduleTimer(100*time.Millisecond, func() { resolve("done") })
//	        return p
//	    }, asyncfiber.FiberParams{Name: "example"})
//
//	    handle.Return.Then(func(v asyncfiber.Result) asyncfiber.Result {
//	        fmt.Println(v)
//	        loop.Shutdown(context.Background())
//	        return nil
//	    }, nil)
//	})
//
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
//   - [Loop.Submit] and [Loop.SubmitInternal] are safe to call from any goroutine.
//   - [Loop.ScheduleMicrotask] is lock-free (MPSC ring buffer).
//   - Timer registration is thread-safe.
//   - The node graph, fiber registry, and watchdog state are mutated only on
//     the loop's own goroutine, per the single-logical-thread model: no lock
//     discipline is needed there.
//
// # Faults
//
// A fiber's wrapped result rejects with a [*Fault] carrying one of five
// [FaultCode] values: [FaultParentAsyncTrigger], [FaultForeignAsyncTrigger],
// [FaultForeignAsyncAborted], [FaultFiberAborted], [FaultFiberStall]. The
// first fault wins; a fiber's result settles at most once.
package asyncfiber
