package asyncfiber

import "context"

// Promisify runs fn on a new goroutine and returns a [Promise] for its
// result. The returned promise is instrumented as an "IO"-typed [Node], so a
// [Watchdog] can tell a genuine async I/O boundary apart from a plain
// derived promise when deciding what counts as real forward progress.
//
// Settlement is always handed back to the loop thread through
// [Loop.SubmitInternal], falling back to direct resolution if the loop has
// already begun terminating by the time fn returns. A goroutine that exits
// via runtime.Goexit (e.g. a failed testing.T call made from the wrong
// goroutine) rejects with [ErrGoexit] rather than hanging forever; a panic
// rejects with a [PanicError] wrapping the recovered value.
func (l *Loop) Promisify(ctx context.Context, fn func(ctx context.Context) (Result, error)) *Promise {
	l.promisifyMu.Lock()
	if !l.state.CanAcceptWork() {
		l.promisifyMu.Unlock()
		return l.Reject(ErrLoopTerminated)
	}

	p, resolve, reject := l.newPromiseTyped("IO", nil)
	l.promisifyWg.Add(1)
	l.promisifyMu.Unlock()

	go func() {
		defer l.promisifyWg.Done()

		completed := false

		select {
		case <-ctx.Done():
			completed = true
			l.settleFallback(func() { reject(ctx.Err()) })
			return
		default:
		}

		defer func() {
			if r := recover(); r != nil {
				l.settleFallback(func() { reject(PanicError{Value: r}) })
			} else if !completed {
				l.settleFallback(func() { reject(ErrGoexit) })
			}
		}()

		res, err := fn(ctx)
		completed = true
		if err != nil {
			l.settleFallback(func() { reject(err) })
		} else {
			l.settleFallback(func() { resolve(res) })
		}
	}()

	return p
}

// settleFallback runs settle on the loop thread via SubmitInternal, falling
// back to running it directly (off-thread) if the loop has already stopped
// accepting work, so a promise never settles twice but always settles.
func (l *Loop) settleFallback(settle func()) {
	if err := l.SubmitInternal(settle); err != nil {
		settle()
	}
}
