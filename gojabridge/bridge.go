// Package gojabridge binds a [github.com/kitten/asyncfiber] Loop into a
// Goja JavaScript runtime: setTimeout/queueMicrotask/Promise as globals, and
// enable/disable/getFiber/startFiber so scripts can open their own fiber
// isolation boundaries.
package gojabridge

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/kitten/asyncfiber"
)

func durationMillis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// Adapter bridges a Goja runtime to a Loop. Bind installs the JavaScript
// globals; the runtime must only be driven from the loop's own goroutine
// once bound (e.g. from within Submit/ScheduleMicrotask/a fiber body).
type Adapter struct {
	loop             *asyncfiber.Loop
	runtime          *goja.Runtime
	promisePrototype *goja.Object
}

// New creates a new bridge for loop and runtime. Neither may be nil.
func New(loop *asyncfiber.Loop, runtime *goja.Runtime) (*Adapter, error) {
	if loop == nil {
		return nil, fmt.Errorf("gojabridge: loop cannot be nil")
	}
	if runtime == nil {
		return nil, fmt.Errorf("gojabridge: runtime cannot be nil")
	}
	return &Adapter{loop: loop, runtime: runtime}, nil
}

// Loop returns the bridged event loop.
func (a *Adapter) Loop() *asyncfiber.Loop { return a.loop }

// Runtime returns the bridged Goja runtime.
func (a *Adapter) Runtime() *goja.Runtime { return a.runtime }

// Bind installs setTimeout/clearTimeout/queueMicrotask/Promise and the
// fiber-isolation globals (enable/disable/getFiber/startFiber) into the
// runtime's global scope.
func (a *Adapter) Bind() error {
	a.runtime.Set("setTimeout", a.setTimeout)
	a.runtime.Set("clearTimeout", a.clearTimeout)
	a.runtime.Set("queueMicrotask", a.queueMicrotask)
	a.runtime.Set("enable", a.enable)
	a.runtime.Set("disable", a.disable)
	a.runtime.Set("getFiber", a.getFiber)
	a.runtime.Set("startFiber", a.startFiber)
	a.runtime.Set("Promise", a.promiseConstructor)
	return a.bindPromise()
}

func (a *Adapter) setTimeout(call goja.FunctionCall) goja.Value {
	fnCallable, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(a.runtime.NewTypeError("setTimeout requires a function as first argument"))
	}
	delayMs := call.Argument(1).ToInteger()
	if delayMs < 0 {
		delayMs = 0
	}
	id, err := a.loop.ScheduleTimer(durationMillis(delayMs), func() {
		_, _ = fnCallable(goja.Undefined())
	})
	if err != nil {
		panic(a.runtime.NewGoError(err))
	}
	return a.runtime.ToValue(id)
}

func (a *Adapter) clearTimeout(call goja.FunctionCall) goja.Value {
	id := uint64(call.Argument(0).ToInteger())
	_ = a.loop.CancelTimer(id)
	return goja.Undefined()
}

func (a *Adapter) queueMicrotask(call goja.FunctionCall) goja.Value {
	fnCallable, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(a.runtime.NewTypeError("queueMicrotask requires a function as first argument"))
	}
	if err := a.loop.ScheduleMicrotask(func() { _, _ = fnCallable(goja.Undefined()) }); err != nil {
		panic(a.runtime.NewGoError(err))
	}
	return goja.Undefined()
}

// enable opens a manual fiber boundary on the current execution context,
// the JS-visible form of [asyncfiber.Enable].
func (a *Adapter) enable(call goja.FunctionCall) goja.Value {
	f := asyncfiber.Enable(a.loop)
	return a.runtime.ToValue(f.ID)
}

// disable closes the current manual fiber boundary, the JS-visible form of
// [asyncfiber.Disable].
func (a *Adapter) disable(call goja.FunctionCall) goja.Value {
	f := asyncfiber.Disable()
	if f == nil {
		return goja.Undefined()
	}
	return a.runtime.ToValue(f.ID)
}

// getFiber returns the active fiber's id, or undefined if none is active.
func (a *Adapter) getFiber(call goja.FunctionCall) goja.Value {
	f := asyncfiber.GetFiber()
	if f == nil {
		return goja.Undefined()
	}
	return a.runtime.ToValue(f.ID)
}

// startFiber launches fn as a watchdog-protected fiber body and returns a
// wrapped Promise for its outcome, the JS-visible form of
// [asyncfiber.StartFiber]. fn is called with no arguments and must return a
// Promise-shaped value (anything accepted by Promise.resolve semantics).
func (a *Adapter) startFiber(call goja.FunctionCall) goja.Value {
	fnCallable, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(a.runtime.NewTypeError("startFiber requires a function as first argument"))
	}
	name := call.Argument(1).String()

	handle := asyncfiber.StartFiber(a.loop, func() *asyncfiber.Promise {
		ret, err := fnCallable(goja.Undefined())
		if err != nil {
			return a.loop.Reject(err)
		}
		return a.resolveFromJS(ret)
	}, asyncfiber.FiberParams{Name: name})

	return a.gojaWrapPromise(handle.Return)
}

// resolveFromJS unwraps a JS return value into a Promise: our own wrapped
// promise objects pass through directly, anything else settles immediately.
func (a *Adapter) resolveFromJS(v goja.Value) *asyncfiber.Promise {
	if obj, ok := v.(*goja.Object); ok {
		if internal := obj.Get("_internalPromise"); internal != nil && !goja.IsUndefined(internal) {
			if p, ok := internal.Export().(*asyncfiber.Promise); ok && p != nil {
				return p
			}
		}
	}
	return a.loop.Resolve(v.Export())
}

func (a *Adapter) gojaFuncToHandler(fn goja.Value) func(asyncfiber.Result) asyncfiber.Result {
	fnCallable, ok := goja.AssertFunction(fn)
	if !ok {
		return func(result asyncfiber.Result) asyncfiber.Result { return result }
	}
	return func(result asyncfiber.Result) asyncfiber.Result {
		ret, err := fnCallable(goja.Undefined(), a.convertToGojaValue(result))
		if err != nil {
			return err
		}
		return ret.Export()
	}
}

func (a *Adapter) gojaVoidFuncToHandler(fn goja.Value) func() {
	fnCallable, ok := goja.AssertFunction(fn)
	if !ok {
		return func() {}
	}
	return func() { _, _ = fnCallable(goja.Undefined()) }
}

func (a *Adapter) gojaWrapPromise(p *asyncfiber.Promise) goja.Value {
	wrapper := a.runtime.NewObject()
	wrapper.Set("_internalPromise", p)
	if a.promisePrototype != nil {
		wrapper.SetPrototype(a.promisePrototype)
	}
	return wrapper
}

func (a *Adapter) convertToGojaValue(v any) goja.Value {
	if val, ok := v.(goja.Value); ok {
		return val
	}
	if p, ok := v.(*asyncfiber.Promise); ok {
		switch p.State() {
		case asyncfiber.Pending:
			return goja.Undefined()
		case asyncfiber.Rejected:
			return a.convertToGojaValue(p.Reason())
		default:
			return a.convertToGojaValue(p.Value())
		}
	}
	if arr, ok := v.([]asyncfiber.Result); ok {
		jsArr := a.runtime.NewArray(len(arr))
		for i, val := range arr {
			_ = jsArr.Set(strconv.Itoa(i), a.convertToGojaValue(val))
		}
		return jsArr
	}
	return a.runtime.ToValue(v)
}

func (a *Adapter) promiseConstructor(call goja.ConstructorCall) *goja.Object {
	executorCallable, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(a.runtime.NewTypeError("Promise executor must be a function"))
	}

	p, resolve, reject := a.loop.NewPromise()

	_, err := executorCallable(goja.Undefined(),
		a.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			resolve(exportArg(call, 0))
			return goja.Undefined()
		}),
		a.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			reject(exportArg(call, 0))
			return goja.Undefined()
		}),
	)
	if err != nil {
		reject(err)
	}

	thisObj := call.This
	thisObj.SetPrototype(a.promisePrototype)
	thisObj.Set("_internalPromise", p)
	return thisObj
}

func exportArg(call goja.FunctionCall, i int) any {
	if len(call.Arguments) <= i {
		return nil
	}
	return call.Argument(i).Export()
}

// bindPromise installs Promise.prototype.{then,catch,finally} and the
// Promise.{resolve,reject,all,race,allSettled,any} static combinators.
func (a *Adapter) bindPromise() error {
	promisePrototype := a.runtime.NewObject()
	a.promisePrototype = promisePrototype

	internalOf := func(thisVal goja.Value, method string) *asyncfiber.Promise {
		thisObj, ok := thisVal.(*goja.Object)
		if !ok || thisObj == nil {
			panic(a.runtime.NewTypeError(method + "() called on non-Promise object"))
		}
		p, ok := thisObj.Get("_internalPromise").Export().(*asyncfiber.Promise)
		if !ok || p == nil {
			panic(a.runtime.NewTypeError(method + "() called on non-Promise object"))
		}
		return p
	}

	promisePrototype.Set("then", a.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		p := internalOf(call.This, "then")
		chained := p.Then(a.gojaFuncToHandler(call.Argument(0)), a.gojaFuncToHandler(call.Argument(1)))
		return a.gojaWrapPromise(chained)
	}))
	promisePrototype.Set("catch", a.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		p := internalOf(call.This, "catch")
		chained := p.Catch(a.gojaFuncToHandler(call.Argument(0)))
		return a.gojaWrapPromise(chained)
	}))
	promisePrototype.Set("finally", a.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		p := internalOf(call.This, "finally")
		chained := p.Finally(a.gojaVoidFuncToHandler(call.Argument(0)))
		return a.gojaWrapPromise(chained)
	}))

	ctor := a.runtime.Get("Promise").ToObject(a.runtime)
	ctor.Set("prototype", promisePrototype)

	ctor.Set("resolve", a.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		value := call.Argument(0)
		if goja.IsNull(value) || goja.IsUndefined(value) {
			return a.gojaWrapPromise(a.loop.Resolve(nil))
		}
		if obj, ok := value.(*goja.Object); ok {
			if internal := obj.Get("_internalPromise"); internal != nil && !goja.IsUndefined(internal) {
				if _, ok := internal.Export().(*asyncfiber.Promise); ok {
					return value
				}
			}
		}
		return a.gojaWrapPromise(a.loop.Resolve(value.Export()))
	}))
	ctor.Set("reject", a.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		return a.gojaWrapPromise(a.loop.Reject(exportArg(call, 0)))
	}))

	toPromiseSlice := func(iterable goja.Value, methodName string) []*asyncfiber.Promise {
		arr, ok := iterable.Export().([]goja.Value)
		if !ok {
			obj := iterable.ToObject(a.runtime)
			if obj == nil {
				panic(a.runtime.NewTypeError("Promise." + methodName + " requires an array or iterable object"))
			}
			length := int(obj.Get("length").ToInteger())
			arr = make([]goja.Value, length)
			for i := range arr {
				arr[i] = obj.Get(strconv.Itoa(i))
			}
		}
		promises := make([]*asyncfiber.Promise, len(arr))
		for i, val := range arr {
			if obj, ok := val.(*goja.Object); ok {
				if internal := obj.Get("_internalPromise"); internal != nil && !goja.IsUndefined(internal) {
					if p, ok := internal.Export().(*asyncfiber.Promise); ok && p != nil {
						promises[i] = p
						continue
					}
				}
			}
			promises[i] = a.loop.Resolve(val.Export())
		}
		return promises
	}

	ctor.Set("all", a.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		return a.gojaWrapPromise(a.loop.All(toPromiseSlice(call.Argument(0), "all")))
	}))
	ctor.Set("race", a.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		return a.gojaWrapPromise(a.loop.Race(toPromiseSlice(call.Argument(0), "race")))
	}))
	ctor.Set("allSettled", a.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		return a.gojaWrapPromise(a.loop.AllSettled(toPromiseSlice(call.Argument(0), "allSettled")))
	}))
	ctor.Set("any", a.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		return a.gojaWrapPromise(a.loop.Any(toPromiseSlice(call.Argument(0), "any")))
	}))

	return nil
}
