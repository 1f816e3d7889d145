// internal/browser/jsexec/timers.go
package jsexec

import (
	"time"

	"github.com/dop251/goja"
)

type timer struct {
	id       int64
	t        *time.Timer
	fn       goja.Callable
	args     []goja.Value
	interval time.Duration
	repeat   bool
}

// timers implements setTimeout and setInterval on Go timers. Firing posts a
// job; the table itself is only touched on the loop goroutine.
type timers struct {
	rt     *Runtime
	nextID int64
	active map[int64]*timer
}

func newTimers(rt *Runtime) *timers {
	t := &timers{rt: rt, active: make(map[int64]*timer)}
	rt.loop.onExit = append(rt.loop.onExit, t.stopAll)
	return t
}

func (ts *timers) install(vm *goja.Runtime) {
	global := vm.GlobalObject()
	_ = global.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(ts.schedule(vm, call, false))
	})
	_ = global.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(ts.schedule(vm, call, true))
	})
	clear := func(call goja.FunctionCall) goja.Value {
		ts.cancel(call.Argument(0).ToInteger())
		return goja.Undefined()
	}
	_ = global.Set("clearTimeout", clear)
	_ = global.Set("clearInterval", clear)
	_ = global.Set("queueMicrotask", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("queueMicrotask: argument is not a function"))
		}
		ts.rt.loop.post(func() { ts.rt.Call(fn, goja.Undefined()) })
		return goja.Undefined()
	})
}

func (ts *timers) schedule(vm *goja.Runtime, call goja.FunctionCall, repeat bool) int64 {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		// String handlers are compiled like the browser does.
		src := call.Argument(0).String()
		fn = func(goja.Value, ...goja.Value) (goja.Value, error) { return vm.RunString(src) }
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if repeat && delay < time.Millisecond {
		delay = time.Millisecond
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	ts.nextID++
	t := &timer{id: ts.nextID, fn: fn, args: args, interval: delay, repeat: repeat}
	ts.active[t.id] = t
	t.t = time.AfterFunc(delay, func() { ts.rt.loop.post(func() { ts.fire(t) }) })
	return t.id
}

func (ts *timers) fire(t *timer) {
	if ts.active[t.id] != t {
		return
	}
	if !t.repeat {
		delete(ts.active, t.id)
	}
	ts.rt.Call(t.fn, goja.Undefined(), t.args...)
	if t.repeat && ts.active[t.id] == t {
		t.t.Reset(t.interval)
	}
}

func (ts *timers) cancel(id int64) {
	if t, ok := ts.active[id]; ok {
		t.t.Stop()
		delete(ts.active, id)
	}
}

func (ts *timers) stopAll() {
	for id, t := range ts.active {
		t.t.Stop()
		delete(ts.active, id)
	}
}

// Pending reports how many timers are scheduled. It must be called on the loop.
func (r *Runtime) Pending() int { return len(r.timers.active) }
