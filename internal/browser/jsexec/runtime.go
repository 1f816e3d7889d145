// internal/browser/jsexec/runtime.go
package jsexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
)

// DefaultTimeout is the fallback execution timeout if the context has no deadline.
const DefaultTimeout = 30 * time.Second

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("javascript runtime is closed")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Runtime is a goja VM driven by its own event loop goroutine. One Runtime
// backs one top-level document; navigation discards it and builds a new one.
type Runtime struct {
	vm     *goja.Runtime
	loop   *loop
	logger *zap.Logger
	timers *timers

	closeOnce sync.Once
}

// NewRuntime creates a runtime and starts its loop. Timers are installed on
// the global object before NewRuntime returns.
func NewRuntime(logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("jsexec")

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	r := &Runtime{
		vm:     vm,
		logger: log,
	}
	r.loop = newLoop(vm, log)
	r.timers = newTimers(r)

	installed := make(chan struct{})
	r.loop.post(func() {
		r.timers.install(vm)
		close(installed)
	})
	<-installed
	return r
}

// Post queues fn to run on the loop goroutine. It reports false after Close.
func (r *Runtime) Post(fn func(vm *goja.Runtime)) bool {
	return r.loop.post(func() { fn(r.vm) })
}

// AfterEach registers fn to run on the loop after every job. It must be
// called from the loop goroutine.
func (r *Runtime) AfterEach(fn func()) {
	r.loop.afterEach = append(r.loop.afterEach, fn)
}

// Run executes fn on the loop and waits for it. When ctx ends first, a script
// that fn is running is interrupted and Run returns without waiting further.
func (r *Runtime) Run(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	var (
		mu       sync.Mutex
		running  bool
		canceled bool
	)
	result := make(chan error, 1)

	job := func() {
		mu.Lock()
		if canceled {
			mu.Unlock()
			return
		}
		running = true
		mu.Unlock()

		err := fn(r.vm)

		// Clear under the same lock as the interrupt so it can never leak
		// into the next job.
		mu.Lock()
		running = false
		r.vm.ClearInterrupt()
		mu.Unlock()
		result <- err
	}
	if !r.loop.post(job) {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-r.loop.done:
		return ErrClosed
	case <-ctx.Done():
		mu.Lock()
		canceled = true
		if running {
			r.vm.Interrupt(ctx.Err())
		}
		mu.Unlock()
		return contextError("evaluate", ctx)
	}
}

// Evaluate runs code as a script and returns its JSON-compatible value. A
// promise result is awaited. Objects come back as map[string]any and numbers
// as float64, the same shape a remote browser returns by value.
func (r *Runtime) Evaluate(ctx context.Context, code string) (any, error) {
	type settled struct {
		value any
		err   error
	}
	pending := make(chan settled, 1)
	var (
		immediate any
		awaiting  bool
	)

	err := r.Run(ctx, func(vm *goja.Runtime) error {
		v, err := vm.RunString(code)
		if err != nil {
			return ScriptErr(err)
		}

		p, ok := v.Export().(*goja.Promise)
		if !ok {
			immediate, err = r.toJSON(v)
			return err
		}
		switch p.State() {
		case goja.PromiseStateFulfilled:
			immediate, err = r.toJSON(p.Result())
			return err
		case goja.PromiseStateRejected:
			return &bridge.ScriptError{Message: valueString(p.Result())}
		}

		// Still pending: settle through then() so the callbacks run on the loop.
		then, ok := goja.AssertFunction(v.ToObject(vm).Get("then"))
		if !ok {
			return &bridge.ScriptError{Message: "promise has no then method"}
		}
		onFulfilled := func(call goja.FunctionCall) goja.Value {
			out, err := r.toJSON(call.Argument(0))
			pending <- settled{value: out, err: err}
			return goja.Undefined()
		}
		onRejected := func(call goja.FunctionCall) goja.Value {
			pending <- settled{err: &bridge.ScriptError{Message: valueString(call.Argument(0))}}
			return goja.Undefined()
		}
		if _, err := then(v, vm.ToValue(onFulfilled), vm.ToValue(onRejected)); err != nil {
			return ScriptErr(err)
		}
		awaiting = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !awaiting {
		return immediate, nil
	}

	select {
	case s := <-pending:
		return s.value, s.err
	case <-r.loop.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, contextError("await promise", ctx)
	}
}

// Call invokes fn with this and args. It must be called on the loop.
// Exceptions are logged, not propagated, the way a browser reports errors
// thrown by event handlers and timers.
func (r *Runtime) Call(fn goja.Callable, this goja.Value, args ...goja.Value) goja.Value {
	v, err := fn(this, args...)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			// Keep the interrupt pending so the enclosing script stops too.
			r.vm.Interrupt(interrupted.Value())
			return goja.Undefined()
		}
		r.logger.Warn("Uncaught exception in callback.", zap.String("error", ScriptErr(err).Error()))
		return goja.Undefined()
	}
	return v
}

// Close stops the loop and every pending timer. Queued jobs are dropped.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.loop.close()
		<-r.loop.done
	})
}

// Done is closed once the loop goroutine has exited.
func (r *Runtime) Done() <-chan struct{} { return r.loop.done }

// toJSON converts v to plain Go values through JSON.stringify, so cyclic DOM
// wrappers and functions never reach the host.
func (r *Runtime) toJSON(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	jsonObj := r.vm.Get("JSON").ToObject(r.vm)
	stringify, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return nil, fmt.Errorf("JSON.stringify is unavailable")
	}
	s, err := stringify(goja.Undefined(), v)
	if err != nil {
		return nil, ScriptErr(err)
	}
	if goja.IsUndefined(s) {
		return nil, nil
	}
	var out any
	if err := json.UnmarshalFromString(s.String(), &out); err != nil {
		return nil, fmt.Errorf("failed to decode script result: %w", err)
	}
	return out, nil
}

// ScriptErr maps an error returned by goja onto the bridge taxonomy.
func ScriptErr(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &bridge.ScriptError{Message: valueString(exc.Value())}
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &bridge.ScriptError{Message: "SyntaxError: " + syntax.Error()}
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("javascript execution interrupted: %w", err)
	}
	return &bridge.ScriptError{Message: err.Error()}
}

func valueString(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	return v.String()
}

func contextError(op string, ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &bridge.TimeoutError{Op: op}
	}
	return fmt.Errorf("%s: %w", op, ctx.Err())
}
