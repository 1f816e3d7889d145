// internal/browser/jsbind/globals.go
package jsbind

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/browser/shim"
	"github.com/xkilldash9x/pagewalker/internal/observability"
)

//go:embed prelude.js
var prelude string

// installGlobals sets up everything on the global object that does not
// depend on a particular document.
func (e *Env) installGlobals() error {
	vm := e.vm
	global := vm.GlobalObject()

	e.initConsole(global)
	e.initDialogs(global)
	if err := global.Set("navigator", e.opts.Persona.Navigator()); err != nil {
		return fmt.Errorf("failed to set navigator: %w", err)
	}
	if err := global.Set(e.opts.Transport, e.transport); err != nil {
		return fmt.Errorf("failed to set socket transport: %w", err)
	}
	if err := global.Set("__pagewalkerFetch", e.fetchNative); err != nil {
		return fmt.Errorf("failed to set fetch native: %w", err)
	}
	if err := global.Set("MutationObserver", e.mutationObserverCtor); err != nil {
		return fmt.Errorf("failed to set MutationObserver: %w", err)
	}

	if _, err := vm.RunScript("pagewalker:prelude", prelude); err != nil {
		return fmt.Errorf("failed to run prelude: %w", err)
	}

	e.protos = protos{
		node:     vm.NewObject(),
		element:  vm.NewObject(),
		text:     vm.NewObject(),
		document: vm.NewObject(),
	}
	for _, p := range []*goja.Object{e.protos.element, e.protos.text, e.protos.document} {
		if err := p.SetPrototype(e.protos.node); err != nil {
			return fmt.Errorf("failed to chain node prototype: %w", err)
		}
	}
	e.installNodeProto(e.protos.node)
	e.installElementProto(e.protos.element)
	e.installTextProto(e.protos.text)
	e.installDocumentProto(e.protos.document)

	ctors := map[string]*goja.Object{
		"Node":        e.protos.node,
		"Element":     e.protos.element,
		"HTMLElement": e.protos.element,
		"Text":        e.protos.text,
		"Document":    e.protos.document,
	}
	for name, proto := range ctors {
		ctor := global.Get(name).ToObject(vm)
		if err := ctor.Set("prototype", proto); err != nil {
			return fmt.Errorf("failed to attach %s prototype: %w", name, err)
		}
		if name != "HTMLElement" {
			_ = proto.DefineDataProperty("constructor", ctor, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE)
		}
	}
	return nil
}

// initConsole routes console output to the logger. Objects are rendered
// with JSON.stringify where possible.
func (e *Env) initConsole(global *goja.Object) {
	console := e.vm.NewObject()
	sink := observability.NewPageConsole(e.logger)
	for _, method := range []string{"log", "info", "warn", "error", "debug", "trace"} {
		method := method
		e.set(console, method, func(call goja.FunctionCall) goja.Value {
			args := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = e.consoleString(arg)
			}
			sink.Log(method, args)
			return goja.Undefined()
		})
	}
	e.set(global, "console", console)
}

func (e *Env) consoleString(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return v.String()
	}
	if _, isErr := obj.Export().(error); isErr {
		return v.String()
	}
	if n := e.unwrap(obj); n != nil {
		return "<" + strings.ToLower(n.Data) + ">"
	}
	stringify, ok := goja.AssertFunction(e.vm.Get("JSON").ToObject(e.vm).Get("stringify"))
	if !ok {
		return v.String()
	}
	out, err := stringify(goja.Undefined(), v)
	if err != nil || goja.IsUndefined(out) {
		return v.String()
	}
	return out.String()
}

// initDialogs installs alert, confirm and prompt. They block the script
// while the host decides, then return its answer.
func (e *Env) initDialogs(global *goja.Object) {
	vm := e.vm
	message := func(call goja.FunctionCall) string {
		if a := call.Argument(0); !goja.IsUndefined(a) {
			return a.String()
		}
		return ""
	}
	e.set(global, "alert", func(call goja.FunctionCall) goja.Value {
		e.host.Dialog(bridge.DialogAlert, message(call))
		return goja.Undefined()
	})
	e.set(global, "confirm", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(e.host.Dialog(bridge.DialogConfirm, message(call)))
	})
	e.set(global, "prompt", func(call goja.FunctionCall) goja.Value {
		if !e.host.Dialog(bridge.DialogPrompt, message(call)) {
			return goja.Null()
		}
		if d := call.Argument(1); !goja.IsUndefined(d) {
			return vm.ToValue(d.String())
		}
		return vm.ToValue("")
	})
}

// transport is the native end of window.browserSocket.send.
func (e *Env) transport(call goja.FunctionCall) goja.Value {
	payload := call.Argument(0).String()
	if err := e.host.Signal(payload); err != nil {
		panic(e.vm.NewGoError(err))
	}
	return goja.Undefined()
}

// installSocket defines window.browserSocket on the top window.
func (e *Env) installSocket() {
	script := shim.SocketShim()
	if e.opts.Transport != shim.DefaultTransport {
		var err error
		if script, err = shim.BuildSocketShim(shim.SocketTemplate(), e.opts.Transport); err != nil {
			e.logger.Error("Failed to build socket shim.", zap.Error(err))
			return
		}
	}
	if _, err := e.vm.RunScript("pagewalker:socket", script); err != nil {
		e.logger.Error("Failed to install socket shim.", zap.Error(err))
	}
}

// installNetwork gives the window of doc its own XMLHttpRequest and fetch,
// resolving relative URLs against doc.
func (e *Env) installNetwork(doc *Document) {
	factory, ok := goja.AssertFunction(e.vm.Get("__pagewalkerNetwork"))
	if !ok {
		e.logger.Error("Network factory is missing from the prelude.")
		return
	}
	base := e.vm.ToValue(func(goja.FunctionCall) goja.Value { return e.vm.ToValue(doc.url.String()) })
	v, err := factory(goja.Undefined(), base)
	if err != nil {
		e.logger.Error("Failed to build window network objects.", zap.Error(err))
		return
	}
	obj := v.ToObject(e.vm)
	e.set(doc.window, "XMLHttpRequest", obj.Get("XMLHttpRequest"))
	e.set(doc.window, "fetch", obj.Get("fetch"))
}
