// internal/browser/jsbind/events.go
package jsbind

import (
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	phaseNone      = 0
	phaseCapturing = 1
	phaseAtTarget  = 2
	phaseBubbling  = 3
)

type listener struct {
	fn      goja.Value
	capture bool
	once    bool
}

// compiledHandler caches the function built from an on<type> attribute.
type compiledHandler struct {
	src string
	fn  goja.Callable
}

func listenerOptions(v goja.Value) (capture, once bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.ToBoolean(), false
	}
	if c := obj.Get("capture"); c != nil {
		capture = c.ToBoolean()
	}
	if o := obj.Get("once"); o != nil {
		once = o.ToBoolean()
	}
	return capture, once
}

func (e *Env) addListener(m map[string][]*listener, call goja.FunctionCall) {
	typ := call.Argument(0).String()
	fn := call.Argument(1)
	if goja.IsUndefined(fn) || goja.IsNull(fn) {
		return
	}
	capture, once := listenerOptions(call.Argument(2))
	for _, l := range m[typ] {
		if l.capture == capture && l.fn.SameAs(fn) {
			return
		}
	}
	m[typ] = append(m[typ], &listener{fn: fn, capture: capture, once: once})
}

func (e *Env) removeListener(m map[string][]*listener, call goja.FunctionCall) {
	typ := call.Argument(0).String()
	fn := call.Argument(1)
	capture, _ := listenerOptions(call.Argument(2))
	list := m[typ]
	for i, l := range list {
		if l.capture == capture && l.fn.SameAs(fn) {
			m[typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func dropListener(m map[string][]*listener, typ string, target *listener) {
	list := m[typ]
	for i, l := range list {
		if l == target {
			m[typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// hop is one entry of an event path: a node, or the window of doc.
type hop struct {
	node *html.Node
	doc  *Document
}

func (e *Env) hopObject(h hop) goja.Value {
	if h.node != nil {
		return e.wrap(h.node)
	}
	return h.doc.window
}

func (e *Env) hopListeners(h hop) map[string][]*listener {
	if h.node == nil {
		return h.doc.winListeners
	}
	if st, ok := e.states[h.node]; ok {
		return st.listeners
	}
	return nil
}

// eventPath lists target then its ancestors, ending with the window when the
// node is in a bound document.
func (e *Env) eventPath(target *html.Node) []hop {
	path := []hop{{node: target}}
	top := target
	for p := target.Parent; p != nil; p = p.Parent {
		path = append(path, hop{node: p})
		top = p
	}
	if st, ok := e.states[top]; ok && st.doc != nil {
		path = append(path, hop{doc: st.doc})
	}
	return path
}

func eventType(ev *goja.Object) string {
	if v := ev.Get("type"); v != nil {
		return v.String()
	}
	return ""
}

func flag(ev *goja.Object, name string) bool {
	v := ev.Get(name)
	return v != nil && v.ToBoolean()
}

func (e *Env) set(obj *goja.Object, name string, v any) {
	if err := obj.Set(name, v); err != nil {
		e.logger.Debug("Failed to set property.", zap.String("property", name), zap.Error(err))
	}
}

// dispatch runs ev through capture, target and bubble phases starting at n
// and then applies default actions. It reports false when the event was
// canceled.
func (e *Env) dispatch(n *html.Node, ev *goja.Object) bool {
	typ := eventType(ev)
	restore := e.preActivate(n, typ)

	path := e.eventPath(n)
	e.set(ev, "target", e.wrap(n))
	e.set(ev, "__stop", false)
	e.set(ev, "__stopNow", false)

	for i := len(path) - 1; i > 0 && !flag(ev, "__stop"); i-- {
		e.invoke(path[i], ev, typ, phaseCapturing)
	}
	if !flag(ev, "__stop") {
		e.invoke(path[0], ev, typ, phaseAtTarget)
	}
	if flag(ev, "bubbles") {
		for i := 1; i < len(path) && !flag(ev, "__stop"); i++ {
			e.invoke(path[i], ev, typ, phaseBubbling)
		}
	}
	e.set(ev, "currentTarget", goja.Null())
	e.set(ev, "eventPhase", phaseNone)

	canceled := flag(ev, "defaultPrevented")
	if restore != nil {
		restore(canceled)
	}
	if !canceled && typ == "click" {
		e.activate(n)
	}
	return !canceled
}

// dispatchWindow fires ev at the window of doc only.
func (e *Env) dispatchWindow(doc *Document, ev *goja.Object) bool {
	typ := eventType(ev)
	e.set(ev, "target", doc.window)
	e.set(ev, "__stop", false)
	e.set(ev, "__stopNow", false)
	e.invoke(hop{doc: doc}, ev, typ, phaseAtTarget)
	e.set(ev, "currentTarget", goja.Null())
	e.set(ev, "eventPhase", phaseNone)
	return !flag(ev, "defaultPrevented")
}

func (e *Env) invoke(h hop, ev *goja.Object, typ string, phase int) {
	this := e.hopObject(h)
	e.set(ev, "currentTarget", this)
	e.set(ev, "eventPhase", phase)

	if m := e.hopListeners(h); m != nil {
		list := append([]*listener(nil), m[typ]...)
		for _, l := range list {
			if flag(ev, "__stopNow") {
				return
			}
			if (phase == phaseCapturing && !l.capture) || (phase == phaseBubbling && l.capture) {
				continue
			}
			if l.once {
				dropListener(m, typ, l)
			}
			e.callListener(l.fn, this, ev)
		}
	}
	if phase != phaseCapturing && !flag(ev, "__stopNow") {
		e.callHandler(h, this, ev, typ)
	}
}

func (e *Env) callListener(fn goja.Value, this goja.Value, ev *goja.Object) {
	if call, ok := goja.AssertFunction(fn); ok {
		e.rt.Call(call, this, ev)
		return
	}
	obj, ok := fn.(*goja.Object)
	if !ok {
		return
	}
	if call, ok := goja.AssertFunction(obj.Get("handleEvent")); ok {
		e.rt.Call(call, obj, ev)
	}
}

// callHandler runs the on<type> property of the target, or the handler
// compiled from its attribute. A false return cancels the event.
func (e *Env) callHandler(h hop, this goja.Value, ev *goja.Object, typ string) {
	var fn goja.Callable
	obj := this.(*goja.Object)
	if own := obj.Get("on" + typ); own != nil {
		fn, _ = goja.AssertFunction(own)
	}
	if fn == nil && h.node != nil {
		fn = e.attributeHandler(h.node, typ)
	}
	if fn == nil {
		return
	}
	ret := e.rt.Call(fn, this, ev)
	if ret != nil && ret.StrictEquals(e.vm.ToValue(false)) && flag(ev, "cancelable") {
		e.set(ev, "defaultPrevented", true)
	}
}

// attributeHandler compiles the on<type> attribute of n once per source text.
func (e *Env) attributeHandler(n *html.Node, typ string) goja.Callable {
	src, ok := getAttr(n, "on"+typ)
	if !ok || strings.TrimSpace(src) == "" {
		return nil
	}
	st := e.state(n)
	if h, ok := st.handlers[typ]; ok && h.src == src {
		return h.fn
	}
	doc := e.docOf(n)
	v, err := e.vm.RunString("(function (window, document, location) { with (window) { return function (event) {\n" + src + "\n}; } })")
	if err != nil {
		e.logger.Warn("Failed to compile inline handler.", zap.String("event", typ), zap.Error(err))
		return nil
	}
	outer, _ := goja.AssertFunction(v)
	inner, err := outer(goja.Undefined(), doc.window, doc.object, doc.location)
	if err != nil {
		e.logger.Warn("Failed to bind inline handler.", zap.String("event", typ), zap.Error(err))
		return nil
	}
	fn, ok := goja.AssertFunction(inner)
	if !ok {
		return nil
	}
	if st.handlers == nil {
		st.handlers = make(map[string]compiledHandler)
	}
	st.handlers[typ] = compiledHandler{src: src, fn: fn}
	return fn
}

// preActivate toggles a clicked checkbox or radio before listeners run, as
// browsers do. The returned func undoes the toggle if the click is canceled,
// and fires input and change otherwise.
func (e *Env) preActivate(n *html.Node, typ string) func(canceled bool) {
	if typ != "click" || !isCheckable(n) || hasAttr(n, "disabled") {
		return nil
	}
	was := e.checked(n)
	group := e.radioGroup(n)
	prior := make(map[*html.Node]bool, len(group))
	for _, r := range group {
		prior[r] = e.checked(r)
	}
	if inputType(n) == "radio" {
		e.setChecked(n, true)
	} else {
		e.setChecked(n, !was)
	}
	return func(canceled bool) {
		if canceled {
			for r, on := range prior {
				v := on
				e.state(r).checked = &v
			}
			if inputType(n) != "radio" {
				e.state(n).checked = &was
			}
			return
		}
		if e.checked(n) != was {
			e.dispatch(n, e.newEvent("input", true, false))
			e.dispatch(n, e.newEvent("change", true, false))
		}
	}
}

// activate runs the default action of a click that was not canceled.
func (e *Env) activate(n *html.Node) {
	for el := n; el != nil; el = el.Parent {
		if el.Type != html.ElementNode {
			continue
		}
		switch el.Data {
		case "a", "area":
			href, ok := getAttr(el, "href")
			if !ok {
				continue
			}
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "javascript:") {
				e.runScript(e.docOf(el), strings.TrimSpace(href)[len("javascript:"):], "javascript-url")
				return
			}
			target, _ := getAttr(el, "target")
			e.navigateFrom(e.docOf(el), href, target)
			return
		case "button", "input":
			if hasAttr(el, "disabled") {
				return
			}
			form := formOf(el)
			if form == nil {
				return
			}
			switch inputType(el) {
			case "submit", "image":
				e.requestSubmit(form, el)
			case "reset":
				if e.dispatch(form, e.newEvent("reset", true, true)) {
					e.resetForm(form)
				}
			}
			return
		case "label":
			if ctl := labelControl(e, el); ctl != nil {
				e.dispatch(ctl, e.newMouseEvent("click", e.docOf(ctl)))
			}
			return
		}
	}
}

func labelControl(e *Env, label *html.Node) *html.Node {
	if id, ok := getAttr(label, "for"); ok {
		var found *html.Node
		walk(e.docOf(label).root, func(c *html.Node) bool {
			if v, ok := getAttr(c, "id"); ok && v == id {
				found = c
				return false
			}
			return true
		})
		return found
	}
	var found *html.Node
	walk(label, func(c *html.Node) bool {
		switch {
		case isElement(c, "input"), isElement(c, "select"), isElement(c, "textarea"), isElement(c, "button"):
			found = c
			return false
		}
		return true
	})
	return found
}

// newEvent builds an Event through the page-visible constructor.
func (e *Env) newEvent(typ string, bubbles, cancelable bool) *goja.Object {
	return e.construct("Event", typ, map[string]any{"bubbles": bubbles, "cancelable": cancelable})
}

func (e *Env) newMouseEvent(typ string, doc *Document) *goja.Object {
	return e.construct("MouseEvent", typ, map[string]any{"bubbles": true, "cancelable": true, "view": doc.window})
}

func (e *Env) construct(ctor, typ string, init map[string]any) *goja.Object {
	obj, err := e.vm.New(e.vm.Get(ctor), e.vm.ToValue(typ), e.vm.ToValue(init))
	if err != nil {
		e.logger.Error("Failed to construct event.", zap.String("constructor", ctor), zap.Error(err))
		obj = e.vm.NewObject()
		e.set(obj, "type", typ)
	}
	e.set(obj, "isTrusted", true)
	return obj
}
