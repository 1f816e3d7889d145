// internal/browser/jsbind/mutation.go
package jsbind

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// maxMutationRounds bounds observer callbacks that keep mutating what they observe.
const maxMutationRounds = 32

type record struct {
	typ      string
	target   *html.Node
	added    []*html.Node
	removed  []*html.Node
	prev     *html.Node
	next     *html.Node
	attrName string
	oldValue *string
}

type observation struct {
	target            *html.Node
	childList         bool
	attributes        bool
	characterData     bool
	subtree           bool
	attributeOldValue bool
	charOldValue      bool
	attributeFilter   map[string]bool
}

type observer struct {
	obj      *goja.Object
	callback goja.Callable
	targets  []*observation
	pending  []*record
}

func (o *observation) wants(r *record) bool {
	if r.target != o.target && !(o.subtree && isAncestor(o.target, r.target)) {
		return false
	}
	switch r.typ {
	case "childList":
		return o.childList
	case "attributes":
		if !o.attributes {
			return false
		}
		return o.attributeFilter == nil || o.attributeFilter[r.attrName]
	case "characterData":
		return o.characterData
	}
	return false
}

func (e *Env) queueRecord(r *record) {
	for _, ob := range e.observers {
		for _, o := range ob.targets {
			if o.wants(r) {
				rec := *r
				if (r.typ == "attributes" && !o.attributeOldValue) || (r.typ == "characterData" && !o.charOldValue) {
					rec.oldValue = nil
				}
				ob.pending = append(ob.pending, &rec)
				break
			}
		}
	}
}

// flushMutations delivers queued records once the current job has finished,
// standing in for the microtask checkpoint.
func (e *Env) flushMutations() {
	for round := 0; round < maxMutationRounds; round++ {
		delivered := false
		for _, ob := range append([]*observer(nil), e.observers...) {
			if len(ob.pending) == 0 {
				continue
			}
			recs := ob.pending
			ob.pending = nil
			delivered = true
			e.rt.Call(ob.callback, ob.obj, e.recordList(recs), ob.obj)
		}
		if !delivered {
			return
		}
	}
	e.logger.Warn("Mutation observers did not settle, dropping pending records.")
	for _, ob := range e.observers {
		ob.pending = nil
	}
}

func (e *Env) recordList(recs []*record) goja.Value {
	vals := make([]any, len(recs))
	for i, r := range recs {
		obj := e.vm.NewObject()
		e.set(obj, "type", r.typ)
		e.set(obj, "target", e.wrap(r.target))
		e.set(obj, "addedNodes", e.wrapList(r.added))
		e.set(obj, "removedNodes", e.wrapList(r.removed))
		e.set(obj, "previousSibling", e.wrap(r.prev))
		e.set(obj, "nextSibling", e.wrap(r.next))
		if r.attrName != "" {
			e.set(obj, "attributeName", r.attrName)
		} else {
			e.set(obj, "attributeName", goja.Null())
		}
		if r.oldValue != nil {
			e.set(obj, "oldValue", *r.oldValue)
		} else {
			e.set(obj, "oldValue", goja.Null())
		}
		vals[i] = obj
	}
	return e.vm.NewArray(vals...)
}

func (e *Env) removeObserver(ob *observer) {
	for i, o := range e.observers {
		if o == ob {
			e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
			return
		}
	}
}

func optBool(obj *goja.Object, name string) (bool, bool) {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) {
		return false, false
	}
	return v.ToBoolean(), true
}

// mutationObserverCtor backs the MutationObserver global.
func (e *Env) mutationObserverCtor(call goja.ConstructorCall) *goja.Object {
	vm := e.vm
	cb, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		e.throwType("MutationObserver: parameter 1 is not of type 'MutationCallback'")
	}
	ob := &observer{obj: call.This, callback: cb}

	e.set(call.This, "observe", func(c goja.FunctionCall) goja.Value {
		target := e.nodeArg(c.Argument(0), "observe")
		o := &observation{target: target}
		if opts, ok := c.Argument(1).(*goja.Object); ok {
			o.childList, _ = optBool(opts, "childList")
			o.subtree, _ = optBool(opts, "subtree")
			o.attributeOldValue, _ = optBool(opts, "attributeOldValue")
			o.charOldValue, _ = optBool(opts, "characterDataOldValue")
			var set bool
			if o.attributes, set = optBool(opts, "attributes"); !set {
				o.attributes = o.attributeOldValue
			}
			if f, ok := opts.Get("attributeFilter").(*goja.Object); ok {
				var names []string
				if err := vm.ExportTo(f, &names); err == nil {
					o.attributeFilter = make(map[string]bool, len(names))
					for _, n := range names {
						o.attributeFilter[n] = true
					}
					o.attributes = true
				}
			}
			if o.characterData, set = optBool(opts, "characterData"); !set {
				o.characterData = o.charOldValue
			}
		}
		if !o.childList && !o.attributes && !o.characterData {
			e.throwType("MutationObserver.observe: one of childList, attributes or characterData must be true")
		}
		replaced := false
		for i, existing := range ob.targets {
			if existing.target == target {
				ob.targets[i] = o
				replaced = true
			}
		}
		if !replaced {
			ob.targets = append(ob.targets, o)
		}
		registered := false
		for _, x := range e.observers {
			if x == ob {
				registered = true
			}
		}
		if !registered {
			e.observers = append(e.observers, ob)
		}
		return goja.Undefined()
	})
	e.set(call.This, "disconnect", func(goja.FunctionCall) goja.Value {
		ob.targets = nil
		ob.pending = nil
		e.removeObserver(ob)
		return goja.Undefined()
	})
	e.set(call.This, "takeRecords", func(goja.FunctionCall) goja.Value {
		recs := ob.pending
		ob.pending = nil
		return e.recordList(recs)
	})
	e.logger.Debug("MutationObserver created.", zap.Int("observers", len(e.observers)))
	return nil
}
