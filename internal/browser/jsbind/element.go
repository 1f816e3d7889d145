// internal/browser/jsbind/element.go
package jsbind

import (
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/html"
)

// reflected lists string properties that mirror an attribute one to one.
var reflected = map[string]string{
	"name":        "name",
	"title":       "title",
	"lang":        "lang",
	"placeholder": "placeholder",
	"target":      "target",
	"rel":         "rel",
	"alt":         "alt",
	"htmlFor":     "for",
	"method":      "method",
	"enctype":     "enctype",
	"role":        "role",
}

func (e *Env) installElementProto(proto *goja.Object) {
	vm := e.vm
	str := func(s string) goja.Value { return vm.ToValue(s) }

	e.accessor(proto, "tagName", func(n *html.Node) goja.Value { return str(strings.ToUpper(n.Data)) }, nil)
	e.accessor(proto, "localName", func(n *html.Node) goja.Value { return str(n.Data) }, nil)
	attrProp := func(prop, attr string) {
		e.accessor(proto, prop, func(n *html.Node) goja.Value {
			v, _ := getAttr(n, attr)
			return str(v)
		}, func(n *html.Node, v goja.Value) { e.setAttr(n, attr, v.String()) })
	}
	attrProp("id", "id")
	attrProp("className", "class")
	for prop, attr := range reflected {
		attrProp(prop, attr)
	}
	urlProp := func(prop string) {
		e.accessor(proto, prop, func(n *html.Node) goja.Value {
			v, ok := getAttr(n, prop)
			if !ok {
				return str("")
			}
			u, err := e.resolve(e.docOf(n), v)
			if err != nil {
				return str(v)
			}
			return str(u.String())
		}, func(n *html.Node, v goja.Value) { e.setAttr(n, prop, v.String()) })
	}
	urlProp("href")
	urlProp("src")
	urlProp("action")

	boolProp := func(prop string) {
		attr := strings.ToLower(prop)
		e.accessor(proto, prop, func(n *html.Node) goja.Value { return vm.ToValue(hasAttr(n, attr)) },
			func(n *html.Node, v goja.Value) {
				if v.ToBoolean() {
					e.setAttr(n, attr, "")
				} else {
					e.removeAttr(n, attr)
				}
			})
	}
	boolProp("disabled")
	boolProp("hidden")
	boolProp("required")
	boolProp("readOnly")
	boolProp("multiple")

	e.accessor(proto, "innerHTML", func(n *html.Node) goja.Value { return str(innerHTML(n)) }, func(n *html.Node, v goja.Value) {
		nodes, err := html.ParseFragment(strings.NewReader(v.String()), n)
		if err != nil {
			e.throwDOM("SyntaxError", "failed to parse HTML: "+err.Error())
		}
		e.replaceChildren(n, nodes)
	})
	e.accessor(proto, "outerHTML", func(n *html.Node) goja.Value {
		var sb strings.Builder
		_ = html.Render(&sb, n)
		return str(sb.String())
	}, nil)
	e.accessor(proto, "innerText", func(n *html.Node) goja.Value { return str(textContent(n)) },
		func(n *html.Node, v goja.Value) { e.setText(n, v.String()) })

	e.accessor(proto, "classList", func(n *html.Node) goja.Value { return e.classList(n) }, nil)
	e.accessor(proto, "style", func(n *html.Node) goja.Value { return e.inlineStyle(n) }, func(n *html.Node, v goja.Value) {
		e.setAttr(n, "style", v.String())
	})
	e.accessor(proto, "dataset", func(n *html.Node) goja.Value { return e.dataset(n) }, nil)

	e.method(proto, "getAttribute", func(n *html.Node, call goja.FunctionCall) goja.Value {
		v, ok := getAttr(n, strings.ToLower(call.Argument(0).String()))
		if !ok {
			return goja.Null()
		}
		return str(v)
	})
	e.method(proto, "hasAttribute", func(n *html.Node, call goja.FunctionCall) goja.Value {
		return vm.ToValue(hasAttr(n, strings.ToLower(call.Argument(0).String())))
	})
	e.method(proto, "setAttribute", func(n *html.Node, call goja.FunctionCall) goja.Value {
		e.setAttr(n, call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	e.method(proto, "removeAttribute", func(n *html.Node, call goja.FunctionCall) goja.Value {
		e.removeAttr(n, call.Argument(0).String())
		return goja.Undefined()
	})
	e.method(proto, "toggleAttribute", func(n *html.Node, call goja.FunctionCall) goja.Value {
		name := strings.ToLower(call.Argument(0).String())
		on := !hasAttr(n, name)
		if f := call.Argument(1); !goja.IsUndefined(f) {
			on = f.ToBoolean()
		}
		if on {
			if !hasAttr(n, name) {
				e.setAttr(n, name, "")
			}
		} else {
			e.removeAttr(n, name)
		}
		return vm.ToValue(on)
	})
	e.method(proto, "getAttributeNames", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		names := make([]any, len(n.Attr))
		for i, a := range n.Attr {
			names[i] = a.Key
		}
		return vm.NewArray(names...)
	})
	e.method(proto, "matches", func(n *html.Node, call goja.FunctionCall) goja.Value {
		return vm.ToValue(e.compile(call.Argument(0).String()).Match(n))
	})
	e.method(proto, "closest", func(n *html.Node, call goja.FunctionCall) goja.Value {
		sel := e.compile(call.Argument(0).String())
		for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
			if sel.Match(p) {
				return e.wrap(p)
			}
		}
		return goja.Null()
	})
	e.method(proto, "remove", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		e.detach(n)
		return goja.Undefined()
	})
	e.method(proto, "append", func(n *html.Node, call goja.FunctionCall) goja.Value {
		for _, a := range call.Arguments {
			e.insert(n, e.nodeOrText(a, n), nil)
		}
		return goja.Undefined()
	})
	e.method(proto, "prepend", func(n *html.Node, call goja.FunctionCall) goja.Value {
		ref := n.FirstChild
		for _, a := range call.Arguments {
			e.insert(n, e.nodeOrText(a, n), ref)
		}
		return goja.Undefined()
	})
	e.method(proto, "insertAdjacentHTML", func(n *html.Node, call goja.FunctionCall) goja.Value {
		e.insertAdjacentHTML(n, strings.ToLower(call.Argument(0).String()), call.Argument(1).String())
		return goja.Undefined()
	})
	e.method(proto, "click", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		if hasAttr(n, "disabled") {
			return goja.Undefined()
		}
		e.dispatch(n, e.newMouseEvent("click", e.docOf(n)))
		return goja.Undefined()
	})
	e.method(proto, "focus", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		e.dispatch(n, e.newEvent("focus", false, false))
		return goja.Undefined()
	})
	e.method(proto, "blur", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		e.dispatch(n, e.newEvent("blur", false, false))
		return goja.Undefined()
	})
	e.method(proto, "getBoundingClientRect", func(*html.Node, goja.FunctionCall) goja.Value {
		return vm.ToValue(map[string]any{"x": 0, "y": 0, "top": 0, "left": 0, "right": 0, "bottom": 0, "width": 0, "height": 0})
	})
	e.method(proto, "scrollIntoView", func(*html.Node, goja.FunctionCall) goja.Value { return goja.Undefined() })

	e.accessor(proto, "contentWindow", func(n *html.Node) goja.Value {
		if d := e.frames[n]; d != nil {
			return d.window
		}
		return goja.Null()
	}, nil)
	e.accessor(proto, "contentDocument", func(n *html.Node) goja.Value {
		if d := e.frames[n]; d != nil {
			return d.object
		}
		return goja.Null()
	}, nil)

	e.installFormProps(proto)
}

func innerHTML(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&sb, c)
	}
	return sb.String()
}

// nodeOrText converts an append/prepend argument: nodes pass through, anything else becomes text.
func (e *Env) nodeOrText(v goja.Value, ctx *html.Node) *html.Node {
	if n := e.unwrap(v); n != nil {
		return n
	}
	t := &html.Node{Type: html.TextNode, Data: v.String()}
	e.state(t).owner = e.docOf(ctx)
	return t
}

func (e *Env) insertAdjacentHTML(n *html.Node, where, markup string) {
	var parent, ref *html.Node
	switch where {
	case "beforebegin":
		parent, ref = n.Parent, n
	case "afterbegin":
		parent, ref = n, n.FirstChild
	case "beforeend":
		parent = n
	case "afterend":
		parent, ref = n.Parent, n.NextSibling
	default:
		e.throwDOM("SyntaxError", "invalid position '"+where+"'")
	}
	if parent == nil {
		e.throwDOM("NoModificationAllowedError", "the element has no parent")
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), parent)
	if err != nil {
		e.throwDOM("SyntaxError", err.Error())
	}
	for _, c := range nodes {
		e.insert(parent, c, ref)
	}
}
