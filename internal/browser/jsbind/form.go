// internal/browser/jsbind/form.go
package jsbind

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/html"
)

func inputType(n *html.Node) string {
	switch n.Data {
	case "input":
		t, _ := getAttr(n, "type")
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			return "text"
		}
		return t
	case "button":
		t, _ := getAttr(n, "type")
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			return "submit"
		}
		return t
	case "select":
		if hasAttr(n, "multiple") {
			return "select-multiple"
		}
		return "select-one"
	case "textarea":
		return "textarea"
	}
	return ""
}

func isCheckable(n *html.Node) bool {
	if !isElement(n, "input") {
		return false
	}
	t := inputType(n)
	return t == "checkbox" || t == "radio"
}

func (e *Env) value(n *html.Node) (string, bool) {
	st := e.states[n]
	switch n.Data {
	case "input":
		if st != nil && st.value != nil {
			return *st.value, true
		}
		if v, ok := getAttr(n, "value"); ok {
			return v, true
		}
		if isCheckable(n) {
			return "on", true
		}
		return "", true
	case "textarea":
		if st != nil && st.value != nil {
			return *st.value, true
		}
		return textContent(n), true
	case "select":
		for _, opt := range e.options(n) {
			if e.selected(opt) {
				v, _ := e.value(opt)
				return v, true
			}
		}
		return "", true
	case "option":
		if v, ok := getAttr(n, "value"); ok {
			return v, true
		}
		return strings.Join(strings.Fields(textContent(n)), " "), true
	case "button", "output", "data", "param", "li", "meter", "progress":
		v, _ := getAttr(n, "value")
		return v, true
	}
	return "", false
}

func (e *Env) setValue(n *html.Node, v string) {
	switch n.Data {
	case "input", "textarea":
		e.state(n).value = &v
	case "select":
		for _, opt := range e.options(n) {
			ov, _ := e.value(opt)
			sel := ov == v
			e.state(opt).selected = &sel
		}
	default:
		e.setAttr(n, "value", v)
	}
}

func (e *Env) checked(n *html.Node) bool {
	if st := e.states[n]; st != nil && st.checked != nil {
		return *st.checked
	}
	return hasAttr(n, "checked")
}

func (e *Env) setChecked(n *html.Node, on bool) {
	e.state(n).checked = &on
	if on && inputType(n) == "radio" {
		for _, other := range e.radioGroup(n) {
			if other != n {
				off := false
				e.state(other).checked = &off
			}
		}
	}
}

// radioGroup returns the radios sharing n's name within its form, or its document when it has none.
func (e *Env) radioGroup(n *html.Node) []*html.Node {
	name, ok := getAttr(n, "name")
	if !ok || name == "" {
		return []*html.Node{n}
	}
	scope := formOf(n)
	if scope == nil {
		scope = e.docOf(n).root
	}
	var out []*html.Node
	walk(scope, func(c *html.Node) bool {
		if isElement(c, "input") && inputType(c) == "radio" {
			if cn, _ := getAttr(c, "name"); cn == name {
				out = append(out, c)
			}
		}
		return true
	})
	return out
}

func (e *Env) options(sel *html.Node) []*html.Node {
	var out []*html.Node
	walk(sel, func(c *html.Node) bool {
		if isElement(c, "option") {
			out = append(out, c)
		}
		return true
	})
	return out
}

func selectOf(opt *html.Node) *html.Node {
	for p := opt.Parent; p != nil; p = p.Parent {
		if isElement(p, "select") {
			return p
		}
	}
	return nil
}

// explicitSelected reports the selectedness set by script or markup, if any.
func (e *Env) explicitSelected(opt *html.Node) (bool, bool) {
	if st := e.states[opt]; st != nil && st.selected != nil {
		return *st.selected, true
	}
	if hasAttr(opt, "selected") {
		return true, true
	}
	return false, false
}

func (e *Env) selected(opt *html.Node) bool {
	if on, ok := e.explicitSelected(opt); ok {
		return on
	}
	sel := selectOf(opt)
	if sel == nil || hasAttr(sel, "multiple") {
		return false
	}
	// A single select with nothing chosen shows its first option.
	opts := e.options(sel)
	for _, o := range opts {
		if on, ok := e.explicitSelected(o); ok && on {
			return false
		}
	}
	return len(opts) > 0 && opts[0] == opt
}

func (e *Env) setSelected(opt *html.Node, on bool) {
	sel := selectOf(opt)
	if on && sel != nil && !hasAttr(sel, "multiple") {
		for _, o := range e.options(sel) {
			off := false
			e.state(o).selected = &off
		}
	}
	e.state(opt).selected = &on
}

func formOf(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if isElement(p, "form") {
			return p
		}
	}
	return nil
}

func (e *Env) installFormProps(proto *goja.Object) {
	vm := e.vm
	e.accessor(proto, "value", func(n *html.Node) goja.Value {
		v, ok := e.value(n)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	}, func(n *html.Node, v goja.Value) {
		s := ""
		if !goja.IsNull(v) && !goja.IsUndefined(v) {
			s = v.String()
		}
		e.setValue(n, s)
	})
	e.accessor(proto, "defaultValue", func(n *html.Node) goja.Value {
		v, _ := getAttr(n, "value")
		return vm.ToValue(v)
	}, func(n *html.Node, v goja.Value) { e.setAttr(n, "value", v.String()) })
	e.accessor(proto, "checked", func(n *html.Node) goja.Value {
		if !isCheckable(n) {
			return goja.Undefined()
		}
		return vm.ToValue(e.checked(n))
	}, func(n *html.Node, v goja.Value) { e.setChecked(n, v.ToBoolean()) })
	e.accessor(proto, "defaultChecked", func(n *html.Node) goja.Value { return vm.ToValue(hasAttr(n, "checked")) }, nil)
	e.accessor(proto, "selected", func(n *html.Node) goja.Value {
		if !isElement(n, "option") {
			return goja.Undefined()
		}
		return vm.ToValue(e.selected(n))
	}, func(n *html.Node, v goja.Value) {
		if isElement(n, "option") {
			e.setSelected(n, v.ToBoolean())
		}
	})
	e.accessor(proto, "type", func(n *html.Node) goja.Value {
		if t := inputType(n); t != "" {
			return vm.ToValue(t)
		}
		v, _ := getAttr(n, "type")
		return vm.ToValue(v)
	}, func(n *html.Node, v goja.Value) { e.setAttr(n, "type", v.String()) })
	e.accessor(proto, "options", func(n *html.Node) goja.Value {
		if !isElement(n, "select") {
			return goja.Undefined()
		}
		return e.wrapList(e.options(n))
	}, nil)
	e.accessor(proto, "selectedIndex", func(n *html.Node) goja.Value {
		for i, o := range e.options(n) {
			if e.selected(o) {
				return vm.ToValue(i)
			}
		}
		return vm.ToValue(-1)
	}, func(n *html.Node, v goja.Value) {
		idx := int(v.ToInteger())
		for i, o := range e.options(n) {
			on := i == idx
			e.state(o).selected = &on
		}
	})
	e.accessor(proto, "text", func(n *html.Node) goja.Value {
		return vm.ToValue(strings.Join(strings.Fields(textContent(n)), " "))
	}, func(n *html.Node, v goja.Value) { e.setText(n, v.String()) })
	e.accessor(proto, "form", func(n *html.Node) goja.Value { return e.wrap(formOf(n)) }, nil)
	e.accessor(proto, "elements", func(n *html.Node) goja.Value {
		if !isElement(n, "form") {
			return goja.Undefined()
		}
		return e.wrapList(e.controls(n))
	}, nil)

	e.method(proto, "submit", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		if isElement(n, "form") {
			e.submitForm(n, nil)
		}
		return goja.Undefined()
	})
	e.method(proto, "requestSubmit", func(n *html.Node, call goja.FunctionCall) goja.Value {
		if isElement(n, "form") {
			e.requestSubmit(n, e.unwrap(call.Argument(0)))
		}
		return goja.Undefined()
	})
	e.method(proto, "reset", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		if isElement(n, "form") {
			e.resetForm(n)
		}
		return goja.Undefined()
	})
}

func (e *Env) controls(form *html.Node) []*html.Node {
	var out []*html.Node
	walk(form, func(c *html.Node) bool {
		if c.Type == html.ElementNode {
			switch c.Data {
			case "input", "select", "textarea", "button":
				out = append(out, c)
			}
		}
		return true
	})
	return out
}

type formField struct {
	name, value string
}

// encodeForm serializes fields as application/x-www-form-urlencoded in tree order.
func encodeForm(fields []formField) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = url.QueryEscape(f.name) + "=" + url.QueryEscape(f.value)
	}
	return strings.Join(parts, "&")
}

// formData collects the successful controls of form, plus submitter if it has a name.
func (e *Env) formData(form, submitter *html.Node) []formField {
	var data []formField
	for _, c := range e.controls(form) {
		name, _ := getAttr(c, "name")
		if name == "" || hasAttr(c, "disabled") {
			continue
		}
		switch c.Data {
		case "input":
			switch inputType(c) {
			case "checkbox", "radio":
				if !e.checked(c) {
					continue
				}
			case "submit", "button", "reset", "image", "file":
				if c != submitter {
					continue
				}
			}
		case "button":
			if c != submitter {
				continue
			}
		case "select":
			for _, o := range e.options(c) {
				if e.selected(o) {
					v, _ := e.value(o)
					data = append(data, formField{name, v})
				}
			}
			continue
		}
		v, _ := e.value(c)
		data = append(data, formField{name, v})
	}
	return data
}

func (e *Env) requestSubmit(form, submitter *html.Node) {
	ev := e.newEvent("submit", true, true)
	if e.dispatch(form, ev) {
		e.submitForm(form, submitter)
	}
}

// submitForm serializes form and navigates without firing submit.
func (e *Env) submitForm(form, submitter *html.Node) {
	doc := e.docOf(form)
	attr := func(name string) string {
		if submitter != nil {
			if v, ok := getAttr(submitter, "form"+name); ok {
				return v
			}
		}
		v, _ := getAttr(form, name)
		return v
	}

	action, err := e.resolve(doc, attr("action"))
	if err != nil || attr("action") == "" {
		action = doc.url
	}
	target := attr("target")
	data := e.formData(form, submitter)

	nav := Navigation{From: doc, Target: target, Referrer: doc.url.String()}
	if strings.EqualFold(attr("method"), http.MethodPost) {
		nav.Method = http.MethodPost
		nav.URL = action
		nav.Body = encodeForm(data)
		nav.ContentType = "application/x-www-form-urlencoded"
	} else {
		u := *action
		u.RawQuery = encodeForm(data)
		u.Fragment = ""
		nav.Method = http.MethodGet
		nav.URL = &u
	}
	e.host.Navigate(nav)
}

func (e *Env) resetForm(form *html.Node) {
	for _, c := range e.controls(form) {
		if st := e.states[c]; st != nil {
			st.value, st.checked = nil, nil
		}
		if isElement(c, "select") {
			for _, o := range e.options(c) {
				if st := e.states[o]; st != nil {
					st.selected = nil
				}
			}
		}
	}
}
