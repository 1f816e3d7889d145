// internal/browser/jsbind/style.go
package jsbind

import (
	"sort"
	"strings"
	"unicode"

	"github.com/andybalholm/cascadia"
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// -- classList --

func (e *Env) classList(n *html.Node) goja.Value {
	st := e.state(n)
	if st.classList != nil {
		return st.classList
	}
	vm := e.vm
	classes := func() []string {
		v, _ := getAttr(n, "class")
		return strings.Fields(v)
	}
	write := func(list []string) { e.setAttr(n, "class", strings.Join(list, " ")) }
	index := func(list []string, c string) int {
		for i, x := range list {
			if x == c {
				return i
			}
		}
		return -1
	}

	obj := vm.NewObject()
	e.set(obj, "contains", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(index(classes(), call.Argument(0).String()) >= 0)
	})
	e.set(obj, "add", func(call goja.FunctionCall) goja.Value {
		list := classes()
		for _, a := range call.Arguments {
			if index(list, a.String()) < 0 {
				list = append(list, a.String())
			}
		}
		write(list)
		return goja.Undefined()
	})
	e.set(obj, "remove", func(call goja.FunctionCall) goja.Value {
		list := classes()
		for _, a := range call.Arguments {
			if i := index(list, a.String()); i >= 0 {
				list = append(list[:i], list[i+1:]...)
			}
		}
		write(list)
		return goja.Undefined()
	})
	e.set(obj, "toggle", func(call goja.FunctionCall) goja.Value {
		c := call.Argument(0).String()
		list := classes()
		i := index(list, c)
		on := i < 0
		if f := call.Argument(1); !goja.IsUndefined(f) {
			on = f.ToBoolean()
		}
		switch {
		case on && i < 0:
			write(append(list, c))
		case !on && i >= 0:
			write(append(list[:i], list[i+1:]...))
		}
		return vm.ToValue(on)
	})
	e.set(obj, "replace", func(call goja.FunctionCall) goja.Value {
		list := classes()
		i := index(list, call.Argument(0).String())
		if i < 0 {
			return vm.ToValue(false)
		}
		list[i] = call.Argument(1).String()
		write(list)
		return vm.ToValue(true)
	})
	e.set(obj, "item", func(call goja.FunctionCall) goja.Value {
		list := classes()
		i := int(call.Argument(0).ToInteger())
		if i < 0 || i >= len(list) {
			return goja.Null()
		}
		return vm.ToValue(list[i])
	})
	e.set(obj, "toString", func(goja.FunctionCall) goja.Value {
		v, _ := getAttr(n, "class")
		return vm.ToValue(v)
	})
	_ = obj.DefineAccessorProperty("length",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(len(classes())) }),
		nil, goja.FLAG_TRUE, goja.FLAG_FALSE)
	_ = obj.DefineAccessorProperty("value",
		vm.ToValue(func(goja.FunctionCall) goja.Value {
			v, _ := getAttr(n, "class")
			return vm.ToValue(v)
		}),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			e.setAttr(n, "class", call.Argument(0).String())
			return goja.Undefined()
		}), goja.FLAG_TRUE, goja.FLAG_FALSE)
	st.classList = obj
	return obj
}

// -- Declarations --

type declaration struct {
	name, value string
}

func parseDeclarations(text string) []declaration {
	var out []declaration
	for _, part := range strings.Split(text, ";") {
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "!important"))
		if name == "" {
			continue
		}
		out = append(out, declaration{name: name, value: strings.TrimSpace(value)})
	}
	return out
}

func formatDeclarations(decls []declaration) string {
	parts := make([]string, len(decls))
	for i, d := range decls {
		parts[i] = d.name + ": " + d.value + ";"
	}
	return strings.Join(parts, " ")
}

// kebab turns backgroundColor into background-color. Custom properties and
// names already in kebab case pass through.
func kebab(name string) string {
	if strings.HasPrefix(name, "--") || strings.ContainsRune(name, '-') {
		return strings.ToLower(name)
	}
	var sb strings.Builder
	for _, r := range name {
		if unicode.IsUpper(r) {
			sb.WriteByte('-')
			r = unicode.ToLower(r)
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func camel(name string) string {
	parts := strings.Split(name, "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

// -- element.style --

// styleDecl is the CSSStyleDeclaration of a style attribute. Every read
// parses the attribute, so attribute and property writes stay in sync.
type styleDecl struct {
	env *Env
	n   *html.Node
	fns map[string]goja.Value
}

func (s *styleDecl) decls() []declaration {
	v, _ := getAttr(s.n, "style")
	return parseDeclarations(v)
}

func (s *styleDecl) lookup(name string) (string, bool) {
	name = kebab(name)
	for _, d := range s.decls() {
		if d.name == name {
			return d.value, true
		}
	}
	return "", false
}

func (s *styleDecl) put(name, value string) {
	name = kebab(name)
	decls := s.decls()
	out := decls[:0]
	found := false
	for _, d := range decls {
		if d.name == name {
			if value == "" {
				continue
			}
			d.value = value
			found = true
		}
		out = append(out, d)
	}
	if !found && value != "" {
		out = append(out, declaration{name: name, value: value})
	}
	s.env.setAttr(s.n, "style", formatDeclarations(out))
}

func (s *styleDecl) Get(key string) goja.Value {
	if fn, ok := s.fns[key]; ok {
		return fn
	}
	switch key {
	case "cssText":
		v, _ := getAttr(s.n, "style")
		return s.env.vm.ToValue(v)
	case "length":
		return s.env.vm.ToValue(len(s.decls()))
	}
	v, _ := s.lookup(key)
	return s.env.vm.ToValue(v)
}

func (s *styleDecl) Set(key string, val goja.Value) bool {
	v := ""
	if !goja.IsNull(val) && !goja.IsUndefined(val) {
		v = val.String()
	}
	if key == "cssText" {
		s.env.setAttr(s.n, "style", v)
		return true
	}
	s.put(key, v)
	return true
}

func (s *styleDecl) Has(key string) bool {
	if _, ok := s.fns[key]; ok || key == "cssText" || key == "length" {
		return true
	}
	_, ok := s.lookup(key)
	return ok
}

func (s *styleDecl) Delete(key string) bool {
	s.put(key, "")
	return true
}

func (s *styleDecl) Keys() []string {
	decls := s.decls()
	keys := make([]string, len(decls))
	for i, d := range decls {
		keys[i] = camel(d.name)
	}
	return keys
}

func (e *Env) inlineStyle(n *html.Node) goja.Value {
	st := e.state(n)
	if st.style != nil {
		return st.style
	}
	s := &styleDecl{env: e, n: n}
	vm := e.vm
	s.fns = map[string]goja.Value{
		"getPropertyValue": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			v, _ := s.lookup(call.Argument(0).String())
			return vm.ToValue(v)
		}),
		"setProperty": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			s.put(call.Argument(0).String(), call.Argument(1).String())
			return goja.Undefined()
		}),
		"removeProperty": vm.ToValue(func(call goja.FunctionCall) goja.Value {
			old, _ := s.lookup(call.Argument(0).String())
			s.put(call.Argument(0).String(), "")
			return vm.ToValue(old)
		}),
	}
	st.style = vm.NewDynamicObject(s)
	return st.style
}

// -- element.dataset --

type dataMap struct {
	env *Env
	n   *html.Node
}

func (d *dataMap) attr(key string) string { return "data-" + kebab(key) }

func (d *dataMap) Get(key string) goja.Value {
	v, ok := getAttr(d.n, d.attr(key))
	if !ok {
		return goja.Undefined()
	}
	return d.env.vm.ToValue(v)
}

func (d *dataMap) Set(key string, val goja.Value) bool {
	d.env.setAttr(d.n, d.attr(key), val.String())
	return true
}

func (d *dataMap) Has(key string) bool { return hasAttr(d.n, d.attr(key)) }

func (d *dataMap) Delete(key string) bool {
	d.env.removeAttr(d.n, d.attr(key))
	return true
}

func (d *dataMap) Keys() []string {
	var keys []string
	for _, a := range d.n.Attr {
		if strings.HasPrefix(a.Key, "data-") {
			keys = append(keys, camel(a.Key[len("data-"):]))
		}
	}
	return keys
}

func (e *Env) dataset(n *html.Node) goja.Value {
	st := e.state(n)
	if st.dataset == nil {
		st.dataset = e.vm.NewDynamicObject(&dataMap{env: e, n: n})
	}
	return st.dataset
}

// -- getComputedStyle --

type styleRule struct {
	sel   cascadia.Sel
	decls []declaration
	order int
}

type styleSheet struct {
	src   string
	rules []styleRule
}

// parseStyleSheet reads the plain rules of css. At-rules are skipped with
// their blocks, so media queries never apply.
func parseStyleSheet(css string, logger *zap.Logger) *styleSheet {
	sheet := &styleSheet{src: css}
	css = stripComments(css)
	order := 0
	for len(css) > 0 {
		open := strings.IndexByte(css, '{')
		if open < 0 {
			break
		}
		prelude := strings.TrimSpace(css[:open])
		end := matchingBrace(css, open)
		body := css[open+1 : end]
		if end < len(css) {
			css = css[end+1:]
		} else {
			css = ""
		}
		if strings.HasPrefix(prelude, "@") {
			continue
		}
		group, err := cascadia.ParseGroup(prelude)
		if err != nil {
			logger.Debug("Skipping unsupported selector.", zap.String("selector", prelude))
			continue
		}
		decls := parseDeclarations(body)
		for _, sel := range group {
			sheet.rules = append(sheet.rules, styleRule{sel: sel, decls: decls, order: order})
			order++
		}
	}
	return sheet
}

func stripComments(css string) string {
	var sb strings.Builder
	for {
		start := strings.Index(css, "/*")
		if start < 0 {
			sb.WriteString(css)
			return sb.String()
		}
		sb.WriteString(css[:start])
		end := strings.Index(css[start+2:], "*/")
		if end < 0 {
			return sb.String()
		}
		css = css[start+2+end+2:]
	}
}

func matchingBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(s)
}

// sheetFor returns the parsed style elements of doc, reparsing when their text changed.
func (e *Env) sheetFor(doc *Document) *styleSheet {
	var sb strings.Builder
	for _, s := range e.queryAll(doc.root, "style", false) {
		sb.WriteString(textContent(s))
		sb.WriteByte('\n')
	}
	if doc.sheet == nil || doc.sheet.src != sb.String() {
		doc.sheet = parseStyleSheet(sb.String(), e.logger)
	}
	return doc.sheet
}

var hiddenTags = map[string]bool{
	"head": true, "script": true, "style": true, "template": true, "title": true,
	"meta": true, "link": true, "noscript": true, "base": true,
}

var blockTags = map[string]bool{
	"html": true, "body": true, "div": true, "p": true, "form": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "section": true,
	"article": true, "header": true, "footer": true, "nav": true, "main": true, "aside": true,
	"fieldset": true, "pre": true, "blockquote": true, "dl": true, "dd": true, "dt": true,
	"figure": true, "hr": true, "address": true, "details": true,
}

var inherited = map[string]bool{
	"visibility": true, "color": true, "cursor": true, "font-family": true, "font-size": true,
	"font-style": true, "font-weight": true, "line-height": true, "text-align": true, "direction": true,
}

func defaultDisplay(n *html.Node) string {
	switch {
	case hiddenTags[n.Data]:
		return "none"
	case blockTags[n.Data]:
		return "block"
	case n.Data == "li":
		return "list-item"
	case n.Data == "table":
		return "table"
	case n.Data == "tr":
		return "table-row"
	case n.Data == "td" || n.Data == "th":
		return "table-cell"
	case n.Data == "option":
		return "block"
	}
	return "inline"
}

// cascade computes the declared values of n: defaults, then matching sheet
// rules by specificity and order, then the style attribute.
func (e *Env) cascade(n *html.Node) map[string]string {
	values := map[string]string{
		"display":    defaultDisplay(n),
		"visibility": "visible",
		"opacity":    "1",
		"position":   "static",
	}
	if p := n.Parent; p != nil && p.Type == html.ElementNode {
		parent := e.cascade(p)
		for name := range inherited {
			if v, ok := parent[name]; ok {
				values[name] = v
			}
		}
	}
	if hasAttr(n, "hidden") {
		values["display"] = "none"
	}

	var matched []styleRule
	for _, r := range e.sheetFor(e.docOf(n)).rules {
		if r.sel.Match(n) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i].sel.Specificity(), matched[j].sel.Specificity()
		if a != b {
			return a.Less(b)
		}
		return matched[i].order < matched[j].order
	})
	for _, r := range matched {
		for _, d := range r.decls {
			values[d.name] = d.value
		}
	}
	v, _ := getAttr(n, "style")
	for _, d := range parseDeclarations(v) {
		values[d.name] = d.value
	}
	return values
}

// computedStyle returns a snapshot readable by kebab or camel name.
func (e *Env) computedStyle(n *html.Node) goja.Value {
	values := e.cascade(n)
	vm := e.vm
	obj := vm.NewObject()
	for name, v := range values {
		e.set(obj, name, v)
		if c := camel(name); c != name {
			e.set(obj, c, v)
		}
	}
	e.set(obj, "getPropertyValue", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(values[kebab(call.Argument(0).String())])
	})
	return obj
}
