// internal/browser/jsbind/node.go
package jsbind

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// nodeState is the per-node data the Go tree itself cannot hold. The wrapper
// object is created once per node, so identity holds in scripts.
type nodeState struct {
	obj   *goja.Object
	doc   *Document // set on document roots
	owner *Document // set on nodes created by a script

	listeners map[string][]*listener
	handlers  map[string]compiledHandler

	// Form control state that diverges from the attributes once touched.
	value    *string
	checked  *bool
	selected *bool

	style     *goja.Object
	classList *goja.Object
	dataset   *goja.Object
}

type protos struct {
	node     *goja.Object
	element  *goja.Object
	text     *goja.Object
	document *goja.Object
}

func (e *Env) state(n *html.Node) *nodeState {
	st, ok := e.states[n]
	if !ok {
		st = &nodeState{}
		e.states[n] = st
	}
	return st
}

// wrap returns the script object for n, creating it on first use.
func (e *Env) wrap(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	st := e.state(n)
	if st.obj != nil {
		return st.obj
	}
	obj := e.vm.NewObject()
	var proto *goja.Object
	switch n.Type {
	case html.ElementNode:
		proto = e.protos.element
	case html.TextNode, html.CommentNode:
		proto = e.protos.text
	case html.DocumentNode:
		proto = e.protos.document
	default:
		proto = e.protos.node
	}
	if err := obj.SetPrototype(proto); err != nil {
		e.logger.Error("Failed to set node prototype", zap.Error(err))
	}
	st.obj = obj
	e.objects[obj] = n
	return obj
}

func (e *Env) wrapList(nodes []*html.Node) goja.Value {
	vals := make([]any, len(nodes))
	for i, n := range nodes {
		vals[i] = e.wrap(n)
	}
	return e.vm.NewArray(vals...)
}

// unwrap returns the node behind v, or nil when v is not a node wrapper.
func (e *Env) unwrap(v goja.Value) *html.Node {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	return e.objects[obj]
}

func (e *Env) self(call goja.FunctionCall) *html.Node {
	n := e.unwrap(call.This)
	if n == nil {
		e.throwType("Illegal invocation")
	}
	return n
}

func (e *Env) accessor(proto *goja.Object, name string, get func(n *html.Node) goja.Value, set func(n *html.Node, v goja.Value)) {
	getter := e.vm.ToValue(func(call goja.FunctionCall) goja.Value { return get(e.self(call)) })
	var setter goja.Value
	if set != nil {
		setter = e.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(e.self(call), call.Argument(0))
			return goja.Undefined()
		})
	}
	if err := proto.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
		e.logger.Error("Failed to define accessor", zap.String("property", name), zap.Error(err))
	}
}

func (e *Env) method(proto *goja.Object, name string, fn func(n *html.Node, call goja.FunctionCall) goja.Value) {
	f := func(call goja.FunctionCall) goja.Value { return fn(e.self(call), call) }
	if err := proto.DefineDataProperty(name, e.vm.ToValue(f), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
		e.logger.Error("Failed to define method", zap.String("method", name), zap.Error(err))
	}
}

// -- Tree helpers --

func getAttr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasAttr(n *html.Node, key string) bool {
	_, ok := getAttr(n, key)
	return ok
}

// walk visits the descendants of n in document order until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !fn(c) || !walk(c, fn) {
			return false
		}
	}
	return true
}

func textContent(n *html.Node) string {
	switch n.Type {
	case html.TextNode, html.CommentNode:
		return n.Data
	}
	return goquery.NewDocumentFromNode(n).Text()
}

func isAncestor(anc, n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == anc {
			return true
		}
	}
	return false
}

func isElement(n *html.Node, tag string) bool {
	return n != nil && n.Type == html.ElementNode && n.Data == tag
}

func (e *Env) compile(css string) cascadia.SelectorGroup {
	sel, err := cascadia.ParseGroup(css)
	if err != nil {
		e.throwDOM("SyntaxError", "'"+css+"' is not a valid selector")
	}
	return sel
}

// queryAll returns the descendants of n matching css, in document order.
func (e *Env) queryAll(n *html.Node, css string, includeSelf bool) []*html.Node {
	sel := e.compile(css)
	var out []*html.Node
	if includeSelf && n.Type == html.ElementNode && sel.Match(n) {
		out = append(out, n)
	}
	return append(out, cascadia.QueryAll(n, sel)...)
}

func children(n *html.Node, elementsOnly bool) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !elementsOnly || c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

func siblingElement(n *html.Node, next bool) *html.Node {
	for {
		if next {
			n = n.NextSibling
		} else {
			n = n.PrevSibling
		}
		if n == nil || n.Type == html.ElementNode {
			return n
		}
	}
}

func cloneNode(n *html.Node, deep bool) *html.Node {
	clone := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      append([]html.Attribute(nil), n.Attr...),
	}
	if deep {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			clone.AppendChild(cloneNode(c, true))
		}
	}
	return clone
}

// -- Mutations. Every structural change goes through these so observers see it. --

func (e *Env) insert(parent, child, ref *html.Node) {
	if child == parent || isAncestor(child, parent) {
		e.throwDOM("HierarchyRequestError", "the new child element contains the parent")
	}
	if ref != nil && ref.Parent != parent {
		e.throwDOM("NotFoundError", "the node before which the new node is to be inserted is not a child of this node")
	}
	if child == ref {
		return
	}
	if child.Parent != nil {
		e.detach(child)
	}
	parent.InsertBefore(child, ref)
	e.queueRecord(&record{typ: "childList", target: parent, added: []*html.Node{child}, prev: child.PrevSibling, next: child.NextSibling})
	if e.connected(parent) {
		e.attachFrames(child)
	}
}

func (e *Env) detach(child *html.Node) {
	parent := child.Parent
	if parent == nil {
		return
	}
	prev, next := child.PrevSibling, child.NextSibling
	parent.RemoveChild(child)
	e.queueRecord(&record{typ: "childList", target: parent, removed: []*html.Node{child}, prev: prev, next: next})
	e.detachFrames(child)
}

func (e *Env) replaceChildren(parent *html.Node, nodes []*html.Node) {
	removed := children(parent, false)
	for _, c := range removed {
		parent.RemoveChild(c)
		e.detachFrames(c)
	}
	for _, c := range nodes {
		if c.Parent != nil {
			c.Parent.RemoveChild(c)
		}
		parent.AppendChild(c)
	}
	if len(removed) > 0 || len(nodes) > 0 {
		e.queueRecord(&record{typ: "childList", target: parent, added: nodes, removed: removed})
	}
	if e.connected(parent) {
		for _, c := range nodes {
			e.attachFrames(c)
		}
	}
}

func (e *Env) setText(n *html.Node, text string) {
	switch n.Type {
	case html.TextNode, html.CommentNode:
		old := n.Data
		n.Data = text
		e.queueRecord(&record{typ: "characterData", target: n, oldValue: &old})
	default:
		var nodes []*html.Node
		if text != "" {
			nodes = []*html.Node{{Type: html.TextNode, Data: text}}
		}
		e.replaceChildren(n, nodes)
	}
}

func (e *Env) setAttr(n *html.Node, key, val string) {
	key = strings.ToLower(key)
	var old *string
	found := false
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			v := a.Val
			old = &v
			n.Attr[i].Val = val
			found = true
			break
		}
	}
	if !found {
		n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
	}
	e.queueRecord(&record{typ: "attributes", target: n, attrName: key, oldValue: old})
	e.attributeChanged(n, key)
}

func (e *Env) removeAttr(n *html.Node, key string) {
	key = strings.ToLower(key)
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			old := a.Val
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			e.queueRecord(&record{typ: "attributes", target: n, attrName: key, oldValue: &old})
			e.attributeChanged(n, key)
			return
		}
	}
}

func (e *Env) attributeChanged(n *html.Node, key string) {
	if key == "src" && isElement(n, "iframe") && e.connected(n) {
		e.loadFrame(n)
	}
	if strings.HasPrefix(key, "on") {
		if st, ok := e.states[n]; ok {
			delete(st.handlers, key[2:])
		}
	}
}

// attachFrames gives every iframe under n a document, loading its src.
func (e *Env) attachFrames(n *html.Node) {
	var iframes []*html.Node
	if isElement(n, "iframe") {
		iframes = append(iframes, n)
	}
	if n.Type == html.ElementNode {
		iframes = append(iframes, e.queryAll(n, "iframe", false)...)
	}
	for _, f := range iframes {
		if _, ok := e.frames[f]; !ok {
			e.loadFrame(f)
		}
	}
}

func (e *Env) detachFrames(n *html.Node) {
	if isElement(n, "iframe") {
		delete(e.frames, n)
	}
	walk(n, func(c *html.Node) bool {
		if isElement(c, "iframe") {
			delete(e.frames, c)
		}
		return true
	})
}

// loadFrame shows about:blank in iframe right away and asks the host for its src.
func (e *Env) loadFrame(iframe *html.Node) {
	parent := e.docOf(iframe)
	doc := e.newDocument(blankSource(parent.url, iframe), e.vm.NewObject(), parent, iframe)
	e.frames[iframe] = doc
	src, ok := getAttr(iframe, "src")
	if !ok || strings.TrimSpace(src) == "" || strings.TrimSpace(src) == "about:blank" {
		doc.readyState = "complete"
		return
	}
	u, err := e.resolve(parent, src)
	if err != nil {
		e.logger.Debug("Ignoring iframe with an invalid src.", zap.String("src", src))
		return
	}
	e.host.Navigate(Navigation{From: doc, Method: "GET", URL: u, Target: "_self", Referrer: parent.url.String()})
}

// -- Prototypes --

func (e *Env) installNodeProto(proto *goja.Object) {
	vm := e.vm
	e.accessor(proto, "nodeType", func(n *html.Node) goja.Value {
		switch n.Type {
		case html.ElementNode:
			return vm.ToValue(1)
		case html.TextNode:
			return vm.ToValue(3)
		case html.CommentNode:
			return vm.ToValue(8)
		case html.DocumentNode:
			return vm.ToValue(9)
		case html.DoctypeNode:
			return vm.ToValue(10)
		}
		return vm.ToValue(0)
	}, nil)
	e.accessor(proto, "nodeName", func(n *html.Node) goja.Value {
		switch n.Type {
		case html.ElementNode:
			return vm.ToValue(strings.ToUpper(n.Data))
		case html.TextNode:
			return vm.ToValue("#text")
		case html.CommentNode:
			return vm.ToValue("#comment")
		case html.DocumentNode:
			return vm.ToValue("#document")
		}
		return vm.ToValue(n.Data)
	}, nil)
	e.accessor(proto, "ownerDocument", func(n *html.Node) goja.Value {
		if n.Type == html.DocumentNode {
			return goja.Null()
		}
		return e.docOf(n).object
	}, nil)
	e.accessor(proto, "isConnected", func(n *html.Node) goja.Value { return vm.ToValue(e.connected(n)) }, nil)
	e.accessor(proto, "parentNode", func(n *html.Node) goja.Value { return e.wrap(n.Parent) }, nil)
	e.accessor(proto, "parentElement", func(n *html.Node) goja.Value {
		if n.Parent != nil && n.Parent.Type == html.ElementNode {
			return e.wrap(n.Parent)
		}
		return goja.Null()
	}, nil)
	e.accessor(proto, "childNodes", func(n *html.Node) goja.Value { return e.wrapList(children(n, false)) }, nil)
	e.accessor(proto, "children", func(n *html.Node) goja.Value { return e.wrapList(children(n, true)) }, nil)
	e.accessor(proto, "childElementCount", func(n *html.Node) goja.Value { return vm.ToValue(len(children(n, true))) }, nil)
	e.accessor(proto, "firstChild", func(n *html.Node) goja.Value { return e.wrap(n.FirstChild) }, nil)
	e.accessor(proto, "lastChild", func(n *html.Node) goja.Value { return e.wrap(n.LastChild) }, nil)
	e.accessor(proto, "nextSibling", func(n *html.Node) goja.Value { return e.wrap(n.NextSibling) }, nil)
	e.accessor(proto, "previousSibling", func(n *html.Node) goja.Value { return e.wrap(n.PrevSibling) }, nil)
	e.accessor(proto, "firstElementChild", func(n *html.Node) goja.Value {
		if c := n.FirstChild; c != nil && c.Type != html.ElementNode {
			return e.wrap(siblingElement(c, true))
		}
		return e.wrap(n.FirstChild)
	}, nil)
	e.accessor(proto, "lastElementChild", func(n *html.Node) goja.Value {
		if c := n.LastChild; c != nil && c.Type != html.ElementNode {
			return e.wrap(siblingElement(c, false))
		}
		return e.wrap(n.LastChild)
	}, nil)
	e.accessor(proto, "nextElementSibling", func(n *html.Node) goja.Value { return e.wrap(siblingElement(n, true)) }, nil)
	e.accessor(proto, "previousElementSibling", func(n *html.Node) goja.Value { return e.wrap(siblingElement(n, false)) }, nil)
	e.accessor(proto, "textContent", func(n *html.Node) goja.Value {
		if n.Type == html.DocumentNode {
			return goja.Null()
		}
		return vm.ToValue(textContent(n))
	}, func(n *html.Node, v goja.Value) {
		if n.Type == html.DocumentNode {
			return
		}
		text := ""
		if !goja.IsNull(v) && !goja.IsUndefined(v) {
			text = v.String()
		}
		e.setText(n, text)
	})

	e.method(proto, "hasChildNodes", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		return vm.ToValue(n.FirstChild != nil)
	})
	e.method(proto, "contains", func(n *html.Node, call goja.FunctionCall) goja.Value {
		other := e.unwrap(call.Argument(0))
		return vm.ToValue(other != nil && (other == n || isAncestor(n, other)))
	})
	e.method(proto, "appendChild", func(n *html.Node, call goja.FunctionCall) goja.Value {
		e.insert(n, e.nodeArg(call.Argument(0), "appendChild"), nil)
		return call.Argument(0)
	})
	e.method(proto, "insertBefore", func(n *html.Node, call goja.FunctionCall) goja.Value {
		var ref *html.Node
		if r := call.Argument(1); !goja.IsNull(r) && !goja.IsUndefined(r) {
			ref = e.nodeArg(r, "insertBefore")
		}
		e.insert(n, e.nodeArg(call.Argument(0), "insertBefore"), ref)
		return call.Argument(0)
	})
	e.method(proto, "removeChild", func(n *html.Node, call goja.FunctionCall) goja.Value {
		child := e.nodeArg(call.Argument(0), "removeChild")
		if child.Parent != n {
			e.throwDOM("NotFoundError", "the node to be removed is not a child of this node")
		}
		e.detach(child)
		return call.Argument(0)
	})
	e.method(proto, "replaceChild", func(n *html.Node, call goja.FunctionCall) goja.Value {
		repl := e.nodeArg(call.Argument(0), "replaceChild")
		old := e.nodeArg(call.Argument(1), "replaceChild")
		if old.Parent != n {
			e.throwDOM("NotFoundError", "the node to be replaced is not a child of this node")
		}
		next := old.NextSibling
		if next == repl {
			next = repl.NextSibling
		}
		e.detach(old)
		e.insert(n, repl, next)
		return call.Argument(1)
	})
	e.method(proto, "cloneNode", func(n *html.Node, call goja.FunctionCall) goja.Value {
		c := cloneNode(n, call.Argument(0).ToBoolean())
		e.state(c).owner = e.docOf(n)
		return e.wrap(c)
	})
	e.method(proto, "addEventListener", func(n *html.Node, call goja.FunctionCall) goja.Value {
		st := e.state(n)
		if st.listeners == nil {
			st.listeners = make(map[string][]*listener)
		}
		e.addListener(st.listeners, call)
		return goja.Undefined()
	})
	e.method(proto, "removeEventListener", func(n *html.Node, call goja.FunctionCall) goja.Value {
		if st, ok := e.states[n]; ok && st.listeners != nil {
			e.removeListener(st.listeners, call)
		}
		return goja.Undefined()
	})
	e.method(proto, "dispatchEvent", func(n *html.Node, call goja.FunctionCall) goja.Value {
		ev, ok := call.Argument(0).(*goja.Object)
		if !ok {
			e.throwType("dispatchEvent: parameter 1 is not of type 'Event'")
		}
		return vm.ToValue(e.dispatch(n, ev))
	})

	query := func(n *html.Node, call goja.FunctionCall) []*html.Node {
		return e.queryAll(n, call.Argument(0).String(), false)
	}
	e.method(proto, "querySelector", func(n *html.Node, call goja.FunctionCall) goja.Value {
		sel := e.compile(call.Argument(0).String())
		return e.wrap(cascadia.Query(n, sel))
	})
	e.method(proto, "querySelectorAll", func(n *html.Node, call goja.FunctionCall) goja.Value {
		return e.wrapList(query(n, call))
	})
	e.method(proto, "getElementsByTagName", func(n *html.Node, call goja.FunctionCall) goja.Value {
		tag := strings.ToLower(call.Argument(0).String())
		var out []*html.Node
		walk(n, func(c *html.Node) bool {
			if c.Type == html.ElementNode && (tag == "*" || c.Data == tag) {
				out = append(out, c)
			}
			return true
		})
		return e.wrapList(out)
	})
	e.method(proto, "getElementsByClassName", func(n *html.Node, call goja.FunctionCall) goja.Value {
		classes := strings.Fields(call.Argument(0).String())
		var out []*html.Node
		walk(n, func(c *html.Node) bool {
			if c.Type == html.ElementNode && hasClasses(c, classes) {
				out = append(out, c)
			}
			return true
		})
		return e.wrapList(out)
	})
}

func hasClasses(n *html.Node, classes []string) bool {
	if len(classes) == 0 {
		return false
	}
	have, _ := getAttr(n, "class")
	set := strings.Fields(have)
	for _, want := range classes {
		found := false
		for _, c := range set {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (e *Env) nodeArg(v goja.Value, op string) *html.Node {
	n := e.unwrap(v)
	if n == nil {
		e.throwType("%s: parameter is not of type 'Node'", op)
	}
	return n
}

func (e *Env) installTextProto(proto *goja.Object) {
	data := func(n *html.Node) goja.Value { return e.vm.ToValue(n.Data) }
	setData := func(n *html.Node, v goja.Value) { e.setText(n, v.String()) }
	e.accessor(proto, "data", data, setData)
	e.accessor(proto, "nodeValue", data, setData)
	e.accessor(proto, "length", func(n *html.Node) goja.Value { return e.vm.ToValue(len([]rune(n.Data))) }, nil)
	e.method(proto, "remove", func(n *html.Node, _ goja.FunctionCall) goja.Value {
		e.detach(n)
		return goja.Undefined()
	})
}
