// internal/browser/jsbind/document.go
package jsbind

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document is one bound HTML document: the top page or the content of an iframe.
type Document struct {
	env          *Env
	root         *html.Node
	url          *url.URL
	referrer     string
	scripts      map[*html.Node]string
	window       *goja.Object
	object       *goja.Object
	location     *goja.Object
	parent       *Document
	frameElement *html.Node
	readyState   string
	winListeners map[string][]*listener
	sheet        *styleSheet
}

// URL returns the document address.
func (d *Document) URL() *url.URL { return d.url }

// Root returns the parsed tree.
func (d *Document) Root() *html.Node { return d.root }

// IsFrame reports whether the document is the content of an iframe.
func (d *Document) IsFrame() bool { return d.parent != nil }

// Parent returns the document containing this frame, or nil for the top document.
func (d *Document) Parent() *Document { return d.parent }

// Env returns the environment the document is bound to.
func (d *Document) Env() *Env { return d.env }

// Title returns the trimmed text of the first title element.
func (d *Document) Title() string {
	return strings.TrimSpace(goquery.NewDocumentFromNode(d.root).Find("title").First().Text())
}

func (e *Env) newDocument(src *Source, window *goja.Object, parent *Document, frameElement *html.Node) *Document {
	root := src.Root
	if root == nil || root.Type != html.DocumentNode {
		root, _ = html.Parse(strings.NewReader(""))
	}
	scripts := src.Scripts
	if scripts == nil {
		scripts = map[*html.Node]string{}
	}
	doc := &Document{
		env:          e,
		root:         root,
		url:          src.URL,
		referrer:     src.Referrer,
		scripts:      scripts,
		window:       window,
		parent:       parent,
		frameElement: frameElement,
		readyState:   "loading",
		winListeners: make(map[string][]*listener),
	}
	e.state(root).doc = doc
	doc.object = e.wrap(root).(*goja.Object)
	doc.location = e.newLocation(doc)
	e.installWindow(doc)
	return doc
}

// docOf returns the document n belongs to, falling back to the one that created it.
func (e *Env) docOf(n *html.Node) *Document {
	top := n
	for top.Parent != nil {
		top = top.Parent
	}
	if st, ok := e.states[top]; ok && st.doc != nil {
		return st.doc
	}
	if st, ok := e.states[n]; ok && st.owner != nil {
		return st.owner
	}
	return e.top
}

// installWindow populates doc.window. The top window is the global object;
// frame windows share the global constructors and timers.
func (e *Env) installWindow(doc *Document) {
	w := doc.window
	vm := e.vm
	set := func(name string, v any) {
		if err := w.Set(name, v); err != nil {
			e.logger.Error("Failed to set window property", zap.String("property", name), zap.Error(err))
		}
	}
	readonly := func(name string, get func() goja.Value) {
		getter := vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
		if err := w.DefineAccessorProperty(name, getter, nil, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
			e.logger.Error("Failed to define window property", zap.String("property", name), zap.Error(err))
		}
	}

	set("window", w)
	set("self", w)
	set("frames", w)
	readonly("document", func() goja.Value { return doc.object })
	readonly("parent", func() goja.Value {
		if doc.parent == nil {
			return w
		}
		return doc.parent.window
	})
	readonly("top", func() goja.Value { return e.top.window })
	readonly("frameElement", func() goja.Value { return e.wrap(doc.frameElement) })
	if err := w.DefineAccessorProperty("location",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return doc.location }),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			e.navigateFrom(doc, call.Argument(0).String(), "_self")
			return goja.Undefined()
		}),
		goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		e.logger.Error("Failed to define location", zap.Error(err))
	}
	if doc.parent == nil {
		set("name", "")
	} else {
		name, _ := getAttr(doc.frameElement, "name")
		set("name", name)
	}

	set("addEventListener", func(call goja.FunctionCall) goja.Value {
		e.addListener(doc.winListeners, call)
		return goja.Undefined()
	})
	set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		e.removeListener(doc.winListeners, call)
		return goja.Undefined()
	})
	set("dispatchEvent", func(call goja.FunctionCall) goja.Value {
		ev := call.Argument(0).ToObject(vm)
		return vm.ToValue(e.dispatchWindow(doc, ev))
	})
	set("getComputedStyle", func(call goja.FunctionCall) goja.Value {
		n := e.unwrap(call.Argument(0))
		if n == nil || n.Type != html.ElementNode {
			e.throwType("getComputedStyle: parameter 1 is not of type 'Element'")
		}
		return e.computedStyle(n)
	})
	set("open", func(call goja.FunctionCall) goja.Value {
		target := "_blank"
		if name := call.Argument(1); !goja.IsUndefined(name) && name.String() != "" {
			target = name.String()
		}
		ref := ""
		if v := call.Argument(0); !goja.IsUndefined(v) {
			ref = v.String()
		}
		e.navigateFrom(doc, ref, target)
		return goja.Null()
	})
	set("scrollTo", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	set("scrollBy", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	set("innerWidth", 1024)
	set("innerHeight", 768)

	e.installNetwork(doc)
	if doc.parent != nil {
		// Frames see the same constructors and timers as the top window.
		global := vm.GlobalObject()
		for _, name := range sharedGlobals {
			set(name, global.Get(name))
		}
	}
}

// sharedGlobals are copied from the global object onto frame windows.
var sharedGlobals = []string{
	"Event", "UIEvent", "MouseEvent", "KeyboardEvent", "InputEvent", "FocusEvent", "CustomEvent",
	"Headers", "Response", "MutationObserver", "DOMException",
	"Node", "Element", "HTMLElement", "Text", "Document",
	"setTimeout", "clearTimeout", "setInterval", "clearInterval", "queueMicrotask",
	"console", "navigator", "alert", "confirm", "prompt",
}

// navigateFrom resolves ref against doc and hands the navigation to the host.
// Fragment-only changes update the URL in place.
func (e *Env) navigateFrom(doc *Document, ref, target string) {
	if ref == "" {
		ref = "about:blank"
	}
	u, err := e.resolve(doc, ref)
	if err != nil {
		e.throwDOM("SyntaxError", "invalid URL: "+ref)
	}
	if (target == "" || target == "_self") && sameDocument(doc.url, u) {
		doc.url = u
		e.dispatchWindow(doc, e.newEvent("hashchange", false, false))
		return
	}
	e.host.Navigate(Navigation{From: doc, Method: http.MethodGet, URL: u, Target: target, Referrer: doc.url.String()})
}

func sameDocument(a, b *url.URL) bool {
	if b.Fragment == "" {
		return false
	}
	x, y := *a, *b
	x.Fragment, y.Fragment = "", ""
	x.RawFragment, y.RawFragment = "", ""
	return x.String() == y.String()
}

func (e *Env) newLocation(doc *Document) *goja.Object {
	vm := e.vm
	loc := vm.NewObject()
	part := func(name string, get func(u *url.URL) string) {
		getter := vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(get(doc.url)) })
		_ = loc.DefineAccessorProperty(name, getter, nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
	}
	_ = loc.DefineAccessorProperty("href",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(doc.url.String()) }),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			e.navigateFrom(doc, call.Argument(0).String(), "_self")
			return goja.Undefined()
		}),
		goja.FLAG_TRUE, goja.FLAG_TRUE)
	part("protocol", func(u *url.URL) string { return u.Scheme + ":" })
	part("host", func(u *url.URL) string { return u.Host })
	part("hostname", func(u *url.URL) string { return u.Hostname() })
	part("port", func(u *url.URL) string { return u.Port() })
	part("pathname", func(u *url.URL) string {
		if u.Opaque != "" {
			return u.Opaque
		}
		if u.Path == "" {
			return "/"
		}
		return u.EscapedPath()
	})
	part("search", func(u *url.URL) string {
		if u.RawQuery == "" {
			return ""
		}
		return "?" + u.RawQuery
	})
	part("hash", func(u *url.URL) string {
		if u.Fragment == "" {
			return ""
		}
		return "#" + u.EscapedFragment()
	})
	part("origin", func(u *url.URL) string {
		if u.Host == "" {
			return "null"
		}
		return u.Scheme + "://" + u.Host
	})

	assign := func(call goja.FunctionCall) goja.Value {
		e.navigateFrom(doc, call.Argument(0).String(), "_self")
		return goja.Undefined()
	}
	_ = loc.Set("assign", assign)
	_ = loc.Set("replace", assign)
	_ = loc.Set("reload", func(goja.FunctionCall) goja.Value {
		e.host.Navigate(Navigation{From: doc, Method: http.MethodGet, URL: doc.url, Target: "_self", Referrer: doc.referrer})
		return goja.Undefined()
	})
	_ = loc.Set("toString", func(goja.FunctionCall) goja.Value { return vm.ToValue(doc.url.String()) })
	return loc
}

// installDocumentProto defines the members documents add to Node.
func (e *Env) installDocumentProto(proto *goja.Object) {
	doc := func(n *html.Node) *Document {
		if st, ok := e.states[n]; ok && st.doc != nil {
			return st.doc
		}
		e.throwType("Illegal invocation")
		return nil
	}
	find := func(n *html.Node, a atom.Atom) *html.Node {
		for _, c := range e.queryAll(n, a.String(), false) {
			return c
		}
		return nil
	}

	e.accessor(proto, "documentElement", func(n *html.Node) goja.Value {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				return e.wrap(c)
			}
		}
		return goja.Null()
	}, nil)
	e.accessor(proto, "head", func(n *html.Node) goja.Value { return e.wrap(find(n, atom.Head)) }, nil)
	e.accessor(proto, "body", func(n *html.Node) goja.Value { return e.wrap(find(n, atom.Body)) }, nil)
	e.accessor(proto, "title", func(n *html.Node) goja.Value { return e.vm.ToValue(doc(n).Title()) }, func(n *html.Node, v goja.Value) {
		t := find(n, atom.Title)
		if t == nil {
			head := find(n, atom.Head)
			if head == nil {
				return
			}
			t = &html.Node{Type: html.ElementNode, Data: "title", DataAtom: atom.Title}
			e.insert(head, t, nil)
		}
		e.setText(t, v.String())
	})
	e.accessor(proto, "URL", func(n *html.Node) goja.Value { return e.vm.ToValue(doc(n).url.String()) }, nil)
	e.accessor(proto, "documentURI", func(n *html.Node) goja.Value { return e.vm.ToValue(doc(n).url.String()) }, nil)
	e.accessor(proto, "referrer", func(n *html.Node) goja.Value { return e.vm.ToValue(doc(n).referrer) }, nil)
	e.accessor(proto, "readyState", func(n *html.Node) goja.Value { return e.vm.ToValue(doc(n).readyState) }, nil)
	e.accessor(proto, "defaultView", func(n *html.Node) goja.Value { return doc(n).window }, nil)
	e.accessor(proto, "location", func(n *html.Node) goja.Value { return doc(n).location }, func(n *html.Node, v goja.Value) {
		e.navigateFrom(doc(n), v.String(), "_self")
	})
	e.accessor(proto, "forms", func(n *html.Node) goja.Value { return e.wrapList(e.queryAll(n, "form", false)) }, nil)
	e.accessor(proto, "cookie", func(n *html.Node) goja.Value {
		return e.vm.ToValue(e.cookieString(doc(n).url))
	}, func(n *html.Node, v goja.Value) {
		e.setCookie(doc(n).url, v.String())
	})

	e.method(proto, "createElement", func(n *html.Node, call goja.FunctionCall) goja.Value {
		tag := strings.ToLower(call.Argument(0).String())
		el := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
		e.state(el).owner = doc(n)
		return e.wrap(el)
	})
	e.method(proto, "createTextNode", func(n *html.Node, call goja.FunctionCall) goja.Value {
		t := &html.Node{Type: html.TextNode, Data: call.Argument(0).String()}
		e.state(t).owner = doc(n)
		return e.wrap(t)
	})
	e.method(proto, "createComment", func(n *html.Node, call goja.FunctionCall) goja.Value {
		c := &html.Node{Type: html.CommentNode, Data: call.Argument(0).String()}
		e.state(c).owner = doc(n)
		return e.wrap(c)
	})
	e.method(proto, "createEvent", func(_ *html.Node, call goja.FunctionCall) goja.Value {
		return e.newEvent("", false, false)
	})
	e.method(proto, "getElementById", func(n *html.Node, call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		var found *html.Node
		walk(n, func(c *html.Node) bool {
			if v, ok := getAttr(c, "id"); ok && v == id {
				found = c
				return false
			}
			return true
		})
		return e.wrap(found)
	})
	e.method(proto, "getElementsByName", func(n *html.Node, call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		var out []*html.Node
		walk(n, func(c *html.Node) bool {
			if v, ok := getAttr(c, "name"); ok && v == name {
				out = append(out, c)
			}
			return true
		})
		return e.wrapList(out)
	})
	e.method(proto, "write", func(n *html.Node, call goja.FunctionCall) goja.Value {
		var sb strings.Builder
		for _, a := range call.Arguments {
			sb.WriteString(a.String())
		}
		body := find(n, atom.Body)
		if body == nil {
			return goja.Undefined()
		}
		nodes, err := html.ParseFragment(strings.NewReader(sb.String()), body)
		if err != nil {
			e.throwDOM("SyntaxError", err.Error())
		}
		for _, c := range nodes {
			e.insert(body, c, nil)
		}
		return goja.Undefined()
	})
}

func (e *Env) cookieString(u *url.URL) string {
	jar := e.host.Cookies()
	if jar == nil {
		return ""
	}
	var parts []string
	for _, c := range jar.Cookies(u) {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func (e *Env) setCookie(u *url.URL, raw string) {
	jar := e.host.Cookies()
	if jar == nil {
		return
	}
	c, err := http.ParseSetCookie(raw)
	if err != nil {
		e.logger.Debug("Ignoring malformed document.cookie assignment.", zap.Error(err))
		return
	}
	jar.SetCookies(u, []*http.Cookie{c})
}
