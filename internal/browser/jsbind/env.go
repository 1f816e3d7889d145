// internal/browser/jsbind/env.go
package jsbind

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/browser/jsexec"
	"github.com/xkilldash9x/pagewalker/internal/browser/persona"
	"github.com/xkilldash9x/pagewalker/internal/browser/shim"
)

// Navigation is a page-initiated request to load a URL somewhere.
type Navigation struct {
	// From is the document that started the navigation.
	From        *Document
	Method      string
	URL         *url.URL
	Body        string
	ContentType string
	// Target is the browsing context name: "", "_self", "_top", "_parent",
	// "_blank" or a window name.
	Target   string
	Referrer string
}

// InFrame reports whether the navigation replaces the frame document it came from.
func (n Navigation) InFrame() bool {
	if n.From == nil || n.From.parent == nil {
		return false
	}
	return n.Target == "" || n.Target == "_self"
}

// Host is implemented by the embedding session. Every method is called on the
// loop goroutine and must return promptly.
type Host interface {
	// Navigate loads a URL requested by the page. Frame navigations come back
	// through Env.ReplaceFrame once the content is fetched.
	Navigate(nav Navigation)
	// Fetch performs a subresource request for XMLHttpRequest and fetch. It
	// is called from a worker goroutine, not the loop.
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
	// Dialog answers alert, confirm and prompt. It must not wait.
	Dialog(kind bridge.DialogKind, message string) bool
	// Signal delivers a window.browserSocket payload.
	Signal(payload string) error
	// Cookies is the jar backing document.cookie.
	Cookies() http.CookieJar
}

// Source is a fetched document ready to be bound: its tree, the bodies of its
// external scripts and the loaded content of its frames.
type Source struct {
	URL      *url.URL
	Root     *html.Node
	Referrer string
	// Scripts maps script elements with a src to their fetched body.
	Scripts map[*html.Node]string
	// Frames maps iframe elements to their loaded document.
	Frames map[*html.Node]*Source
}

// Options configures an Env.
type Options struct {
	Logger  *zap.Logger
	Persona persona.Persona
	// Transport names the global that carries browserSocket payloads.
	Transport string
}

// Env is the DOM of one top-level page, bound to a jsexec runtime. All of its
// methods must run on the runtime's loop unless noted otherwise.
type Env struct {
	ctx    context.Context
	cancel context.CancelFunc

	rt     *jsexec.Runtime
	vm     *goja.Runtime
	host   Host
	logger *zap.Logger
	opts   Options

	states  map[*html.Node]*nodeState
	objects map[*goja.Object]*html.Node
	frames  map[*html.Node]*Document

	protos    protos
	observers []*observer
	top       *Document
}

// Load binds src as the top document of rt and runs its scripts, then fires
// DOMContentLoaded and load. The returned Env lives as long as rt.
func Load(ctx context.Context, rt *jsexec.Runtime, host Host, src *Source, opts Options) (*Env, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Transport == "" {
		opts.Transport = shim.DefaultTransport
	}
	envCtx, cancel := context.WithCancel(context.Background())
	go func() {
		<-rt.Done()
		cancel()
	}()

	var env *Env
	err := rt.Run(ctx, func(vm *goja.Runtime) error {
		env = &Env{
			ctx:     envCtx,
			cancel:  cancel,
			rt:      rt,
			vm:      vm,
			host:    host,
			logger:  opts.Logger.Named("jsbind"),
			opts:    opts,
			states:  make(map[*html.Node]*nodeState),
			objects: make(map[*goja.Object]*html.Node),
			frames:  make(map[*html.Node]*Document),
		}
		if err := env.installGlobals(); err != nil {
			return err
		}
		rt.AfterEach(env.flushMutations)

		env.top = env.newDocument(src, vm.GlobalObject(), nil, nil)
		env.bindFrames(env.top, src)
		env.installSocket()
		env.runAllScripts(env.top)
		env.finishLoading(env.top)
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return env, nil
}

// Top returns the top-level document.
func (e *Env) Top() *Document { return e.top }

// Runtime returns the runtime the Env is bound to.
func (e *Env) Runtime() *jsexec.Runtime { return e.rt }

// Serialize renders the top document as HTML.
func (e *Env) Serialize() string {
	var sb strings.Builder
	if err := html.Render(&sb, e.top.root); err != nil {
		e.logger.Warn("Failed to render document.", zap.Error(err))
	}
	return sb.String()
}

// ReplaceFrame swaps the content of the frame that old belongs to for src,
// runs its scripts and fires load on the frame window and element.
func (e *Env) ReplaceFrame(old *Document, src *Source) {
	iframe := old.frameElement
	if iframe == nil || e.frames[iframe] != old || !e.connected(iframe) {
		e.logger.Debug("Dropping content for a detached frame.", zap.String("url", src.URL.String()))
		return
	}
	doc := e.newDocument(src, e.vm.NewObject(), old.parent, iframe)
	e.frames[iframe] = doc
	e.bindFrames(doc, src)
	e.runAllScripts(doc)
	e.finishLoading(doc)
}

func (e *Env) bindFrames(doc *Document, src *Source) {
	for _, iframe := range e.queryAll(doc.root, "iframe", false) {
		child, ok := src.Frames[iframe]
		if !ok {
			child = blankSource(doc.url, iframe)
		}
		fd := e.newDocument(child, e.vm.NewObject(), doc, iframe)
		e.frames[iframe] = fd
		e.bindFrames(fd, child)
	}
}

// blankSource is the about:blank document an iframe shows before, or instead
// of, loading its src.
func blankSource(base *url.URL, iframe *html.Node) *Source {
	root, _ := html.Parse(strings.NewReader(srcdoc(iframe)))
	u := &url.URL{Scheme: "about", Opaque: "blank"}
	if base != nil && srcdoc(iframe) != "" {
		u = &url.URL{Scheme: "about", Opaque: "srcdoc"}
	}
	return &Source{URL: u, Root: root}
}

func srcdoc(iframe *html.Node) string {
	v, _ := getAttr(iframe, "srcdoc")
	return v
}

func (e *Env) runAllScripts(doc *Document) {
	for _, iframe := range e.queryAll(doc.root, "iframe", false) {
		if fd := e.frames[iframe]; fd != nil && fd.parent == doc {
			e.runAllScripts(fd)
		}
	}
	for _, script := range e.queryAll(doc.root, "script", false) {
		if !isClassicScript(script) {
			continue
		}
		code, external := doc.scripts[script]
		if _, hasSrc := getAttr(script, "src"); hasSrc && !external {
			e.logger.Warn("External script was not fetched, skipping.", zap.String("document", doc.url.String()))
			continue
		}
		if !external {
			code = textContent(script)
		}
		e.runScript(doc, code, doc.url.String())
	}
}

func isClassicScript(n *html.Node) bool {
	t, _ := getAttr(n, "type")
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "text/javascript", "application/javascript", "text/ecmascript":
		return true
	}
	return false
}

// runScript executes code with doc's window as its global scope. Frame code
// runs inside with (window) so bare globals such as XMLHttpRequest resolve
// to the frame's own objects.
func (e *Env) runScript(doc *Document, code, name string) {
	var err error
	if doc.parent == nil {
		_, err = e.vm.RunScript(name, code)
	} else {
		var fn goja.Value
		fn, err = e.vm.RunScript(name, "(function (window, self, document, location, parent, top) { with (window) {\n"+code+"\n} })")
		if err == nil {
			if call, ok := goja.AssertFunction(fn); ok {
				w := doc.window
				_, err = call(w, w, w, doc.object, doc.location, doc.parent.window, e.top.window)
			}
		}
	}
	if err != nil {
		e.logger.Warn("Uncaught exception in page script.",
			zap.String("document", name), zap.String("error", jsexec.ScriptErr(err).Error()))
	}
}

// finishLoading fires DOMContentLoaded and load on doc and its frames.
func (e *Env) finishLoading(doc *Document) {
	for _, iframe := range e.queryAll(doc.root, "iframe", false) {
		if fd := e.frames[iframe]; fd != nil && fd.parent == doc {
			e.finishLoading(fd)
		}
	}
	doc.readyState = "interactive"
	e.dispatch(doc.root, e.newEvent("DOMContentLoaded", true, false))
	doc.readyState = "complete"
	e.dispatchWindow(doc, e.newEvent("load", false, false))
	if doc.frameElement != nil {
		e.dispatch(doc.frameElement, e.newEvent("load", false, false))
	}
}

// connected reports whether n is attached to a bound document.
func (e *Env) connected(n *html.Node) bool {
	top := n
	for top.Parent != nil {
		top = top.Parent
	}
	st, ok := e.states[top]
	return ok && st.doc != nil
}

func (e *Env) throwType(format string, args ...any) {
	panic(e.vm.NewTypeError(fmt.Sprintf(format, args...)))
}

// throwDOM throws a DOMException with the given name.
func (e *Env) throwDOM(name, message string) {
	obj, err := e.vm.New(e.vm.Get("DOMException"), e.vm.ToValue(message), e.vm.ToValue(name))
	if err != nil {
		panic(e.vm.NewTypeError(message))
	}
	panic(obj)
}

func (e *Env) resolve(doc *Document, ref string) (*url.URL, error) {
	u, err := doc.url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return u, nil
}
