// internal/browser/jsbind/env_test.go
package jsbind_test

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/browser/jsbind"
	"github.com/xkilldash9x/pagewalker/internal/browser/jsexec"
	"github.com/xkilldash9x/pagewalker/internal/browser/persona"
)

// -- Mock Host --

type mockHost struct {
	mock.Mock
	jar    http.CookieJar
	client *http.Client
}

func newMockHost(t *testing.T) *mockHost {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &mockHost{jar: jar, client: http.DefaultClient}
}

func (m *mockHost) Navigate(nav jsbind.Navigation) {
	m.Called(nav.Method, nav.URL.String(), nav.Body, nav.Target)
}

func (m *mockHost) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return m.client.Do(req.WithContext(ctx))
}

func (m *mockHost) Dialog(kind bridge.DialogKind, message string) bool {
	args := m.Called(kind, message)
	return args.Bool(0)
}

func (m *mockHost) Signal(payload string) error {
	args := m.Called(payload)
	return args.Error(0)
}

func (m *mockHost) Cookies() http.CookieJar { return m.jar }

// -- Test Setup Utilities --

type testEnv struct {
	t    *testing.T
	env  *jsbind.Env
	rt   *jsexec.Runtime
	host *mockHost
}

func parseSource(t *testing.T, markup, rawURL string) *jsbind.Source {
	t.Helper()
	root, err := html.Parse(strings.NewReader(markup))
	require.NoError(t, err)
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return &jsbind.Source{URL: u, Root: root}
}

func setupWithSource(t *testing.T, host *mockHost, src *jsbind.Source) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rt := jsexec.NewRuntime(logger)
	t.Cleanup(rt.Close)

	env, err := jsbind.Load(context.Background(), rt, host, src, jsbind.Options{Logger: logger, Persona: persona.Default})
	require.NoError(t, err)
	return &testEnv{t: t, env: env, rt: rt, host: host}
}

func setupTest(t *testing.T, markup, rawURL string) *testEnv {
	t.Helper()
	return setupWithSource(t, newMockHost(t), parseSource(t, markup, rawURL))
}

func (te *testEnv) run(script string) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return te.rt.Evaluate(ctx, script)
}

func (te *testEnv) mustRun(script string) any {
	te.t.Helper()
	v, err := te.run(script)
	require.NoError(te.t, err)
	return v
}

// -- Test Cases --

func TestDOMManipulation_AppendAndQuery(t *testing.T) {
	te := setupTest(t, "<html><body><div id='container'></div></body></html>", "http://example.com/")

	result := te.mustRun(`
        const container = document.getElementById('container');
        const p = document.createElement('p');
        p.textContent = 'Hello Shim';
        p.id = 'newP';
        container.appendChild(p);
        document.querySelector('#container > #newP').textContent;
    `)
	assert.Equal(t, "Hello Shim", result)
	assert.Contains(t, te.env.Serialize(), `<div id="container"><p id="newP">Hello Shim</p></div>`)
}

func TestDOMManipulation_InsertAndRemove(t *testing.T) {
	te := setupTest(t, "<html><body><ul><li id='item2'>Two</li></ul><span id='gone'>x</span></body></html>", "http://example.com/")

	result := te.mustRun(`
        const list = document.querySelector('ul');
        const one = document.createElement('li');
        one.textContent = 'One';
        list.insertBefore(one, document.getElementById('item2'));
        document.body.removeChild(document.getElementById('gone'));
        [list.textContent, document.getElementById('gone') === null, list.children.length];
    `)
	assert.Equal(t, []any{"OneTwo", true, float64(2)}, result)
}

func TestNodeIdentity(t *testing.T) {
	te := setupTest(t, "<html><body><div id='a'></div></body></html>", "http://example.com/")

	result := te.mustRun(`
        const a = document.getElementById('a');
        a.onclick = function () {};
        [a === document.querySelector('#a'), typeof document.querySelector('#a').onclick,
         a instanceof HTMLElement, a instanceof Node, document.body.firstChild === a];
    `)
	assert.Equal(t, []any{true, "function", true, true, true}, result)
}

func TestAttributeAccess(t *testing.T) {
	te := setupTest(t, `<html><body><input id="myInput" type="text" value="initial" data-custom="dataValue"></body></html>`, "http://example.com/")

	result := te.mustRun(`
        const input = document.getElementById('myInput');
        const type = input.getAttribute('type');
        input.setAttribute('value', 'updated');
        const valueAttr = input.getAttribute('value');
        input.className = 'test-class';
        const className = input.className;
        const customData = input.dataset.custom;
        input.dataset.newName = 'newValue';
        input.readOnly = true;
        ({ type, valueAttr, className, customData, newName: input.getAttribute('data-new-name'), readonly: input.hasAttribute('readonly') })
    `)
	assert.Equal(t, map[string]any{
		"type":       "text",
		"valueAttr":  "updated",
		"className":  "test-class",
		"customData": "dataValue",
		"newName":    "newValue",
		"readonly":   true,
	}, result)
}

func TestQuerySelector_ErrorHandling(t *testing.T) {
	te := setupTest(t, `<html><body></body></html>`, "http://example.com/")
	_, err := te.run(`document.querySelector("div[");`)
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrScript)
	assert.Contains(t, err.Error(), "SyntaxError")
}

func TestLocationAPI(t *testing.T) {
	te := setupTest(t, `<html><body></body></html>`, "https://example.com:8080/path?query=1#hash")

	result := te.mustRun(`({
        href: window.location.href,
        protocol: location.protocol,
        host: location.host,
        hostname: location.hostname,
        port: location.port,
        pathname: location.pathname,
        search: location.search,
        hash: location.hash,
        origin: location.origin,
        url: document.URL
    })`)
	assert.Equal(t, map[string]any{
		"href":     "https://example.com:8080/path?query=1#hash",
		"protocol": "https:",
		"host":     "example.com:8080",
		"hostname": "example.com",
		"port":     "8080",
		"pathname": "/path",
		"search":   "?query=1",
		"hash":     "#hash",
		"origin":   "https://example.com:8080",
		"url":      "https://example.com:8080/path?query=1#hash",
	}, result)
}

func TestLoadLifecycle(t *testing.T) {
	markup := `<html><head><title> Fixture </title><script>
        window.events = [document.readyState];
        document.addEventListener('DOMContentLoaded', function () { events.push('dcl:' + document.readyState); });
        window.addEventListener('load', function () { events.push('load:' + document.readyState); });
    </script></head><body><script>events.push('body:' + !!document.body);</script></body></html>`
	te := setupTest(t, markup, "http://example.com/")

	assert.Equal(t, []any{"loading", "body:true", "dcl:interactive", "load:complete"}, te.mustRun(`events`))
	assert.Equal(t, "Fixture", te.env.Top().Title())
}

func TestExternalScripts(t *testing.T) {
	src := parseSource(t, `<html><head><script src="/a.js"></script><script>window.order.push('inline');</script><script src="/missing.js"></script></head><body></body></html>`, "http://example.com/")
	scripts := map[*html.Node]string{}
	for _, n := range findAll(src.Root, "script") {
		if v := attr(n, "src"); v == "/a.js" {
			scripts[n] = "window.order = ['external'];"
		}
	}
	src.Scripts = scripts
	te := setupWithSource(t, newMockHost(t), src)

	assert.Equal(t, []any{"external", "inline"}, te.mustRun(`order`))
}

func TestEventDispatch_Phases(t *testing.T) {
	te := setupTest(t, `<html><body><div id="outer"><button id="btn">Click Me</button></div></body></html>`, "http://example.com/")

	result := te.mustRun(`
        const log = [];
        const outer = document.getElementById('outer');
        const btn = document.getElementById('btn');
        outer.addEventListener('click', () => log.push('capture'), true);
        outer.addEventListener('click', () => log.push('bubble'));
        btn.addEventListener('click', (e) => log.push('target:' + e.eventPhase));
        window.addEventListener('click', () => log.push('window'));
        btn.addEventListener('click', () => log.push('once'), { once: true });
        btn.click();
        btn.click();
        log;
    `)
	assert.Equal(t, []any{
		"capture", "target:2", "once", "bubble", "window",
		"capture", "target:2", "bubble", "window",
	}, result)
}

func TestEventDispatch_StopPropagation(t *testing.T) {
	te := setupTest(t, `<html><body><div id="outer"><span id="inner"></span></div></body></html>`, "http://example.com/")

	result := te.mustRun(`
        const log = [];
        document.getElementById('outer').addEventListener('ping', () => log.push('outer'));
        const inner = document.getElementById('inner');
        inner.addEventListener('ping', (e) => { log.push('first'); e.stopImmediatePropagation(); });
        inner.addEventListener('ping', () => log.push('second'));
        const ok = inner.dispatchEvent(new CustomEvent('ping', { bubbles: true, detail: 1 }));
        [log, ok];
    `)
	assert.Equal(t, []any{[]any{"first"}, true}, result)
}

func TestLinkClickNavigates(t *testing.T) {
	te := setupTest(t, `<html><body><a id="go" href="/next?x=1">next</a><a id="blank" href="other" target="_blank">new</a></body></html>`, "http://example.com/dir/page")
	te.host.On("Navigate", "GET", "http://example.com/next?x=1", "", "").Return().Once()
	te.host.On("Navigate", "GET", "http://example.com/dir/other", "", "_blank").Return().Once()

	te.mustRun(`document.getElementById('go').click(); document.getElementById('blank').click();`)
	te.host.AssertExpectations(t)
}

func TestInlineHandlerCancelsNavigation(t *testing.T) {
	te := setupTest(t, `<html><body><a id="go" href="/next" onclick="window.handled = this.id; return false">next</a></body></html>`, "http://example.com/")

	assert.Equal(t, "go", te.mustRun(`document.getElementById('go').click(); window.handled`))
	te.host.AssertNotCalled(t, "Navigate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHashChangeStaysInDocument(t *testing.T) {
	te := setupTest(t, `<html><body><a id="frag" href="#section">jump</a></body></html>`, "http://example.com/page")

	result := te.mustRun(`
        let fired = false;
        window.addEventListener('hashchange', () => { fired = true; });
        document.getElementById('frag').click();
        [fired, location.hash];
    `)
	assert.Equal(t, []any{true, "#section"}, result)
	te.host.AssertNotCalled(t, "Navigate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFormSubmission_Get(t *testing.T) {
	te := setupTest(t, `<html><body><form id="form" action="/submit">
        <input name="q" value="hello world">
        <input type="checkbox" name="c" value="yes">
        <input type="checkbox" name="d" value="no" checked>
        <select name="s"><option>first</option><option value="2">second</option></select>
        <input type="submit" id="submitBtn" name="go" value="Go">
    </form></body></html>`, "http://example.com/")
	te.host.On("Navigate", "GET", "http://example.com/submit?q=hello+world&d=no&s=first&go=Go", "", "").Return().Once()

	te.mustRun(`document.getElementById('submitBtn').click();`)
	te.host.AssertExpectations(t)
}

func TestFormSubmission_PostAndSubmitHandler(t *testing.T) {
	te := setupTest(t, `<html><body><form id="form" method="post" action="/login">
        <input name="user" id="user">
        <textarea name="note">a&amp;b</textarea>
        <button id="send">Send</button>
    </form></body></html>`, "http://example.com/")
	te.host.On("Navigate", "POST", "http://example.com/login", "user=bob&note=a%26b", "").Return().Once()

	result := te.mustRun(`
        let submits = 0;
        const form = document.getElementById('form');
        form.addEventListener('submit', (e) => { submits++; if (submits === 1) e.preventDefault(); });
        document.getElementById('user').value = 'bob';
        document.getElementById('send').click();
        document.getElementById('send').click();
        submits;
    `)
	assert.Equal(t, float64(2), result)
	te.host.AssertExpectations(t)
}

func TestFormControls(t *testing.T) {
	te := setupTest(t, `<html><body><form id="f">
        <input type="radio" name="r" id="r1" value="1" checked>
        <input type="radio" name="r" id="r2" value="2">
        <input type="checkbox" id="cb">
        <select id="sel"><option value="a">A</option><option value="b">B</option></select>
        <input id="txt" value="orig">
    </form></body></html>`, "http://example.com/")

	result := te.mustRun(`
        const r1 = document.getElementById('r1'), r2 = document.getElementById('r2');
        const cb = document.getElementById('cb'), sel = document.getElementById('sel');
        const changes = [];
        cb.addEventListener('change', () => changes.push('cb'));
        r2.click();
        cb.click();
        cb.addEventListener('click', (e) => e.preventDefault());
        cb.click();
        sel.value = 'b';
        const before = [r1.checked, r2.checked, cb.checked, sel.selectedIndex, sel.options[1].selected];
        document.getElementById('txt').value = 'changed';
        document.getElementById('f').reset();
        [before, changes, r1.checked, document.getElementById('txt').value, sel.value];
    `)
	assert.Equal(t, []any{
		[]any{false, true, true, float64(1), true},
		[]any{"cb"},
		true, "orig", "a",
	}, result)
}

func TestComputedStyle(t *testing.T) {
	te := setupTest(t, `<html><head><style>
        /* rules */
        .hidden { display: none }
        #shown.hidden { display: block; color: red }
        @media print { div { display: none } }
        div.box { visibility: hidden }
    </style></head><body>
        <div id="a" class="hidden"></div>
        <div id="b" class="hidden" style="display: flex"></div>
        <div id="shown" class="hidden"></div>
        <div class="box"><span id="child"></span></div>
        <p id="p" hidden></p>
        <span id="s"></span>
    </body></html>`, "http://example.com/")

	result := te.mustRun(`
        const cs = (id) => getComputedStyle(document.getElementById(id));
        [cs('a').display, cs('b').display, cs('shown').display, cs('shown').getPropertyValue('color'),
         cs('child').visibility, cs('p').display, cs('s').display];
    `)
	assert.Equal(t, []any{"none", "flex", "block", "red", "hidden", "none", "inline"}, result)
}

func TestInlineStyleAndClassList(t *testing.T) {
	te := setupTest(t, `<html><body><div id="d" class="one" style="color: red"></div></body></html>`, "http://example.com/")

	result := te.mustRun(`
        const d = document.getElementById('d');
        d.style.backgroundColor = 'blue';
        d.style.color = '';
        d.classList.add('two', 'three');
        d.classList.remove('one');
        const toggled = d.classList.toggle('four');
        [d.getAttribute('style'), d.className, toggled, d.classList.contains('two'), d.style.getPropertyValue('background-color')];
    `)
	assert.Equal(t, []any{"background-color: blue;", "two three four", true, true, "blue"}, result)
}

func TestDialogs(t *testing.T) {
	te := setupTest(t, `<html><body></body></html>`, "http://example.com/")
	te.host.On("Dialog", bridge.DialogConfirm, "Are you OK?").Return(false).Once()
	te.host.On("Dialog", bridge.DialogAlert, "hi").Return(true).Once()
	te.host.On("Dialog", bridge.DialogPrompt, "name?").Return(true).Once()

	result := te.mustRun(`[confirm("Are you OK?"), alert("hi") === undefined, prompt("name?", "bob")]`)
	assert.Equal(t, []any{false, true, "bob"}, result)
	te.host.AssertExpectations(t)
}

func TestBrowserSocketTransport(t *testing.T) {
	te := setupTest(t, `<html><body></body></html>`, "http://example.com/")
	te.host.On("Signal", `{"channel":"done","args":[1,"two"]}`).Return(nil).Once()

	te.mustRun(`window.browserSocket.send("done", 1, "two")`)
	te.host.AssertExpectations(t)
}

func TestCookies(t *testing.T) {
	te := setupTest(t, `<html><body></body></html>`, "http://example.com/")

	assert.Equal(t, "a=1; b=2", te.mustRun(`document.cookie = "a=1"; document.cookie = "b=2; Path=/"; document.cookie`))
	u, _ := url.Parse("http://example.com/")
	assert.Len(t, te.host.jar.Cookies(u), 2)
}

func TestMutationObserver(t *testing.T) {
	te := setupTest(t, `<html><body><div id="root"></div></body></html>`, "http://example.com/")

	result := te.mustRun(`
        new Promise((resolve) => {
            const mo = new MutationObserver((records) => {
                mo.disconnect();
                resolve(records.map((r) => r.type + ':' + (r.addedNodes.length ? r.addedNodes[0].tagName : r.attributeName)));
            });
            mo.observe(document.body, { childList: true, subtree: true, attributes: true });
            setTimeout(() => {
                const root = document.getElementById('root');
                root.appendChild(document.createElement('h4'));
                root.setAttribute('data-x', '1');
            }, 10);
        })
    `)
	assert.Equal(t, []any{"childList:H4", "attributes:data-x"}, result)
}

func TestXMLHttpRequestAndFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data":
			w.Header().Set("X-Test", "yes")
			_, _ = w.Write([]byte(`{"n":1}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	host := newMockHost(t)
	host.client = srv.Client()
	te := setupWithSource(t, host, parseSource(t, `<html><body></body></html>`, srv.URL+"/page"))

	result := te.mustRun(`
        new Promise((resolve, reject) => {
            const states = [];
            const x = new XMLHttpRequest();
            x.onreadystatechange = () => states.push(x.readyState);
            x.open('GET', '/data');
            x.onload = () => resolve([x.status, x.responseText, x.getResponseHeader('X-Test'), states]);
            x.onerror = () => reject(new Error('request failed'));
            x.send();
        })
    `)
	assert.Equal(t, []any{float64(200), `{"n":1}`, "yes", []any{float64(1), float64(2), float64(3), float64(4)}}, result)

	result = te.mustRun(`fetch('/missing').then((r) => [r.status, r.ok])`)
	assert.Equal(t, []any{float64(404), false}, result)

	result = te.mustRun(`fetch('/data').then((r) => r.json()).then((j) => j.n)`)
	assert.Equal(t, float64(1), result)
}

func TestIframes(t *testing.T) {
	top := parseSource(t, `<html><body><iframe id="f" name="inner" src="/frame"></iframe></body></html>`, "http://example.com/")
	frame := parseSource(t, `<html><body><input id="in" value='say "hi"'><script>document.body.setAttribute('data-ran', location.pathname);</script></body></html>`, "http://example.com/frame")
	top.Frames = map[*html.Node]*jsbind.Source{findAll(top.Root, "iframe")[0]: frame}
	te := setupWithSource(t, newMockHost(t), top)

	result := te.mustRun(`
        const w = document.getElementById('f').contentWindow;
        [w.document.getElementById('in').value, w.document.body.getAttribute('data-ran'),
         w.parent === window, w.name, w.frameElement.id, document.getElementById('in') === null];
    `)
	assert.Equal(t, []any{`say "hi"`, "/frame", true, "inner", "f", true}, result)
}

func TestIframes_FrameGlobalsAreInScope(t *testing.T) {
	top := parseSource(t, `<html><body><iframe id="f" src="/frame"></iframe></body></html>`, "http://example.com/")
	frame := parseSource(t, `<html><body>
		<button id="b" onclick="window.handlerXHR = XMLHttpRequest === window.XMLHttpRequest">b</button>
		<script>
		window.scriptXHR = XMLHttpRequest === window.XMLHttpRequest;
		window.scriptFetch = fetch === window.fetch;
		document.getElementById('b').addEventListener('click', function () {
			window.listenerXHR = XMLHttpRequest === window.XMLHttpRequest;
		});
		</script></body></html>`, "http://example.com/frame")
	top.Frames = map[*html.Node]*jsbind.Source{findAll(top.Root, "iframe")[0]: frame}
	te := setupWithSource(t, newMockHost(t), top)

	result := te.mustRun(`
        const w = document.getElementById('f').contentWindow;
        w.document.getElementById('b').click();
        [w.XMLHttpRequest !== XMLHttpRequest, w.scriptXHR, w.scriptFetch, w.handlerXHR, w.listenerXHR];
    `)
	assert.Equal(t, []any{true, true, true, true, true}, result)
}

func TestDynamicIframeAsksHost(t *testing.T) {
	te := setupTest(t, `<html><body></body></html>`, "http://example.com/")
	te.host.On("Navigate", "GET", "http://example.com/late", "", "_self").Return().Once()

	result := te.mustRun(`
        const f = document.createElement('iframe');
        f.src = '/late';
        document.body.appendChild(f);
        f.contentDocument !== null;
    `)
	assert.Equal(t, true, result)
	te.host.AssertExpectations(t)
}

func TestScriptTimeoutInListener(t *testing.T) {
	te := setupTest(t, `<html><body><button id="b"></button></body></html>`, "http://example.com/")
	te.mustRun(`document.getElementById('b').addEventListener('click', () => { while (true) {} }); 1`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := te.rt.Evaluate(ctx, `document.getElementById('b').click(); 'unreachable'`)
	assert.ErrorIs(t, err, bridge.ErrTimeout)

	assert.Equal(t, float64(2), te.mustRun(`1 + 1`))
}

// -- Tree helpers for fixtures --

func findAll(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
