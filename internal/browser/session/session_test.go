// internal/browser/session/session_test.go
package session

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/config"
)

const testTimeout = 10 * time.Second

// -- Test Fixture --

type testFixture struct {
	T      *testing.T
	Cfg    *config.Config
	Bridge *Bridge
	Window *Window
	Server *httptest.Server
}

type configOption func(*config.Config)

func newTestFixture(t *testing.T, mux *http.ServeMux, opts ...configOption) *testFixture {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Paths.DownloadDir = t.TempDir()
	cfg.Network.NavigationTimeout = testTimeout
	for _, opt := range opts {
		opt(cfg)
	}

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	b, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	win, err := b.DefaultWindow(ctx)
	require.NoError(t, err)

	return &testFixture{T: t, Cfg: cfg, Bridge: b, Window: win.(*Window), Server: server}
}

func (f *testFixture) url(path string) string { return f.Server.URL + path }

func (f *testFixture) load(path string) {
	f.T.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(f.T, f.Window.LoadURL(ctx, f.url(path)))
}

func (f *testFixture) eval(code string) any {
	f.T.Helper()
	return evalIn(f.T, f.Window, code)
}

func evalIn(t *testing.T, w *Window, code string) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	v, err := w.EvaluateScript(ctx, code)
	require.NoError(t, err)
	return v
}

// evalTrigger wraps a script as a wait trigger.
func evalTrigger(w *Window, code string) bridge.Trigger {
	return func(ctx context.Context) error {
		_, err := w.EvaluateScript(ctx, code)
		return err
	}
}

// nextEvent subscribes to kind and returns a channel with the first event.
func nextEvent(on func(bridge.EventKind, func(bridge.Event)) func(), kind bridge.EventKind) (<-chan bridge.Event, func()) {
	ch := make(chan bridge.Event, 1)
	remove := on(kind, func(ev bridge.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch, remove
}

func receive(t *testing.T, ch <-chan bridge.Event) bridge.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
		return bridge.Event{}
	}
}

func pageHTML(title, body string) string {
	return fmt.Sprintf("<!DOCTYPE html><html><head><title>%s</title></head><body>%s</body></html>", title, body)
}

func serve(mux *http.ServeMux, path, markup string) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, markup)
	})
}

// -- Test Cases --

func TestLoadURL_RunsScriptsAndEmitsLoad(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/", pageHTML("Home", `<div id="out"></div><script src="/app.js"></script><script>window.inline = document.body.dataset.app;</script>`))
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprint(w, `document.body.setAttribute("data-app", "ready"); window.fromScript = 42;`)
	})
	f := newTestFixture(t, mux)

	loads, remove := nextEvent(f.Window.On, bridge.EventLoad)
	defer remove()
	f.load("/")

	ev := receive(t, loads)
	assert.Equal(t, f.url("/"), ev.URL)
	assert.Equal(t, f.Window.ID(), ev.WindowID)

	assert.Equal(t, "Home", f.eval(`document.title`))
	assert.Equal(t, float64(42), f.eval(`window.fromScript`))
	assert.Equal(t, "ready", f.eval(`window.inline`), "external scripts run in document order")
}

func TestLoadURL_FreshRuntimePerDocument(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/a", pageHTML("A", `<script>window.leak = "a";</script>`))
	serve(mux, "/b", pageHTML("B", ``))
	f := newTestFixture(t, mux)

	f.load("/a")
	assert.Equal(t, "a", f.eval(`window.leak`))
	f.load("/b")
	assert.Nil(t, f.eval(`window.leak`))
}

func TestLoadURL_RelativeAndCurrentURL(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/", pageHTML("Home", ``))
	serve(mux, "/next", pageHTML("Next", ``))
	f := newTestFixture(t, mux)
	ctx := context.Background()

	f.load("/")
	require.NoError(t, f.Window.LoadURL(ctx, "/next"))

	current, err := f.Window.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.url("/next"), current)

	f.eval(`location.href = "#section"`)
	current, err = f.Window.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.url("/next#section"), current)
}

func TestLoadURL_RelativeFromBlankFails(t *testing.T) {
	f := newTestFixture(t, http.NewServeMux())
	err := f.Window.LoadURL(context.Background(), "/relative")
	assert.ErrorIs(t, err, bridge.ErrProtocol)
}

func TestRedirectCarriesCookiesAndReferer(t *testing.T) {
	mux := http.NewServeMux()
	var referer, cookie atomic.Value
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		http.Redirect(w, r, "/landing", http.StatusFound)
	})
	mux.HandleFunc("/landing", func(w http.ResponseWriter, r *http.Request) {
		referer.Store(r.Header.Get("Referer"))
		c, _ := r.Cookie("sid")
		if c != nil {
			cookie.Store(c.Value)
		}
		fmt.Fprint(w, pageHTML("Landing", ``))
	})
	f := newTestFixture(t, mux)

	f.load("/start")
	current, err := f.Window.CurrentURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.url("/landing"), current)
	assert.Equal(t, f.url("/start"), referer.Load())
	assert.Equal(t, "abc", cookie.Load())
	assert.Equal(t, "sid=abc", f.eval(`document.cookie`))
}

func TestLoadError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	f := newTestFixture(t, http.NewServeMux())
	failures, remove := nextEvent(f.Window.On, bridge.EventLoadError)
	defer remove()

	err := f.Window.LoadURL(context.Background(), deadURL+"/gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrProtocol)

	ev := receive(t, failures)
	var navErr *NavigationError
	require.True(t, errors.As(ev.Err, &navErr))
	assert.Equal(t, deadURL+"/gone", navErr.URL)
}

func TestErrorStatusStillLoads(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, pageHTML("Not Found", `<h1>404</h1>`))
	})
	f := newTestFixture(t, mux)
	f.load("/missing")
	assert.Equal(t, "Not Found", f.eval(`document.title`))
}

func TestPlainTextIsWrapped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/data.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"a":"<b>"}`)
	})
	f := newTestFixture(t, mux)
	f.load("/data.json")
	assert.Equal(t, `{"a":"<b>"}`, f.eval(`document.querySelector("pre").textContent`))
}

func TestLinkClickNavigates(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/", pageHTML("Home", `<a id="next" href="/next">next</a>`))
	serve(mux, "/next", pageHTML("Next", ``))
	f := newTestFixture(t, mux)
	f.load("/")

	loads, remove := nextEvent(f.Window.On, bridge.EventLoad)
	defer remove()
	f.eval(`document.getElementById("next").click()`)

	ev := receive(t, loads)
	assert.Equal(t, f.url("/next"), ev.URL)
	assert.Equal(t, "Next", f.eval(`document.title`))
}

func TestFormPostNavigates(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/", pageHTML("Form", `<form method="post" action="/submit"><input name="user" value="bob"><input name="note" value="a&amp;b"><button id="go">Go</button></form>`))
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprint(w, pageHTML("Posted", fmt.Sprintf(`<p id="method">%s</p><p id="body">%s</p><p id="type">%s</p>`,
			r.Method, html.EscapeString(string(body)), r.Header.Get("Content-Type"))))
	})
	f := newTestFixture(t, mux)
	f.load("/")

	loads, remove := nextEvent(f.Window.On, bridge.EventLoad)
	defer remove()
	f.eval(`document.getElementById("go").click()`)
	receive(t, loads)

	assert.Equal(t, "POST", f.eval(`document.getElementById("method").textContent`))
	assert.Equal(t, "user=bob&note=a%26b", f.eval(`document.getElementById("body").textContent`))
	assert.Equal(t, "application/x-www-form-urlencoded", f.eval(`document.getElementById("type").textContent`))
}

func TestXMLHttpRequestUsesBrowserClient(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/", pageHTML("XHR", ``))
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/v2", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/api/v2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ua":%q}`, r.Header.Get("User-Agent"))
	})
	f := newTestFixture(t, mux)
	f.load("/")

	got := f.eval(`fetch("/api").then(r => r.json()).then(j => j.ua)`)
	assert.Equal(t, f.Cfg.Browser.Persona.UserAgent, got)
}

func TestNestedFrames(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/", pageHTML("Top", `<iframe id="outer" src="/outer"></iframe>`))
	serve(mux, "/outer", pageHTML("Outer", `<iframe id="inner" src="/inner"></iframe>`))
	serve(mux, "/inner", pageHTML("Inner", `<input id="v" value='say "hi"'>`))
	serve(mux, "/next", pageHTML("Next", ``))
	f := newTestFixture(t, mux)
	f.load("/")

	got := f.eval(`document.getElementById("outer").contentDocument
		.getElementById("inner").contentDocument
		.getElementById("v").value`)
	assert.Equal(t, `say "hi"`, got)

	// A frame navigation replaces only the frame.
	f.eval(`document.getElementById("outer").contentWindow.location.href = "/next"`)
	assert.Eventually(t, func() bool {
		return f.eval(`document.getElementById("outer").contentDocument.title`) == "Next"
	}, testTimeout, 20*time.Millisecond)
	assert.Equal(t, "Top", f.eval(`document.title`))
}

func TestFrameDepthLimit(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/", pageHTML("Top", `<iframe id="f" src="/loop"></iframe>`))
	serve(mux, "/loop", pageHTML("Loop", `<iframe id="f" src="/loop"></iframe>`))
	f := newTestFixture(t, mux, func(c *config.Config) { c.Browser.MaxFrameDepth = 2 })
	f.load("/")

	assert.Equal(t, "Loop", f.eval(`document.getElementById("f").contentDocument.getElementById("f").contentDocument.title`))
	assert.Equal(t, "", f.eval(`document.getElementById("f").contentDocument.getElementById("f").contentDocument.getElementById("f").contentDocument.title`))
}

func TestWaitForDownload_Attachment(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/", pageHTML("Files", `<a id="dl" href="/report">report</a>`))
	mux.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="report.csv"`)
		fmt.Fprint(w, "a,b\n1,2\n")
	})
	f := newTestFixture(t, mux)
	f.load("/")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	res, err := f.Window.WaitForDownload(ctx, evalTrigger(f.Window, `document.getElementById("dl").click()`))
	require.NoError(t, err)
	assert.Equal(t, "report.csv", res.Filename)
	require.NotEmpty(t, res.SavedFilePath)

	data, err := os.ReadFile(res.SavedFilePath)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))

	entries, err := os.ReadDir(f.Cfg.Paths.DownloadDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), bridge.PartialSuffix), "partial file left behind: %s", e.Name())
	}
	assert.Equal(t, "Files", f.eval(`document.title`), "a download leaves the document in place")
}

func TestWaitForDownload_Inline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Disposition", `inline; filename="view.txt"`)
		fmt.Fprint(w, "shown inline")
	})
	f := newTestFixture(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	res, err := f.Window.WaitForDownload(ctx, func(ctx context.Context) error {
		return f.Window.LoadURL(ctx, f.url("/view"))
	})
	require.NoError(t, err)
	assert.Equal(t, "view.txt", res.Filename)
	assert.Empty(t, res.SavedFilePath)
	assert.Equal(t, "shown inline", f.eval(`document.body.textContent`))
}

func TestWaitForDownload_Timeout(t *testing.T) {
	f := newTestFixture(t, http.NewServeMux())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := f.Window.WaitForDownload(ctx, nil)
	assert.ErrorIs(t, err, bridge.ErrTimeout)
}

func TestWaitForDialog(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/", pageHTML("Dialogs", `<button id="ask" onclick="window.answer = confirm('Are you OK?')">ask</button>`+
		`<button id="other" onclick="window.answer = confirm('Something else')">other</button>`))

	t.Run("ConfirmDismissed", func(t *testing.T) {
		f := newTestFixture(t, mux)
		f.load("/")
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		msg, err := f.Window.WaitForDialog(ctx,
			bridge.DialogExpectation{Kind: bridge.DialogConfirm, Message: "Are you OK?", Accept: false},
			evalTrigger(f.Window, `document.getElementById("ask").click()`))
		require.NoError(t, err)
		assert.Equal(t, "Are you OK?", msg)
		assert.Equal(t, false, f.eval(`window.answer`))
	})

	t.Run("ConfirmAccepted", func(t *testing.T) {
		f := newTestFixture(t, mux)
		f.load("/")
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		_, err := f.Window.WaitForDialog(ctx,
			bridge.DialogExpectation{Kind: bridge.DialogConfirm, Accept: true},
			evalTrigger(f.Window, `document.getElementById("ask").click()`))
		require.NoError(t, err)
		assert.Equal(t, true, f.eval(`window.answer`))
	})

	t.Run("MismatchFails", func(t *testing.T) {
		f := newTestFixture(t, mux)
		f.load("/")
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		_, err := f.Window.WaitForDialog(ctx,
			bridge.DialogExpectation{Kind: bridge.DialogConfirm, Message: "Are you OK?", Policy: bridge.MismatchFail},
			evalTrigger(f.Window, `document.getElementById("other").click()`))
		assert.ErrorIs(t, err, bridge.ErrMessageMismatch)
	})

	t.Run("MismatchKeepsWaiting", func(t *testing.T) {
		f := newTestFixture(t, mux)
		f.load("/")
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		_, err := f.Window.WaitForDialog(ctx,
			bridge.DialogExpectation{Kind: bridge.DialogConfirm, Message: "Are you OK?", Accept: true},
			evalTrigger(f.Window, `document.getElementById("other").click()`))
		assert.ErrorIs(t, err, bridge.ErrTimeout)
		assert.Equal(t, false, f.eval(`window.answer`), "the stray confirm gets the default answer")
	})
}

func TestSignals(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/", pageHTML("Signals", `<button id="b" onclick='browserSocket.send("done", 1, "two")'>go</button>`))
	f := newTestFixture(t, mux)
	f.load("/")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	wait, release := f.Window.Signals().Listen("done")
	defer release()

	f.eval(`document.getElementById("b").click()`)
	args, err := wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), "two"}, args)
}

func TestNewWindow(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/", pageHTML("Opener", `<a id="pop" href="/popup" target="report">open</a>`))
	serve(mux, "/popup", pageHTML("Popup", ``))
	f := newTestFixture(t, mux)
	f.load("/")

	popupLoaded := make(chan bridge.Event, 1)
	opened, remove := nextEvent(func(kind bridge.EventKind, fn func(bridge.Event)) func() {
		return f.Bridge.On(kind, func(ev bridge.Event) {
			// Subscribe before the popup starts loading.
			ev.Window.On(bridge.EventLoad, func(load bridge.Event) {
				select {
				case popupLoaded <- load:
				default:
				}
			})
			fn(ev)
		})
	}, bridge.EventNewWindow)
	defer remove()

	f.eval(`document.getElementById("pop").click()`)
	ev := receive(t, opened)
	require.NotNil(t, ev.Window)
	assert.Equal(t, "report", ev.Window.Name())
	assert.NotEqual(t, f.Window.ID(), ev.WindowID)
	assert.Equal(t, f.url("/popup"), receive(t, popupLoaded).URL)
	assert.Equal(t, "Popup", evalIn(t, ev.Window.(*Window), `document.title`))
	assert.Equal(t, f.url("/"), mustCurrentURL(t, f.Window), "the opener stays put")

	// The same name reuses the window.
	f.eval(`document.getElementById("pop").click()`)
	select {
	case <-opened:
		t.Fatal("a named target must reuse its window")
	case <-time.After(200 * time.Millisecond):
	}
}

func mustCurrentURL(t *testing.T, w bridge.Window) string {
	t.Helper()
	u, err := w.CurrentURL(context.Background())
	require.NoError(t, err)
	return u
}

func TestReload(t *testing.T) {
	mux := http.NewServeMux()
	var hits atomic.Int32
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		fmt.Fprint(w, pageHTML(fmt.Sprintf("Visit %d", n), ``))
	})
	f := newTestFixture(t, mux)
	f.load("/")
	require.NoError(t, f.Window.Reload(context.Background()))
	assert.Equal(t, "Visit 2", f.eval(`document.title`))
}

func TestTakeScreenshotWritesSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	serve(mux, "/", pageHTML("Snap", `<p id="p">before</p><script>document.getElementById("p").textContent = "after";</script>`))
	f := newTestFixture(t, mux)
	f.load("/")

	path := filepath.Join(t.TempDir(), "shots", "home.html")
	require.NoError(t, f.Window.TakeScreenshot(context.Background(), path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<title>Snap</title>")
	assert.Contains(t, string(data), `<p id="p">after</p>`)

	require.NoError(t, f.Window.OpenDevTools(context.Background()))
}

func TestCloseEmitsClosed(t *testing.T) {
	f := newTestFixture(t, http.NewServeMux())
	onWindow, removeW := nextEvent(f.Window.On, bridge.EventClosed)
	defer removeW()
	onBridge, removeB := nextEvent(f.Bridge.On, bridge.EventClosed)
	defer removeB()

	require.NoError(t, f.Window.Close(context.Background()))
	assert.Equal(t, f.Window.ID(), receive(t, onWindow).WindowID)
	assert.Equal(t, f.Window.ID(), receive(t, onBridge).WindowID)

	_, err := f.Window.EvaluateScript(context.Background(), `1`)
	assert.ErrorIs(t, err, bridge.ErrProtocol)

	next, err := f.Bridge.DefaultWindow(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, f.Window.ID(), next.ID())
}

func TestBridgeCloseRejectsNewWindows(t *testing.T) {
	f := newTestFixture(t, http.NewServeMux())
	require.NoError(t, f.Bridge.Close(context.Background()))
	_, err := f.Bridge.DefaultWindow(context.Background())
	assert.ErrorIs(t, err, bridge.ErrProtocol)
}
