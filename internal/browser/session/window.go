// internal/browser/session/window.go
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/browser/jsbind"
	"github.com/xkilldash9x/pagewalker/internal/browser/jsexec"
	"github.com/xkilldash9x/pagewalker/internal/browser/socket"
)

// page is one committed top-level document. ready is closed once its
// scripts ran and load fired, or loading failed.
type page struct {
	rt    *jsexec.Runtime
	url   *url.URL
	ready chan struct{}
	env   *jsbind.Env
	err   error
}

// Window is a top-level browsing context of the embedded shell. Every
// navigation builds a fresh runtime; the signal channel, dialog arbiter and
// event subscriptions outlive it.
type Window struct {
	id     string
	name   string
	b      *Bridge
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events    bridge.Emitter
	signals   *socket.Channel
	dialogs   *bridge.DialogArbiter
	downloads bridge.DownloadWatcher

	mu     sync.Mutex
	page   *page
	navSeq uint64
	closed bool

	closeOnce sync.Once
}

var _ bridge.Window = (*Window)(nil)

// ID returns the window id.
func (w *Window) ID() string { return w.id }

// Name returns the name the page opened the window with, if any.
func (w *Window) Name() string { return w.name }

// Signals is the host end of window.browserSocket.
func (w *Window) Signals() *socket.Channel { return w.signals }

// On subscribes to load, load-error and closed.
func (w *Window) On(kind bridge.EventKind, fn func(bridge.Event)) func() {
	return w.events.On(kind, fn)
}

// LoadURL navigates the window and returns once the new document has loaded.
// A relative url resolves against the current document.
func (w *Window) LoadURL(ctx context.Context, raw string) error {
	if w.isClosed() {
		return &bridge.ProtocolError{Op: "load url", Err: errWindowClosed}
	}
	u, err := w.resolve(raw)
	if err != nil {
		return bridge.NewProtocolError("load url", err)
	}
	navCtx, cancel := w.navContext(ctx)
	defer cancel()
	return w.navigate(navCtx, jsbind.Navigation{Method: http.MethodGet, URL: u})
}

// Reload fetches the current document again.
func (w *Window) Reload(ctx context.Context) error {
	current, err := w.CurrentURL(ctx)
	if err != nil {
		return err
	}
	u, err := url.Parse(current)
	if err != nil {
		return bridge.NewProtocolError("reload", err)
	}
	navCtx, cancel := w.navContext(ctx)
	defer cancel()
	return w.navigate(navCtx, jsbind.Navigation{Method: http.MethodGet, URL: u})
}

// CurrentURL returns the address of the top document, including in-page
// fragment changes.
func (w *Window) CurrentURL(ctx context.Context) (string, error) {
	var out string
	err := w.withEnv(ctx, "current url", func(env *jsbind.Env) {
		out = env.Top().URL().String()
	})
	return out, err
}

// EvaluateScript runs code in the top document.
func (w *Window) EvaluateScript(ctx context.Context, code string) (any, error) {
	p, err := w.readyPage(ctx, "evaluate")
	if err != nil {
		return nil, err
	}
	v, err := p.rt.Evaluate(ctx, code)
	if err != nil {
		return nil, mapRuntimeError("evaluate", err)
	}
	return v, nil
}

// OpenDevTools has no inspector to open; it logs the current document instead.
func (w *Window) OpenDevTools(ctx context.Context) error {
	var source, address string
	err := w.withEnv(ctx, "open devtools", func(env *jsbind.Env) {
		source = env.Serialize()
		address = env.Top().URL().String()
	})
	if err != nil {
		return err
	}
	w.logger.Debug("Document source.", zap.String("url", address), zap.String("source", source))
	return nil
}

// TakeScreenshot writes the serialized DOM to path; there is no renderer
// to capture pixels from.
func (w *Window) TakeScreenshot(ctx context.Context, path string) error {
	var source string
	if err := w.withEnv(ctx, "screenshot", func(env *jsbind.Env) { source = env.Serialize() }); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create screenshot directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	w.logger.Debug("Saved DOM snapshot.", zap.String("path", path))
	return nil
}

// WaitForDownload arms a download watcher, runs trigger and returns the
// first download the window sees.
func (w *Window) WaitForDownload(ctx context.Context, trigger bridge.Trigger) (*bridge.DownloadResult, error) {
	wait, disarm := w.downloads.Arm()
	defer disarm()
	res, err := bridge.Race(ctx, trigger, wait)
	return res, bridge.WaitError("wait for download", ctx, err)
}

// WaitForDialog arms exp, runs trigger and returns the matched dialog's message.
func (w *Window) WaitForDialog(ctx context.Context, exp bridge.DialogExpectation, trigger bridge.Trigger) (string, error) {
	wait, disarm := w.dialogs.Arm(exp)
	defer disarm()
	msg, err := bridge.Race(ctx, trigger, wait)
	return msg, bridge.WaitError("wait for "+string(exp.Kind), ctx, err)
}

// Close stops the window's runtime and emits closed on the window and the browser.
func (w *Window) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		p := w.page
		w.mu.Unlock()

		w.cancel()
		if p != nil {
			p.rt.Close()
		}
		w.b.forget(w)
		w.logger.Debug("Window closed.")

		ev := bridge.Event{Kind: bridge.EventClosed, WindowID: w.id}
		w.events.Emit(ev)
		w.b.events.Emit(ev)
	})
	return nil
}

func (w *Window) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// navContext bounds a navigation by ctx, the window lifetime and the navigation timeout.
func (w *Window) navContext(ctx context.Context) (context.Context, context.CancelFunc) {
	combined, cancelCombined := bridge.CombineContext(w.ctx, ctx)
	timeout := w.b.cfg.Network.NavigationTimeout
	if timeout <= 0 {
		return combined, cancelCombined
	}
	bounded, cancelTimeout := context.WithTimeout(combined, timeout)
	return bounded, func() {
		cancelTimeout()
		cancelCombined()
	}
}

func (w *Window) resolve(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	w.mu.Lock()
	var base *url.URL
	if w.page != nil && w.page.url.Scheme != "about" {
		base = w.page.url
	}
	w.mu.Unlock()

	var (
		u   *url.URL
		err error
	)
	if base != nil {
		u, err = base.Parse(raw)
	} else {
		u, err = url.Parse(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve URL '%s': %w", raw, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("URL '%s' is not absolute", raw)
	}
	return u, nil
}

// begin starts a navigation; it supersedes every navigation still in flight.
func (w *Window) begin() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.navSeq++
	return w.navSeq
}

func (w *Window) isCurrent(seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed && w.navSeq == seq
}

// navigate replaces the top document with the response to nav. A response
// saved as a download leaves the document alone.
func (w *Window) navigate(ctx context.Context, nav jsbind.Navigation) error {
	seq := w.begin()
	logger := w.logger.With(zap.String("url", nav.URL.String()), zap.String("method", nav.Method))
	logger.Info("Navigating")

	req, err := w.b.newNavigationRequest(ctx, nav)
	if err != nil {
		return w.fail(seq, nav.URL, err)
	}
	src, err := w.fetchSource(ctx, req, 0)
	if errors.Is(err, errDownloaded) {
		logger.Debug("Navigation turned into a download.")
		return nil
	}
	if err != nil {
		return w.fail(seq, nav.URL, err)
	}
	return w.commit(ctx, seq, src)
}

// fail emits load-error for the navigation unless a newer one superseded it.
func (w *Window) fail(seq uint64, u *url.URL, err error) error {
	navErr := &NavigationError{URL: u.String(), Err: err}
	if w.isCurrent(seq) {
		w.logger.Warn("Navigation failed.", zap.Error(navErr))
		w.events.Emit(bridge.Event{Kind: bridge.EventLoadError, WindowID: w.id, URL: u.String(), Err: navErr})
	}
	return bridge.NewProtocolError("navigate", navErr)
}

// commit swaps in a fresh runtime for src, runs the document and emits load.
func (w *Window) commit(ctx context.Context, seq uint64, src *jsbind.Source) error {
	rt := jsexec.NewRuntime(w.logger)
	p := &page{rt: rt, url: src.URL, ready: make(chan struct{})}

	w.mu.Lock()
	if w.closed || seq != w.navSeq {
		w.mu.Unlock()
		rt.Close()
		w.logger.Debug("Dropping superseded navigation.", zap.String("url", src.URL.String()))
		return nil
	}
	old := w.page
	w.page = p
	w.mu.Unlock()
	if old != nil {
		old.rt.Close()
	}

	env, err := jsbind.Load(ctx, rt, &host{w: w}, src, jsbind.Options{
		Logger:  w.logger,
		Persona: w.b.persona,
	})
	p.env, p.err = env, err
	close(p.ready)
	if err != nil {
		return w.fail(seq, src.URL, err)
	}

	w.logger.Debug("Document loaded.", zap.String("url", src.URL.String()), zap.String("title", titleOf(ctx, env)))
	// A script may already have navigated away while the document loaded.
	if w.isCurrent(seq) {
		w.events.Emit(bridge.Event{Kind: bridge.EventLoad, WindowID: w.id, URL: src.URL.String()})
	}
	return nil
}

func titleOf(ctx context.Context, env *jsbind.Env) string {
	var title string
	_ = env.Runtime().Run(ctx, func(*goja.Runtime) error {
		title = env.Top().Title()
		return nil
	})
	return title
}

// navigateFrame loads nav into the frame showing target. The content is
// fetched here and bound on the loop that owns the frame.
func (w *Window) navigateFrame(target *jsbind.Document, nav jsbind.Navigation) {
	depth := frameDepth(target)
	if depth > w.b.cfg.Browser.MaxFrameDepth {
		w.logger.Debug("Frame nesting limit reached.", zap.String("url", nav.URL.String()), zap.Int("depth", depth))
		return
	}
	ctx, cancel := w.navContext(context.Background())
	defer cancel()

	req, err := w.b.newNavigationRequest(ctx, nav)
	if err != nil {
		w.logger.Warn("Failed to build frame request.", zap.Error(err))
		return
	}
	src, err := w.fetchSource(ctx, req, depth)
	if err != nil {
		if !errors.Is(err, errDownloaded) {
			w.logger.Warn("Frame navigation failed.", zap.String("url", nav.URL.String()), zap.Error(err))
		}
		return
	}
	env := target.Env()
	if !env.Runtime().Post(func(*goja.Runtime) { env.ReplaceFrame(target, src) }) {
		w.logger.Debug("Frame owner is gone, dropping content.", zap.String("url", nav.URL.String()))
	}
}

// frameDepth is the nesting level of a frame document; the top document is 0.
func frameDepth(doc *jsbind.Document) int {
	n := 0
	for d := doc; d != nil && d.IsFrame(); d = d.Parent() {
		n++
	}
	return n
}

// navigateInBackground runs a page-initiated top-level navigation.
func (w *Window) navigateInBackground(nav jsbind.Navigation) {
	go func() {
		ctx, cancel := w.navContext(context.Background())
		defer cancel()
		if err := w.navigate(ctx, nav); err != nil {
			w.logger.Debug("Page-initiated navigation failed.", zap.Error(err))
		}
	}()
}

func (w *Window) currentPage() *page {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.page
}

// readyPage returns the current document once it finished loading.
func (w *Window) readyPage(ctx context.Context, op string) (*page, error) {
	if w.isClosed() {
		return nil, &bridge.ProtocolError{Op: op, Err: errWindowClosed}
	}
	p := w.currentPage()
	if p == nil {
		return nil, &bridge.ProtocolError{Op: op, Err: errors.New("no document")}
	}
	select {
	case <-p.ready:
	case <-ctx.Done():
		return nil, bridge.WaitError(op, ctx, ctx.Err())
	}
	if p.err != nil {
		return nil, bridge.NewProtocolError(op, p.err)
	}
	return p, nil
}

// withEnv runs fn on the loop of the current document.
func (w *Window) withEnv(ctx context.Context, op string, fn func(env *jsbind.Env)) error {
	p, err := w.readyPage(ctx, op)
	if err != nil {
		return err
	}
	err = p.rt.Run(ctx, func(*goja.Runtime) error {
		fn(p.env)
		return nil
	})
	return mapRuntimeError(op, err)
}

func mapRuntimeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, jsexec.ErrClosed) {
		return &bridge.ProtocolError{Op: op, Err: errors.New("document was replaced")}
	}
	return bridge.NewProtocolError(op, err)
}
