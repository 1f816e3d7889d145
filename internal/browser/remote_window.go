// internal/browser/remote_window.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/browser/shim"
	"github.com/xkilldash9x/pagewalker/internal/browser/socket"
	"github.com/xkilldash9x/pagewalker/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	errWindowClosed  = errors.New("window is closed")
	errBrowserClosed = errors.New("browser is closed")
)

// RemoteWindow is one Chrome tab.
type RemoteWindow struct {
	id       string
	targetID target.ID
	name     string
	r        *Remote
	logger   *zap.Logger

	// ctx is the chromedp tab context; cancel closes the tab.
	ctx    context.Context
	cancel context.CancelFunc

	events    bridge.Emitter
	signals   *socket.Channel
	dialogs   *bridge.DialogArbiter
	downloads *remoteDownloads
	console   *observability.PageConsole

	// loadErrors counts emitted load-error events.
	loadErrors atomic.Uint64

	mu          sync.Mutex
	url         string
	docRequests map[network.RequestID]string
	closed      bool

	closeOnce sync.Once
}

var _ bridge.Window = (*RemoteWindow)(nil)

func newRemoteWindow(r *Remote, ctx context.Context, cancel context.CancelFunc, id target.ID, name string) *RemoteWindow {
	log := r.logger.With(zap.String("window_id", string(id)))
	return &RemoteWindow{
		id:          string(id),
		targetID:    id,
		name:        name,
		r:           r,
		logger:      log,
		ctx:         ctx,
		cancel:      cancel,
		signals:     socket.New(),
		dialogs:     bridge.NewDialogArbiter(log),
		downloads:   newRemoteDownloads(ctx, r.cfg.Paths.DownloadDir, r.cfg.Wait.PollInterval, log),
		console:     observability.NewPageConsole(log),
		docRequests: make(map[network.RequestID]string),
	}
}

// setup installs the socket binding, the persona and download handling.
func (w *RemoteWindow) setup(ctx context.Context) error {
	dir, err := filepath.Abs(w.r.cfg.Paths.DownloadDir)
	if err != nil {
		return fmt.Errorf("failed to resolve download directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	w.downloads.dir = dir

	chromedp.ListenTarget(w.ctx, w.onTargetEvent)

	socketShim := shim.SocketShim()
	tasks := chromedp.Tasks{
		network.Enable(),
		runtime.Enable(),
		runtime.AddBinding(shim.DefaultTransport),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(socketShim).Do(ctx)
			return err
		}),
		chromedp.Evaluate(socketShim, nil),
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(dir).
			WithEventsEnabled(true),
	}
	tasks = append(tasks, w.r.persona.Tasks(w.logger)...)
	return w.run(ctx, tasks)
}

// run executes actions bounded by both ctx and the tab's lifetime.
func (w *RemoteWindow) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := bridge.CombineContext(w.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// ID returns the target id of the tab.
func (w *RemoteWindow) ID() string { return w.id }

// Name returns window.name as read when the tab was adopted.
func (w *RemoteWindow) Name() string { return w.name }

// Signals is the host end of window.browserSocket.
func (w *RemoteWindow) Signals() *socket.Channel { return w.signals }

// On subscribes to load, load-error and closed.
func (w *RemoteWindow) On(kind bridge.EventKind, fn func(bridge.Event)) func() {
	return w.events.On(kind, fn)
}

// LoadURL navigates the tab and waits for its load event. A navigation the
// browser turned into a download succeeds without loading anything.
func (w *RemoteWindow) LoadURL(ctx context.Context, raw string) error {
	if w.isClosed() {
		return &bridge.ProtocolError{Op: "load url", Err: errWindowClosed}
	}
	u, err := w.resolve(ctx, raw)
	if err != nil {
		return bridge.NewProtocolError("load url", err)
	}
	return w.navigate(ctx, "load url", chromedp.Navigate(u))
}

// Reload reloads the current document.
func (w *RemoteWindow) Reload(ctx context.Context) error {
	if w.isClosed() {
		return &bridge.ProtocolError{Op: "reload", Err: errWindowClosed}
	}
	return w.navigate(ctx, "reload", chromedp.Reload())
}

func (w *RemoteWindow) navigate(ctx context.Context, op string, action chromedp.Action) error {
	errorsBefore := w.loadErrors.Load()
	attachmentsBefore := w.downloads.attachments.Load()

	navCtx, cancel := w.navContext(ctx)
	defer cancel()
	err := w.run(navCtx, action)
	if err == nil {
		return nil
	}
	if w.downloads.attachments.Load() != attachmentsBefore {
		w.logger.Debug("Navigation turned into a download.")
		return nil
	}
	if w.loadErrors.Load() == errorsBefore {
		w.emitLoadError("", err)
	}
	return bridge.NewProtocolError(op, err)
}

func (w *RemoteWindow) navContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := w.r.cfg.Network.NavigationTimeout; timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// resolve makes raw absolute against the current document.
func (w *RemoteWindow) resolve(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL '%s': %w", raw, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	current, err := w.CurrentURL(ctx)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(current)
	if err != nil || base.Scheme == "about" {
		return "", fmt.Errorf("URL '%s' is not absolute", raw)
	}
	return base.ResolveReference(u).String(), nil
}

// CurrentURL returns location.href of the top document.
func (w *RemoteWindow) CurrentURL(ctx context.Context) (string, error) {
	var out string
	if err := w.run(ctx, chromedp.Location(&out)); err != nil {
		return "", w.protocolError("current url", err)
	}
	return out, nil
}

// EvaluateScript runs code in the top document and awaits a returned promise.
func (w *RemoteWindow) EvaluateScript(ctx context.Context, code string) (any, error) {
	var obj *runtime.RemoteObject
	err := w.run(ctx, chromedp.Evaluate(code, &obj, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true)
	}))
	if err != nil {
		var exc *runtime.ExceptionDetails
		if errors.As(err, &exc) {
			return nil, &bridge.ScriptError{Message: exceptionMessage(exc)}
		}
		return nil, w.protocolError("evaluate", err)
	}
	if obj == nil || obj.Type == runtime.TypeUndefined || len(obj.Value) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(obj.Value), &out); err != nil {
		return nil, bridge.NewProtocolError("evaluate", fmt.Errorf("failed to decode result: %w", err))
	}
	return out, nil
}

// exceptionMessage is the string form of a thrown value, without its stack.
func exceptionMessage(exc *runtime.ExceptionDetails) string {
	msg := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		msg = exc.Exception.Description
	}
	if i := strings.Index(msg, "\n    at "); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

// OpenDevTools is only possible for a visible browser launched with browser.devtools,
// which opens the inspector for every tab itself.
func (w *RemoteWindow) OpenDevTools(ctx context.Context) error {
	b := w.r.cfg.Browser
	if b.Headless || !b.DevTools {
		return &bridge.ProtocolError{Op: "open devtools", Err: errors.New("devtools need a headful browser started with browser.devtools")}
	}
	w.logger.Debug("DevTools are open for this tab.")
	return nil
}

// TakeScreenshot captures the viewport as PNG.
func (w *RemoteWindow) TakeScreenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := w.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return w.protocolError("screenshot", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create screenshot directory: %w", err)
		}
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	w.logger.Debug("Saved screenshot.", zap.String("path", path))
	return nil
}

// WaitForDownload arms the download watcher, runs trigger and returns the
// first download the tab reports.
func (w *RemoteWindow) WaitForDownload(ctx context.Context, trigger bridge.Trigger) (*bridge.DownloadResult, error) {
	wait, disarm := w.downloads.Arm()
	defer disarm()
	res, err := bridge.Race(ctx, trigger, wait)
	return res, bridge.WaitError("wait for download", ctx, err)
}

// WaitForDialog arms exp, runs trigger and returns the matched dialog's message.
func (w *RemoteWindow) WaitForDialog(ctx context.Context, exp bridge.DialogExpectation, trigger bridge.Trigger) (string, error) {
	wait, disarm := w.dialogs.Arm(exp)
	defer disarm()
	msg, err := bridge.Race(ctx, trigger, wait)
	return msg, bridge.WaitError("wait for "+string(exp.Kind), ctx, err)
}

// Close closes the tab and emits closed on the window and the browser.
func (w *RemoteWindow) Close(ctx context.Context) error {
	w.release()
	return nil
}

// release tears the window down once, whether we closed the tab or the page did.
func (w *RemoteWindow) release() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		w.cancel()
		w.r.forget(w)
		w.logger.Debug("Window closed.")

		ev := bridge.Event{Kind: bridge.EventClosed, WindowID: w.id}
		w.events.Emit(ev)
		w.r.events.Emit(ev)
	})
}

func (w *RemoteWindow) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *RemoteWindow) protocolError(op string, err error) error {
	if w.isClosed() {
		return &bridge.ProtocolError{Op: op, Err: errWindowClosed}
	}
	return bridge.NewProtocolError(op, err)
}

func (w *RemoteWindow) emitLoadError(address string, err error) {
	if address == "" {
		w.mu.Lock()
		address = w.url
		w.mu.Unlock()
	}
	w.loadErrors.Add(1)
	w.logger.Warn("Navigation failed.", zap.String("url", address), zap.Error(err))
	w.events.Emit(bridge.Event{Kind: bridge.EventLoadError, WindowID: w.id, URL: address, Err: err})
}

// onTargetEvent runs on chromedp's event loop and must not block.
func (w *RemoteWindow) onTargetEvent(ev any) {
	switch ev := ev.(type) {
	case *page.EventFrameNavigated:
		if ev.Frame != nil && ev.Frame.ParentID == "" {
			w.mu.Lock()
			w.url = ev.Frame.URL + ev.Frame.URLFragment
			w.mu.Unlock()
		}
	case *page.EventLoadEventFired:
		w.mu.Lock()
		address := w.url
		w.mu.Unlock()
		w.events.Emit(bridge.Event{Kind: bridge.EventLoad, WindowID: w.id, URL: address})
	case *page.EventJavascriptDialogOpening:
		go w.answerDialog(ev)
	case *runtime.EventBindingCalled:
		if ev.Name != shim.DefaultTransport {
			return
		}
		if err := w.signals.Dispatch(ev.Payload); err != nil {
			w.logger.Warn("Rejected socket payload.", zap.Error(err))
		}
	case *runtime.EventConsoleAPICalled:
		w.console.Log(string(ev.Type), consoleArgs(ev.Args))
	case *network.EventRequestWillBeSent:
		if ev.Type == network.ResourceTypeDocument && ev.FrameID == cdp.FrameID(w.targetID) && ev.Request != nil {
			w.mu.Lock()
			w.docRequests[ev.RequestID] = ev.Request.URL
			w.mu.Unlock()
		}
	case *network.EventResponseReceived:
		w.downloads.onResponse(ev)
	case *network.EventLoadingFinished:
		w.mu.Lock()
		delete(w.docRequests, ev.RequestID)
		w.mu.Unlock()
		w.downloads.onFinished(ev.RequestID)
	case *network.EventLoadingFailed:
		w.mu.Lock()
		address, top := w.docRequests[ev.RequestID]
		delete(w.docRequests, ev.RequestID)
		w.mu.Unlock()
		w.downloads.onFailed(ev.RequestID)
		if top && !ev.Canceled {
			w.emitLoadError(address, fmt.Errorf("navigation to %s failed: %s", address, ev.ErrorText))
		}
	case *cdpbrowser.EventDownloadWillBegin:
		w.downloads.onWillBegin(ev)
	case *cdpbrowser.EventDownloadProgress:
		w.downloads.onProgress(ev)
	}
}

// consoleArgs renders console arguments the way the embedded console does:
// strings as is, other values as JSON, objects by description.
func consoleArgs(args []*runtime.RemoteObject) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case arg == nil:
		case arg.Type == runtime.TypeString:
			var str string
			if err := json.Unmarshal(arg.Value, &str); err == nil {
				out = append(out, str)
				continue
			}
			out = append(out, string(arg.Value))
		case len(arg.Value) > 0:
			out = append(out, string(arg.Value))
		case arg.Description != "":
			out = append(out, arg.Description)
		default:
			out = append(out, string(arg.Type))
		}
	}
	return out
}

// answerDialog consults the arbiter and answers the dialog exactly once.
func (w *RemoteWindow) answerDialog(ev *page.EventJavascriptDialogOpening) {
	accept := true
	switch ev.Type {
	case page.DialogTypeAlert, page.DialogTypeConfirm, page.DialogTypePrompt:
		accept = w.dialogs.Answer(bridge.DialogKind(ev.Type), ev.Message)
	default:
		w.logger.Debug("Accepting dialog.", zap.String("type", string(ev.Type)))
	}
	if err := chromedp.Run(w.ctx, page.HandleJavaScriptDialog(accept)); err != nil {
		w.logger.Warn("Failed to answer dialog.", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
