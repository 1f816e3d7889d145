// internal/page/waits.go
package page

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/config"
	"github.com/xkilldash9x/pagewalker/internal/query"
)

// ConfirmOptions describes the confirm dialog a wait expects. An empty
// Message matches any text. IsClickOK picks OK over Cancel.
type ConfirmOptions struct {
	Message   string
	IsClickOK bool
}

// AlertOptions describes the alert a wait expects.
type AlertOptions struct {
	Message string
}

var errNoWindowWatcher = errors.New("page has no window watcher")

// Load navigates the window and waits for the new document's load.
func (p *Page) Load(ctx context.Context, url string) error {
	return p.WaitForPageLoad(ctx, func(ctx context.Context) error {
		if p.framed() {
			_, err := p.win.EvaluateScript(ctx, fmt.Sprintf("(%s).location.href = %s", p.windowExpr(), query.Quote(url)))
			return err
		}
		return p.win.LoadURL(ctx, url)
	})
}

// Reload reloads the window and waits for the load.
func (p *Page) Reload(ctx context.Context) error {
	return p.WaitForPageLoad(ctx, p.win.Reload)
}

// WaitLoading loads url when it is set and otherwise waits for the load
// action causes.
func (p *Page) WaitLoading(ctx context.Context, url string, action Action) error {
	if url != "" {
		return p.Load(ctx, url)
	}
	return p.WaitForPageLoad(ctx, action)
}

// WaitForPageLoad waits for the next load of the page's document. In a frame
// it watches the frame element, so a navigation that replaces the frame's
// window is still seen.
func (p *Page) WaitForPageLoad(ctx context.Context, action Action) error {
	if p.framed() {
		_, err := p.signalWait(ctx, "WaitForPageLoad", ChannelIframeLoad,
			armFrameLoadScript(p.windowExpr()), disarmFrameLoadScript(p.windowExpr()), action)
		return err
	}
	_, err := coordinate(ctx, p, "WaitForPageLoad", func(context.Context) (func(context.Context) (struct{}, error), func(context.Context), error) {
		done := make(chan error, 1)
		deliver := func(err error) {
			select {
			case done <- err:
			default:
			}
		}
		offLoad := p.win.On(bridge.EventLoad, func(bridge.Event) { deliver(nil) })
		offErr := p.win.On(bridge.EventLoadError, func(ev bridge.Event) {
			deliver(&bridge.ProtocolError{Op: "load " + ev.URL, Err: ev.Err})
		})
		wait := func(ctx context.Context) (struct{}, error) {
			select {
			case err := <-done:
				return struct{}{}, err
			case <-ctx.Done():
				return struct{}{}, ctx.Err()
			}
		}
		disarm := func(context.Context) {
			offLoad()
			offErr()
		}
		return wait, disarm, nil
	}, action)
	return err
}

// WaitForAjaxDone waits for the first XMLHttpRequest opened after arming to
// complete.
func (p *Page) WaitForAjaxDone(ctx context.Context, action Action) error {
	_, err := p.signalWait(ctx, "WaitForAjaxDone", ChannelAjaxDone,
		armAjaxScript(p.windowExpr()), disarmAjaxScript(p.windowExpr()), action)
	return err
}

// ClickAndWaitLoading clicks the first match of f and waits for the page
// load the click causes.
func (p *Page) ClickAndWaitLoading(ctx context.Context, f *query.Finder) error {
	return p.WaitForPageLoad(ctx, f.Click)
}

// ClickAndWaitAjaxDone clicks the first match of f and waits for the
// XMLHttpRequest the click starts.
func (p *Page) ClickAndWaitAjaxDone(ctx context.Context, f *query.Finder) error {
	return p.WaitForAjaxDone(ctx, f.Click)
}

// WaitForSelector waits until css matches in the page's context.
func (p *Page) WaitForSelector(ctx context.Context, css string, action Action) error {
	return p.WaitForFinder(ctx, p.Find(css), action)
}

// WaitForFinder waits until f matches at least one node. A match present
// when the wait is armed resolves it at once.
func (p *Page) WaitForFinder(ctx context.Context, f *query.Finder, action Action) error {
	_, err := coordinate(ctx, p, "WaitForFinder", func(ctx context.Context) (func(context.Context) (struct{}, error), func(context.Context), error) {
		token := uuid.NewString()
		script, err := armObserverScript(f.Query(), token)
		if err != nil {
			return nil, nil, err
		}
		found := make(chan struct{}, 1)
		signals := p.win.Signals()
		off := signals.On(ChannelSelectorFound, func(args []any) {
			if len(args) == 0 || args[0] != token {
				return
			}
			select {
			case found <- struct{}{}:
			default:
			}
		})
		if _, err := p.win.EvaluateScript(ctx, script); err != nil {
			off()
			return nil, nil, err
		}
		wait := func(ctx context.Context) (struct{}, error) {
			select {
			case <-found:
				return struct{}{}, nil
			case <-ctx.Done():
				return struct{}{}, ctx.Err()
			}
		}
		disarm := func(ctx context.Context) {
			off()
			p.evalCleanup(ctx, "selector", disarmObserverScript(token))
		}
		return wait, disarm, nil
	}, action)
	return err
}

// WaitForSignal waits for a browserSocket message on channel and returns its
// arguments.
func (p *Page) WaitForSignal(ctx context.Context, channel string, action Action) ([]any, error) {
	return p.signalWait(ctx, "WaitForSignal", channel, "", "", action)
}

// signalWait is WaitForSignal with page-side setup and teardown
// scripts run around the wait. Either script may be empty.
func (p *Page) signalWait(ctx context.Context, op, channel, setup, teardown string, action Action) ([]any, error) {
	return coordinate(ctx, p, op, func(ctx context.Context) (func(context.Context) ([]any, error), func(context.Context), error) {
		wait, cancel := p.win.Signals().Listen(channel)
		if setup != "" {
			if _, err := p.win.EvaluateScript(ctx, setup); err != nil {
				cancel()
				return nil, nil, err
			}
		}
		disarm := func(ctx context.Context) {
			cancel()
			if teardown != "" {
				p.evalCleanup(ctx, channel, teardown)
			}
		}
		return wait, disarm, nil
	}, action)
}

// WaitForNewWindow waits for action to open a window and returns it.
func (p *Page) WaitForNewWindow(ctx context.Context, action Action) (WindowHandle, error) {
	if p.windows == nil {
		return nil, errNoWindowWatcher
	}
	return coordinate(ctx, p, "WaitForNewWindow", func(context.Context) (func(context.Context) (WindowHandle, error), func(context.Context), error) {
		wait, cancel := p.windows.ExpectWindow()
		return wait, func(context.Context) { cancel() }, nil
	}, action)
}

// WaitForDownload waits for action to start a download and for it to finish.
func (p *Page) WaitForDownload(ctx context.Context, action Action) (*bridge.DownloadResult, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	res, err := p.win.WaitForDownload(ctx, action)
	if err != nil {
		return nil, p.waitError("WaitForDownload", ctx, err)
	}
	return res, nil
}

// WaitForConfirm answers the confirm dialog action raises and returns its message.
func (p *Page) WaitForConfirm(ctx context.Context, opts ConfirmOptions, action Action) (string, error) {
	return p.waitForDialog(ctx, "WaitForConfirm", bridge.DialogExpectation{
		Kind:    bridge.DialogConfirm,
		Message: opts.Message,
		Accept:  opts.IsClickOK,
	}, action)
}

// WaitForAlert acknowledges the alert action raises and returns its message.
func (p *Page) WaitForAlert(ctx context.Context, opts AlertOptions, action Action) (string, error) {
	return p.waitForDialog(ctx, "WaitForAlert", bridge.DialogExpectation{
		Kind:    bridge.DialogAlert,
		Message: opts.Message,
		Accept:  true,
	}, action)
}

func (p *Page) waitForDialog(ctx context.Context, op string, exp bridge.DialogExpectation, action Action) (string, error) {
	exp.Policy = bridge.MismatchKeepWaiting
	if p.wait.DialogMismatch == config.DialogMismatchFail {
		exp.Policy = bridge.MismatchFail
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	msg, err := p.win.WaitForDialog(ctx, exp, action)
	if err != nil {
		return "", p.waitError(op, ctx, err)
	}
	return msg, nil
}
