// internal/browser/remote.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/browser/persona"
	"github.com/xkilldash9x/pagewalker/internal/config"
)

const (
	windowCloseTimeout  = 10 * time.Second
	shutdownGracePeriod = 15 * time.Second
)

// Remote drives a Chrome process over the DevTools protocol. Every window is
// a tab of that process.
type Remote struct {
	cfg     *config.Config
	logger  *zap.Logger
	persona persona.Persona

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	events bridge.Emitter

	// defaultMu serializes creation of the default window.
	defaultMu sync.Mutex

	mu      sync.Mutex
	windows map[target.ID]*RemoteWindow
	seen    map[target.ID]bool
	primary *RemoteWindow
	closed  bool
}

var _ bridge.Bridge = (*Remote)(nil)

// NewRemote launches Chrome with options derived from cfg and starts
// listening for tabs the pages open.
func NewRemote(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Remote, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("browser").With(zap.String("mode", "remote"))

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, DefaultAllocatorOptions(cfg.Browser, cfg.Network)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(log.Sugar().Debugf),
		chromedp.WithErrorf(log.Sugar().Errorf),
	)

	r := &Remote{
		cfg:           cfg,
		logger:        log,
		persona:       persona.FromConfig(cfg.Browser, cfg.Network),
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		windows:       make(map[target.ID]*RemoteWindow),
		seen:          make(map[target.ID]bool),
	}

	// Starts the process and its first tab.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	chromedp.ListenBrowser(browserCtx, r.onBrowserEvent)
	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, c.Browser))
	})); err != nil {
		r.shutdown()
		return nil, fmt.Errorf("failed to enable target discovery: %w", err)
	}

	log.Info("Remote browser started.")
	return r, nil
}

// DefaultWindow returns the first window, opening a tab on first use.
func (r *Remote) DefaultWindow(ctx context.Context) (bridge.Window, error) {
	r.defaultMu.Lock()
	defer r.defaultMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &bridge.ProtocolError{Op: "default window", Err: errBrowserClosed}
	}
	if w := r.primary; w != nil && !w.isClosed() {
		r.mu.Unlock()
		return w, nil
	}
	r.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(r.browserCtx)
	if err := r.runInit(ctx, tabCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, bridge.NewProtocolError("default window", err)
	}
	w, err := r.attach(ctx, tabCtx, cancel, "")
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.primary = w
	r.mu.Unlock()
	return w, nil
}

// On subscribes to new-window and closed.
func (r *Remote) On(kind bridge.EventKind, fn func(bridge.Event)) func() {
	return r.events.On(kind, fn)
}

// Close closes every tab concurrently, then stops the browser process.
func (r *Remote) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	windows := make([]*RemoteWindow, 0, len(r.windows))
	for _, w := range r.windows {
		windows = append(windows, w)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range windows {
		wg.Add(1)
		go func(w *RemoteWindow) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(ctx, windowCloseTimeout)
			defer cancel()
			if err := w.Close(closeCtx); err != nil {
				r.logger.Warn("Error closing window during shutdown.", zap.String("window_id", w.id), zap.Error(err))
			}
		}(w)
	}
	wg.Wait()

	err := r.shutdown()
	r.logger.Info("Remote browser closed.")
	return err
}

// shutdown waits for the browser process to exit, within the grace period.
func (r *Remote) shutdown() error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(r.browserCtx) }()

	var err error
	select {
	case err = <-done:
		if err == context.Canceled {
			err = nil
		}
	case <-time.After(shutdownGracePeriod):
		r.logger.Warn("Browser shutdown timed out, proceeding forcefully.", zap.Duration("grace", shutdownGracePeriod))
	}
	r.browserCancel()
	r.allocCancel()
	return err
}

// runInit runs actions on a tab that has not been attached yet. ctx bounds
// the call only; the tab lives as long as tabCtx.
func (r *Remote) runInit(ctx, tabCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := bridge.CombineContext(tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// attach configures a freshly connected tab and registers it.
func (r *Remote) attach(ctx, tabCtx context.Context, cancel context.CancelFunc, name string) (*RemoteWindow, error) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		cancel()
		return nil, &bridge.ProtocolError{Op: "attach", Err: fmt.Errorf("tab has no target")}
	}
	id := c.Target.TargetID
	w := newRemoteWindow(r, tabCtx, cancel, id, name)
	if err := w.setup(ctx); err != nil {
		cancel()
		return nil, bridge.NewProtocolError("attach", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, &bridge.ProtocolError{Op: "attach", Err: errBrowserClosed}
	}
	r.seen[id] = true
	r.windows[id] = w
	r.mu.Unlock()
	w.logger.Debug("Window attached.", zap.String("name", name))
	return w, nil
}

// onBrowserEvent runs on chromedp's event loop and must not block.
func (r *Remote) onBrowserEvent(ev any) {
	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		info := ev.TargetInfo
		if info == nil || info.Type != "page" || info.OpenerID == "" {
			return
		}
		r.mu.Lock()
		if r.closed || r.seen[info.TargetID] {
			r.mu.Unlock()
			return
		}
		r.seen[info.TargetID] = true
		r.mu.Unlock()
		go r.attachPopup(info)
	case *target.EventTargetDestroyed:
		go r.targetGone(ev.TargetID)
	}
}

// attachPopup adopts a tab a page opened and announces it with new-window.
func (r *Remote) attachPopup(info *target.Info) {
	tabCtx, cancel := chromedp.NewContext(r.browserCtx, chromedp.WithTargetID(info.TargetID))
	ctx, cancelInit := context.WithTimeout(r.browserCtx, windowCloseTimeout)
	defer cancelInit()

	var name string
	if err := r.runInit(ctx, tabCtx, chromedp.Evaluate(`window.name`, &name)); err != nil {
		cancel()
		r.logger.Warn("Failed to attach popup.", zap.String("target_id", string(info.TargetID)), zap.Error(err))
		return
	}
	w, err := r.attach(ctx, tabCtx, cancel, name)
	if err != nil {
		r.logger.Warn("Failed to attach popup.", zap.String("target_id", string(info.TargetID)), zap.Error(err))
		return
	}
	r.events.Emit(bridge.Event{Kind: bridge.EventNewWindow, WindowID: w.id, Window: w, URL: info.URL})
}

// targetGone handles a tab that closed underneath us.
func (r *Remote) targetGone(id target.ID) {
	r.mu.Lock()
	w := r.windows[id]
	r.mu.Unlock()
	if w != nil {
		w.release()
	}
}

// forget drops a closed window.
func (r *Remote) forget(w *RemoteWindow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, w.targetID)
	if r.primary == w {
		r.primary = nil
	}
}
