// internal/browser/session/session.go
//
// Package session is the embedded-shell backend: pages are fetched with a Go
// HTTP client, parsed into an x/net/html tree and run in a goja runtime.
// There is no layout or rendering.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/browser/jsbind"
	"github.com/xkilldash9x/pagewalker/internal/browser/network"
	"github.com/xkilldash9x/pagewalker/internal/browser/persona"
	"github.com/xkilldash9x/pagewalker/internal/browser/socket"
	"github.com/xkilldash9x/pagewalker/internal/config"
)

// Bridge owns the windows of one embedded browser. They share a cookie jar
// and connection pool, the way tabs of one browser profile do.
type Bridge struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Config
	logger *zap.Logger

	client  *http.Client
	persona persona.Persona
	events  bridge.Emitter

	// defaultMu serializes creation of the default window.
	defaultMu sync.Mutex

	mu      sync.Mutex
	windows map[string]*Window
	primary *Window
	closed  bool
}

var _ bridge.Bridge = (*Bridge)(nil)

// New creates an embedded browser. No window exists until DefaultWindow is
// called or a page opens one.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Bridge, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("session").With(zap.String("mode", "embedded"))

	netOpts, err := network.OptionsFromConfig(cfg.Network, log.Named("network"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize network stack: %w", err)
	}

	bctx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		ctx:     bctx,
		cancel:  cancel,
		cfg:     cfg,
		logger:  log,
		client:  network.NewClient(netOpts),
		persona: persona.FromConfig(cfg.Browser, cfg.Network),
		windows: make(map[string]*Window),
	}
	log.Info("Embedded browser started.")
	return b, nil
}

// DefaultWindow returns the first window, creating it at about:blank on first use.
func (b *Bridge) DefaultWindow(ctx context.Context) (bridge.Window, error) {
	b.defaultMu.Lock()
	defer b.defaultMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, &bridge.ProtocolError{Op: "default window", Err: errBridgeClosed}
	}
	if w := b.primary; w != nil && !w.isClosed() {
		b.mu.Unlock()
		return w, nil
	}
	b.mu.Unlock()

	w, err := b.openWindow(ctx, "")
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.primary = w
	b.mu.Unlock()
	return w, nil
}

// On subscribes to new-window and closed.
func (b *Bridge) On(kind bridge.EventKind, fn func(bridge.Event)) func() {
	return b.events.On(kind, fn)
}

// Close closes every window and releases idle connections.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	windows := make([]*Window, 0, len(b.windows))
	for _, w := range b.windows {
		windows = append(windows, w)
	}
	b.mu.Unlock()

	for _, w := range windows {
		_ = w.Close(ctx)
	}
	b.cancel()
	b.client.CloseIdleConnections()
	b.logger.Info("Embedded browser closed.")
	return nil
}

// openWindow creates a window showing about:blank and registers it.
func (b *Bridge) openWindow(ctx context.Context, name string) (*Window, error) {
	id := uuid.NewString()
	wctx, cancel := context.WithCancel(b.ctx)
	log := b.logger.With(zap.String("window_id", id))
	w := &Window{
		id:      id,
		name:    name,
		b:       b,
		logger:  log,
		ctx:     wctx,
		cancel:  cancel,
		signals: socket.New(),
		dialogs: bridge.NewDialogArbiter(log),
	}
	if err := w.commit(ctx, w.begin(), blankDocument()); err != nil {
		cancel()
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = w.Close(ctx)
		return nil, &bridge.ProtocolError{Op: "open window", Err: errBridgeClosed}
	}
	b.windows[id] = w
	b.mu.Unlock()
	log.Debug("Window opened.", zap.String("name", name))
	return w, nil
}

// openTarget serves a navigation aimed at a named or new window. A window
// that already carries the name is reused; otherwise a new one is opened and
// announced with new-window before it starts loading.
func (b *Bridge) openTarget(name string, nav jsbind.Navigation) {
	if name != "" {
		if w := b.windowNamed(name); w != nil {
			w.navigateInBackground(nav)
			return
		}
	}
	w, err := b.openWindow(b.ctx, name)
	if err != nil {
		b.logger.Warn("Failed to open window.", zap.String("url", nav.URL.String()), zap.Error(err))
		return
	}
	b.events.Emit(bridge.Event{Kind: bridge.EventNewWindow, WindowID: w.id, Window: w, URL: nav.URL.String()})
	w.navigateInBackground(nav)
}

func (b *Bridge) windowNamed(name string) *Window {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.windows {
		if w.name == name {
			return w
		}
	}
	return nil
}

// forget drops a closed window.
func (b *Bridge) forget(w *Window) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.windows, w.id)
	if b.primary == w {
		b.primary = nil
	}
}
