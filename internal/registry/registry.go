// internal/registry/registry.go
//
// Package registry tracks the windows of one browser and hands each of them
// out as a Page. It is an ordinary value owned by whoever drives the browser.
package registry

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/config"
	"github.com/xkilldash9x/pagewalker/internal/page"
)

var errClosed = errors.New("registry is closed")

// PageFactory builds the Page for a window. windows lets the page wait for
// the windows it opens.
type PageFactory func(win bridge.Window, windows page.WindowWatcher) *page.Page

// DefaultPageFactory builds pages with the wait and path settings of cfg.
func DefaultPageFactory(cfg *config.Config, logger *zap.Logger) PageFactory {
	return func(win bridge.Window, windows page.WindowWatcher) *page.Page {
		return page.New(win, page.Options{
			Wait:    cfg.Wait,
			Paths:   cfg.Paths,
			Windows: windows,
			Logger:  logger,
		})
	}
}

// Handle is a tracked window.
type Handle struct {
	win  bridge.Window
	reg  *Registry
	once sync.Once
	page *page.Page
}

var _ page.WindowHandle = (*Handle)(nil)

func (h *Handle) ID() string            { return h.win.ID() }
func (h *Handle) Window() bridge.Window { return h.win }

// Page returns the window's page, building it on first use.
func (h *Handle) Page() *page.Page {
	h.once.Do(func() { h.page = h.reg.factory(h.win, h.reg) })
	return h.page
}

// expectation is a caller waiting for the next window.
type expectation struct {
	ch chan *Handle
}

// Registry maps window ids to handles and pairs windows a page opens with
// the waits expecting them, in whichever order the two arrive.
type Registry struct {
	b       bridge.Bridge
	factory PageFactory
	logger  *zap.Logger

	// defaultMu serializes creation of the default handle.
	defaultMu sync.Mutex

	mu      sync.Mutex
	handles map[string]*Handle
	order   []string
	primary *Handle
	pending []*Handle
	waiters []*expectation
	offs    []func()
	done    chan struct{}
	closed  bool
}

var _ page.WindowWatcher = (*Registry)(nil)

// New subscribes to b's window events.
func New(b bridge.Bridge, factory PageFactory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		b:       b,
		factory: factory,
		logger:  logger.Named("registry"),
		handles: make(map[string]*Handle),
		done:    make(chan struct{}),
	}
	r.offs = []func(){
		b.On(bridge.EventNewWindow, r.onNewWindow),
		b.On(bridge.EventClosed, r.onClosed),
	}
	return r
}

// Default returns the handle of the browser's first window, opening it on
// first access.
func (r *Registry) Default(ctx context.Context) (*Handle, error) {
	r.defaultMu.Lock()
	defer r.defaultMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errClosed
	}
	if h := r.primary; h != nil {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	win, err := r.b.DefaultWindow(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.trackLocked(win)
	r.primary = h
	return h, nil
}

// Get looks a handle up by window id.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Handles lists the open windows in the order they appeared.
func (r *Registry) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handles[id])
	}
	return out
}

// ExpectWindow registers interest in the next new window. A window that
// opened before anyone expected it is handed to the first expectation.
func (r *Registry) ExpectWindow() (wait func(ctx context.Context) (page.WindowHandle, error), cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp := &expectation{ch: make(chan *Handle, 1)}
	if len(r.pending) > 0 {
		exp.ch <- r.pending[0]
		r.pending = r.pending[1:]
	} else if !r.closed {
		r.waiters = append(r.waiters, exp)
	}

	wait = func(ctx context.Context) (page.WindowHandle, error) {
		select {
		case h := <-exp.ch:
			return h, nil
		case <-r.done:
			return nil, errClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cancel = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, w := range r.waiters {
			if w == exp {
				r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
				return
			}
		}
		// Delivered but never consumed: the window goes back to the queue.
		select {
		case h := <-exp.ch:
			if _, open := r.handles[h.ID()]; open {
				r.pending = append([]*Handle{h}, r.pending...)
			}
		default:
		}
	}
	return wait, cancel
}

// Close stops tracking. Outstanding expectations fail. The windows and the
// bridge stay open; they belong to the caller.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	offs := r.offs
	r.offs = nil
	r.waiters = nil
	r.pending = nil
	close(r.done)
	r.mu.Unlock()

	for _, off := range offs {
		off()
	}
	r.logger.Debug("Registry closed.")
}

func (r *Registry) onNewWindow(ev bridge.Event) {
	if ev.Window == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	h := r.trackLocked(ev.Window)
	r.logger.Debug("Window opened.", zap.String("window_id", h.ID()), zap.String("url", ev.URL))
	if len(r.waiters) > 0 {
		exp := r.waiters[0]
		r.waiters = r.waiters[1:]
		exp.ch <- h
		return
	}
	r.pending = append(r.pending, h)
}

func (r *Registry) onClosed(ev bridge.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[ev.WindowID]; !ok {
		return
	}
	delete(r.handles, ev.WindowID)
	for i, id := range r.order {
		if id == ev.WindowID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for i, h := range r.pending {
		if h.ID() == ev.WindowID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	if r.primary != nil && r.primary.ID() == ev.WindowID {
		r.primary = nil
	}
	r.logger.Debug("Window closed.", zap.String("window_id", ev.WindowID))
}

// trackLocked returns the handle for win, creating it if needed.
func (r *Registry) trackLocked(win bridge.Window) *Handle {
	if h, ok := r.handles[win.ID()]; ok {
		return h
	}
	h := &Handle{win: win, reg: r}
	r.handles[win.ID()] = h
	r.order = append(r.order, win.ID())
	return h
}
