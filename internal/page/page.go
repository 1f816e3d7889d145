// internal/page/page.go
//
// Package page pairs a browser window with the waits that make automation
// deterministic: every wait is armed before the action that should satisfy
// it runs, and is torn down on every exit path.
package page

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/config"
	"github.com/xkilldash9x/pagewalker/internal/query"
)

const (
	defaultTimeout = 5 * time.Second
	// cleanupTimeout bounds the page-side teardown that runs after a wait ends.
	cleanupTimeout = 2 * time.Second
	// autoScreenshotLayout yields names like 20261019_142501_123.png.
	autoScreenshotLayout = "20060102_150405_000"
)

// Action is the caller-supplied step a wait races against.
type Action = bridge.Trigger

// WindowHandle is a window tracked by a registry.
type WindowHandle interface {
	ID() string
	Window() bridge.Window
	Page() *Page
}

// WindowWatcher hands out expectations for windows a page is about to open.
// The window may appear before or after the expectation is taken.
type WindowWatcher interface {
	ExpectWindow() (wait func(ctx context.Context) (WindowHandle, error), cancel func())
}

// Options configures a Page.
type Options struct {
	Wait    config.WaitConfig
	Paths   config.PathsConfig
	Windows WindowWatcher
	Logger  *zap.Logger
}

// Page is a window, or a frame inside one, with wait coordination. Pages
// derived with InIframe share the window but evaluate in the frame.
type Page struct {
	win     bridge.Window
	scope   query.Query
	wait    config.WaitConfig
	paths   config.PathsConfig
	windows WindowWatcher
	logger  *zap.Logger
	timeout time.Duration
}

// New wraps win.
func New(win bridge.Window, opts Options) *Page {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Wait.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Page{
		win:     win,
		wait:    opts.Wait,
		paths:   opts.Paths,
		windows: opts.Windows,
		logger:  logger.Named("page").With(zap.String("window_id", win.ID())),
		timeout: timeout,
	}
}

// Window returns the underlying window.
func (p *Page) Window() bridge.Window { return p.win }

// Timeout is the budget each wait gets.
func (p *Page) Timeout() time.Duration { return p.timeout }

// Context returns the window expression the page evaluates in. It is empty
// for the top document.
func (p *Page) Context() string { return p.scope.Context() }

func (p *Page) framed() bool { return p.scope.Context() != "" }

func (p *Page) windowExpr() string {
	if p.framed() {
		return p.scope.Context()
	}
	return "window"
}

// Find starts a query in the page's context. With no argument it selects
// every element.
func (p *Page) Find(args ...string) *query.Finder {
	q := p.scope
	for _, arg := range args {
		q = q.Find(arg)
	}
	return query.NewFinder(p.win, q)
}

// FindClickable selects the elements a user could click.
func (p *Page) FindClickable() *query.Finder {
	return p.Find().IsClickable()
}

// InIframe returns a page scoped to the content window of the first element
// frame matches. Frames nest: p.InIframe(a).InIframe(p2.Find("iframe")).
func (p *Page) InIframe(frame *query.Finder) *Page {
	child := *p
	child.scope = p.scope.InIframe(frame.Query())
	child.logger = p.logger.With(zap.String("frame", frame.Query().String()))
	return &child
}

// ExecuteJS evaluates code in the page's context and returns its value.
func (p *Page) ExecuteJS(ctx context.Context, code string) (any, error) {
	if p.framed() {
		code = frameEvalScript(p.windowExpr(), code)
	}
	return p.win.EvaluateScript(ctx, code)
}

// SourceHTML returns the outer HTML of the context's root element.
func (p *Page) SourceHTML(ctx context.Context) (string, error) {
	v, err := p.win.EvaluateScript(ctx, sourceHTMLScript(p.windowExpr()))
	if err != nil {
		return "", err
	}
	return query.AsString(v), nil
}

// CurrentURL returns the window's URL.
func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	return p.win.CurrentURL(ctx)
}

// OpenDevTools opens the backend's inspector, where it has one.
func (p *Page) OpenDevTools(ctx context.Context) error {
	return p.win.OpenDevTools(ctx)
}

// TakeScreenshot captures the window to path and returns where it was
// written. A relative path lands under the screenshots directory.
func (p *Page) TakeScreenshot(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("screenshot path is empty")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.paths.ScreenshotsDir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve screenshot path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	if err := p.win.TakeScreenshot(ctx, abs); err != nil {
		return "", err
	}
	p.logger.Debug("Screenshot saved.", zap.String("path", abs))
	return abs, nil
}

// TakeScreenshotAuto saves a timestamped screenshot when automatic
// screenshots are enabled. It returns "" when they are not.
func (p *Page) TakeScreenshotAuto(ctx context.Context) (string, error) {
	if !p.paths.AutoScreenshot {
		return "", nil
	}
	name := time.Now().Format(autoScreenshotLayout) + ".png"
	return p.TakeScreenshot(ctx, name)
}
