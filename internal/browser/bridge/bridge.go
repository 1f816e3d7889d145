// Package bridge defines the contract every automation backend satisfies.
// Callers above it (query, page, registry) see only Bridge and Window and
// never branch on the backend in use.
package bridge

import (
	"context"

	"github.com/xkilldash9x/pagewalker/internal/browser/socket"
)

// EventKind names a normalized lifecycle event.
type EventKind string

const (
	// EventLoad fires on a window when its top document finished loading.
	EventLoad EventKind = "load"
	// EventLoadError fires on a window when a top-level navigation failed.
	EventLoadError EventKind = "load-error"
	// EventNewWindow fires on the bridge when a page opened another window.
	EventNewWindow EventKind = "new-window"
	// EventClosed fires on both the window and the bridge when a window goes away.
	EventClosed EventKind = "closed"
)

// Event is the payload delivered to lifecycle listeners.
type Event struct {
	Kind     EventKind
	WindowID string
	// Window is set for EventNewWindow.
	Window Window
	URL    string
	Err    error
}

// Trigger is the caller-supplied action a wait races against.
type Trigger func(ctx context.Context) error

// Bridge is a running browser.
type Bridge interface {
	// DefaultWindow returns the first window, creating it on first use.
	DefaultWindow(ctx context.Context) (Window, error)
	// On subscribes to browser-level events (new-window, closed).
	On(kind EventKind, fn func(Event)) (remove func())
	Close(ctx context.Context) error
}

// Window is a single top-level browsing context.
type Window interface {
	ID() string
	Name() string

	LoadURL(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Reload(ctx context.Context) error

	// EvaluateScript runs an expression in the top document and returns its
	// JSON-compatible value. A page-thrown exception yields *ScriptError.
	EvaluateScript(ctx context.Context, code string) (any, error)

	OpenDevTools(ctx context.Context) error
	TakeScreenshot(ctx context.Context, path string) error

	// Signals is the host end of the window.browserSocket channel.
	Signals() *socket.Channel
	// On subscribes to window-level events (load, load-error, closed).
	On(kind EventKind, fn func(Event)) (remove func())

	WaitForDownload(ctx context.Context, trigger Trigger) (*DownloadResult, error)
	WaitForDialog(ctx context.Context, exp DialogExpectation, trigger Trigger) (string, error)

	Close(ctx context.Context) error
}

// DownloadResult describes a finished download. SavedFilePath is empty when
// the response was shown inline rather than saved.
type DownloadResult struct {
	Filename      string
	SavedFilePath string
}
