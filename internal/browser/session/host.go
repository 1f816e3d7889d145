// internal/browser/session/host.go
package session

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/browser/jsbind"
)

// host connects the documents of a window to the window and the browser.
// Its methods run on the document's loop and never wait on it.
type host struct {
	w *Window
}

var _ jsbind.Host = (*host)(nil)

// Navigate routes a page-initiated navigation by its target.
func (h *host) Navigate(nav jsbind.Navigation) {
	w := h.w
	if nav.URL == nil {
		return
	}
	if nav.URL.Scheme == "javascript" {
		w.logger.Debug("Ignoring javascript: navigation.")
		return
	}

	switch keyword := strings.ToLower(nav.Target); {
	case keyword == "" || keyword == "_self":
		if nav.From != nil && nav.From.IsFrame() {
			go w.navigateFrame(nav.From, nav)
			return
		}
		w.navigateInBackground(nav)
	case keyword == "_parent":
		if nav.From != nil {
			if parent := nav.From.Parent(); parent != nil && parent.IsFrame() {
				go w.navigateFrame(parent, nav)
				return
			}
		}
		w.navigateInBackground(nav)
	case keyword == "_top":
		w.navigateInBackground(nav)
	case keyword == "_blank":
		go w.b.openTarget("", nav)
	default:
		go w.b.openTarget(nav.Target, nav)
	}
}

// Fetch performs an XMLHttpRequest or fetch request, following redirects.
func (h *host) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return h.w.b.do(ctx, req)
}

// Dialog answers alert, confirm and prompt through the window's arbiter.
func (h *host) Dialog(kind bridge.DialogKind, message string) bool {
	return h.w.dialogs.Answer(kind, message)
}

// Signal delivers a browserSocket payload to the window's channel.
func (h *host) Signal(payload string) error {
	if err := h.w.signals.Dispatch(payload); err != nil {
		h.w.logger.Warn("Rejected socket payload.", zap.Error(err))
		return err
	}
	return nil
}

// Cookies is the browser-wide jar.
func (h *host) Cookies() http.CookieJar {
	return h.w.b.client.Jar
}
