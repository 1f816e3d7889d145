// internal/browser/session/fetch.go
package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/jsbind"
)

// maxRedirects bounds every redirect chain, for documents and page requests alike.
const maxRedirects = 10

// newNavigationRequest builds the first request of a document load.
func (b *Bridge) newNavigationRequest(ctx context.Context, nav jsbind.Navigation) (*http.Request, error) {
	method := nav.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if nav.Body != "" {
		body = strings.NewReader(nav.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, nav.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for '%s': %w", nav.URL, err)
	}
	b.persona.ApplyHeaders(req.Header)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if nav.ContentType != "" {
		req.Header.Set("Content-Type", nav.ContentType)
	}
	if nav.Referrer != "" && isHTTP(nav.Referrer) {
		req.Header.Set("Referer", nav.Referrer)
	}
	return req, nil
}

// do sends req and follows redirects itself, so every hop carries the
// persona headers and a Referer. The returned response's Request is the
// last hop.
func (b *Bridge) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	current := req
	for i := 0; i <= maxRedirects; i++ {
		b.logger.Debug("Executing request",
			zap.String("method", current.Method), zap.String("url", current.URL.String()))

		resp, err := b.client.Do(current)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if !isRedirect(resp.StatusCode) || resp.Header.Get("Location") == "" {
			return resp, nil
		}

		next, err := b.handleRedirect(ctx, resp, current)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to handle redirect: %w", err)
		}
		current = next
	}
	return nil, fmt.Errorf("maximum number of redirects (%d) exceeded", maxRedirects)
}

// handleRedirect prepares the request for the Location of resp.
func (b *Bridge) handleRedirect(ctx context.Context, resp *http.Response, prev *http.Request) (*http.Request, error) {
	location := resp.Header.Get("Location")
	next, err := prev.URL.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redirect Location '%s': %w", location, err)
	}

	method := prev.Method
	var body io.ReadCloser
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		// POST becomes GET and drops its body; HEAD stays HEAD.
		if method != http.MethodHead {
			method = http.MethodGet
		}
	default:
		if prev.GetBody != nil {
			if body, err = prev.GetBody(); err != nil {
				return nil, fmt.Errorf("failed to get body for redirect reuse: %w", err)
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, next.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range prev.Header {
		if method != prev.Method && strings.EqualFold(k, "Content-Type") {
			continue
		}
		req.Header[k] = append([]string(nil), v...)
	}
	req.GetBody = nil
	if body != nil {
		req.GetBody = prev.GetBody
		req.ContentLength = prev.ContentLength
	}
	req.Header.Set("Referer", prev.URL.String())
	return req, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isHTTP(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}
