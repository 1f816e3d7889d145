// internal/browser/session/loader.go
package session

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pagewalker/internal/browser/jsbind"
	"github.com/xkilldash9x/pagewalker/internal/browser/network"
)

const (
	// maxDocumentBody caps a document or script read into memory.
	maxDocumentBody = 16 << 20
	// subresourceConcurrency bounds parallel script and frame fetches per document.
	subresourceConcurrency = 4
)

// errDownloaded reports that a navigation response was saved as a download
// instead of replacing the document.
var errDownloaded = errors.New("response handled as a download")

// blankDocument is about:blank.
func blankDocument() *jsbind.Source {
	root, _ := xhtml.Parse(strings.NewReader(""))
	return &jsbind.Source{URL: &url.URL{Scheme: "about", Opaque: "blank"}, Root: root}
}

// fetchSource loads the document at req together with its external scripts
// and, up to the configured depth, its frames. depth is the frame nesting
// level of the document being loaded.
func (w *Window) fetchSource(ctx context.Context, req *http.Request, depth int) (*jsbind.Source, error) {
	if req.URL.Scheme == "about" {
		return blankDocument(), nil
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", req.URL.Scheme)
	}

	resp, err := w.b.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	final := resp.Request.URL
	if h := resp.Header.Get("Content-Disposition"); h != "" {
		d := network.ParseDisposition(h, final.String())
		if d.Attachment {
			w.saveDownload(resp.Body, d)
			return nil, errDownloaded
		}
		w.downloads.Deliver(inlineResult(d), nil)
	}
	if resp.StatusCode >= 400 {
		w.logger.Warn("Document request returned an error status.",
			zap.Int("status", resp.StatusCode), zap.String("url", final.String()))
	}

	root, err := parseDocument(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document from '%s': %w", final, err)
	}
	src := &jsbind.Source{
		URL:      final,
		Root:     root,
		Referrer: req.Header.Get("Referer"),
		Scripts:  make(map[*xhtml.Node]string),
		Frames:   make(map[*xhtml.Node]*jsbind.Source),
	}
	w.loadSubresources(ctx, src, depth)
	return src, nil
}

// parseDocument decodes the body to UTF-8 and parses it. Text that is not
// markup is shown the way browsers show it, inside a pre element.
func parseDocument(resp *http.Response) (*xhtml.Node, error) {
	contentType := resp.Header.Get("Content-Type")
	body, err := charset.NewReader(io.LimitReader(resp.Body, maxDocumentBody), contentType)
	if err != nil {
		return nil, err
	}
	if isMarkup(contentType) {
		return xhtml.Parse(body)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return xhtml.Parse(strings.NewReader("<html><head></head><body><pre>" + html.EscapeString(string(data)) + "</pre></body></html>"))
}

func isMarkup(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return true
	}
	return false
}

// loadSubresources fetches the external scripts and frames of src concurrently.
// A failed fetch leaves the script unrun or the frame blank.
func (w *Window) loadSubresources(ctx context.Context, src *jsbind.Source, depth int) {
	doc := goquery.NewDocumentFromNode(src.Root)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(subresourceConcurrency)

	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		ref, _ := s.Attr("src")
		u, err := src.URL.Parse(strings.TrimSpace(ref))
		if err != nil {
			w.logger.Debug("Skipping script with an invalid src.", zap.String("src", ref))
			return
		}
		g.Go(func() error {
			code, err := w.fetchScript(gctx, u, src.URL)
			if err != nil {
				w.logger.Warn("Failed to fetch script.", zap.String("url", u.String()), zap.Error(err))
				return nil
			}
			mu.Lock()
			src.Scripts[node] = code
			mu.Unlock()
			return nil
		})
	})

	maxDepth := w.b.cfg.Browser.MaxFrameDepth
	doc.Find("iframe[src]").Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		ref, _ := s.Attr("src")
		ref = strings.TrimSpace(ref)
		if ref == "" || ref == "about:blank" {
			return
		}
		if depth+1 > maxDepth {
			w.logger.Debug("Frame nesting limit reached.", zap.String("src", ref), zap.Int("depth", depth+1))
			return
		}
		u, err := src.URL.Parse(ref)
		if err != nil {
			w.logger.Debug("Skipping iframe with an invalid src.", zap.String("src", ref))
			return
		}
		g.Go(func() error {
			req, err := w.b.newNavigationRequest(gctx, jsbind.Navigation{Method: http.MethodGet, URL: u, Referrer: src.URL.String()})
			if err != nil {
				return nil
			}
			child, err := w.fetchSource(gctx, req, depth+1)
			if err != nil {
				if !errors.Is(err, errDownloaded) {
					w.logger.Warn("Failed to load frame.", zap.String("url", u.String()), zap.Error(err))
				}
				return nil
			}
			mu.Lock()
			src.Frames[node] = child
			mu.Unlock()
			return nil
		})
	})
	_ = g.Wait()
}

func (w *Window) fetchScript(ctx context.Context, u, referrer *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	w.b.persona.ApplyHeaders(req.Header)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Referer", referrer.String())

	resp, err := w.b.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := charset.NewReader(io.LimitReader(resp.Body, maxDocumentBody), resp.Header.Get("Content-Type"))
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
