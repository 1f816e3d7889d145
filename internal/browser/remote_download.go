// internal/browser/remote_download.go
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	browsernet "github.com/xkilldash9x/pagewalker/internal/browser/network"
)

// fallbackTimeout bounds the directory watch behind a single download.
const fallbackTimeout = 2 * time.Minute

// remoteDownloads turns CDP network and download events of one tab into
// download outcomes. browser.EventDownloadProgress is authoritative; the
// directory watch only covers a browser that never reports progress.
type remoteDownloads struct {
	bridge.DownloadWatcher

	ctx          context.Context
	dir          string
	pollInterval time.Duration
	logger       *zap.Logger

	// attachments counts attachment responses, so a navigation can tell
	// that it was aborted in favor of a download.
	attachments atomic.Uint64

	mu           sync.Mutex
	inline       map[network.RequestID]string
	suggested    map[string]string
	before       map[string]struct{}
	stopFallback context.CancelFunc
}

func newRemoteDownloads(ctx context.Context, dir string, poll time.Duration, logger *zap.Logger) *remoteDownloads {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &remoteDownloads{
		ctx:          ctx,
		dir:          dir,
		pollInterval: poll,
		logger:       logger.Named("downloads"),
		inline:       make(map[network.RequestID]string),
		suggested:    make(map[string]string),
	}
}

// onResponse classifies a response by its Content-Disposition header.
func (d *remoteDownloads) onResponse(ev *network.EventResponseReceived) {
	if ev.Response == nil {
		return
	}
	var header string
	for k, v := range ev.Response.Headers {
		if browsernet.IsDispositionHeader(k) {
			header, _ = v.(string)
			break
		}
	}
	if header == "" {
		return
	}
	disp := browsernet.ParseDisposition(header, ev.Response.URL)
	if !disp.Attachment {
		if ev.Type == network.ResourceTypeDocument {
			d.mu.Lock()
			d.inline[ev.RequestID] = disp.Filename
			d.mu.Unlock()
		}
		return
	}
	d.attachments.Add(1)
	d.logger.Debug("Attachment response.", zap.String("url", ev.Response.URL), zap.String("filename", disp.Filename))
	d.startFallback()
}

// onFinished resolves an inline disposition once its body has arrived.
func (d *remoteDownloads) onFinished(id network.RequestID) {
	d.mu.Lock()
	name, ok := d.inline[id]
	delete(d.inline, id)
	d.mu.Unlock()
	if ok {
		d.Deliver(&bridge.DownloadResult{Filename: name}, nil)
	}
}

func (d *remoteDownloads) onFailed(id network.RequestID) {
	d.mu.Lock()
	delete(d.inline, id)
	d.mu.Unlock()
}

func (d *remoteDownloads) onWillBegin(ev *cdpbrowser.EventDownloadWillBegin) {
	d.mu.Lock()
	d.suggested[ev.GUID] = ev.SuggestedFilename
	if d.before == nil {
		d.before, _ = listDir(d.dir)
	}
	d.mu.Unlock()
	d.logger.Debug("Download started.", zap.String("filename", ev.SuggestedFilename), zap.String("url", ev.URL))
}

func (d *remoteDownloads) onProgress(ev *cdpbrowser.EventDownloadProgress) {
	switch ev.State {
	case cdpbrowser.DownloadProgressStateCompleted:
	case cdpbrowser.DownloadProgressStateCanceled:
	default:
		return
	}

	d.mu.Lock()
	name := d.suggested[ev.GUID]
	delete(d.suggested, ev.GUID)
	before := d.before
	d.before = nil
	if d.stopFallback != nil {
		d.stopFallback()
		d.stopFallback = nil
	}
	d.mu.Unlock()

	if ev.State == cdpbrowser.DownloadProgressStateCanceled {
		d.logger.Warn("Download canceled.", zap.String("filename", name))
		d.Deliver(nil, &bridge.DownloadInterruptedError{Filename: name, Reason: "canceled"})
		return
	}

	path := filepath.Join(d.dir, name)
	if _, err := os.Stat(path); err != nil {
		// The browser renamed the file to avoid a clash.
		if found, ok, _ := settled(d.dir, before); ok {
			path = found
		}
	}
	d.logger.Info("Download completed.", zap.String("path", path))
	d.Deliver(&bridge.DownloadResult{Filename: name, SavedFilePath: path}, nil)
}

// startFallback watches the download directory until the attachment settles.
func (d *remoteDownloads) startFallback() {
	before, err := listDir(d.dir)
	if err != nil {
		d.logger.Debug("Download directory unreadable.", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, fallbackTimeout)

	d.mu.Lock()
	if d.stopFallback != nil {
		d.stopFallback()
	}
	d.stopFallback = cancel
	if d.before == nil {
		d.before = before
	}
	d.mu.Unlock()

	go func() {
		defer cancel()
		path, err := awaitSettled(ctx, d.dir, before, d.pollInterval)
		if err != nil {
			return
		}
		if d.Deliver(&bridge.DownloadResult{Filename: filepath.Base(path), SavedFilePath: path}, nil) {
			d.logger.Debug("Download resolved from the directory listing.", zap.String("path", path))
		}
	}()
}

// listDir returns the names in dir. A missing directory is empty.
func listDir(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, err
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names[e.Name()] = struct{}{}
		}
	}
	return names, nil
}

// hasPartial reports whether any name carries the in-progress marker.
func hasPartial(names map[string]struct{}) bool {
	for n := range names {
		if strings.HasSuffix(n, bridge.PartialSuffix) {
			return true
		}
	}
	return false
}

// newFiles returns the finished names in after that are not in before, sorted.
func newFiles(before, after map[string]struct{}) []string {
	var out []string
	for n := range after {
		if _, seen := before[n]; seen || strings.HasSuffix(n, bridge.PartialSuffix) {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// settled reports the path of a new file once no partial marker remains in dir.
func settled(dir string, before map[string]struct{}) (string, bool, error) {
	after, err := listDir(dir)
	if err != nil {
		return "", false, err
	}
	if hasPartial(after) {
		return "", false, nil
	}
	added := newFiles(before, after)
	if len(added) == 0 {
		return "", false, nil
	}
	return filepath.Join(dir, added[0]), true, nil
}

// awaitSettled blocks until settled succeeds or ctx ends. Directory events
// wake it early; listings never run more often than interval.
func awaitSettled(ctx context.Context, dir string, before map[string]struct{}, interval time.Duration) (string, error) {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(dir); err == nil {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
		path, ok, err := settled(dir, before)
		if err != nil {
			return "", fmt.Errorf("failed to list download directory: %w", err)
		}
		if ok {
			return path, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-events:
		case <-errs:
		case <-ticker.C:
		}
	}
}
