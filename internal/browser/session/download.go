// internal/browser/session/download.go
package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/browser/network"
)

func inlineResult(d network.Disposition) *bridge.DownloadResult {
	return &bridge.DownloadResult{Filename: d.Filename}
}

// saveDownload streams body into the download directory. The file is written
// under a partial name and renamed once complete.
func (w *Window) saveDownload(body io.Reader, d network.Disposition) {
	logger := w.logger.With(zap.String("filename", d.Filename))
	path, err := writeDownload(w.b.cfg.Paths.DownloadDir, d.Filename, body)
	if err != nil {
		logger.Warn("Download interrupted.", zap.Error(err))
		w.downloads.Deliver(nil, &bridge.DownloadInterruptedError{Filename: d.Filename, Reason: err.Error()})
		return
	}
	logger.Info("Download completed.", zap.String("path", path))
	if !w.downloads.Deliver(&bridge.DownloadResult{Filename: d.Filename, SavedFilePath: path}, nil) {
		logger.Debug("No download waiter armed.")
	}
}

// writeDownload stores body as name inside dir and returns the absolute path
// of the finished file. An existing file is never overwritten.
func writeDownload(dir, name string, body io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	final, err := availablePath(dir, name)
	if err != nil {
		return "", err
	}
	partial := final + bridge.PartialSuffix

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Base(partial), err)
	}
	_, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(partial)
		if copyErr != nil {
			return "", fmt.Errorf("failed to read download body: %w", copyErr)
		}
		return "", fmt.Errorf("failed to write download: %w", closeErr)
	}
	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("failed to finalize download: %w", err)
	}
	return filepath.Abs(final)
}

// availablePath picks name, or "name (n).ext" when name is taken.
func availablePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if _, err := os.Stat(path + bridge.PartialSuffix); os.IsNotExist(err) {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("no free file name for %q in %s", name, dir)
}
