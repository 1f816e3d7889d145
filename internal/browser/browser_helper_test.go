// internal/browser/browser_helper_test.go
package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/config"
)

var (
	// globalProcessSemaphore limits concurrent browser processes across the package's tests.
	globalProcessSemaphore     *semaphore.Weighted
	globalProcessSemaphoreOnce sync.Once
)

const (
	maxTestConcurrency        = 2
	defaultBrowserTestTimeout = 120 * time.Second
	semaphoreAcquireTimeout   = 10 * time.Second
	shutdownTimeout           = 15 * time.Second
)

func getGlobalProcessSemaphore() *semaphore.Weighted {
	globalProcessSemaphoreOnce.Do(func() {
		concurrency := int64(runtime.GOMAXPROCS(0))
		if concurrency > maxTestConcurrency {
			concurrency = maxTestConcurrency
		}
		if concurrency < 1 {
			concurrency = 1
		}
		globalProcessSemaphore = semaphore.NewWeighted(concurrency)
	})
	return globalProcessSemaphore
}

// findChrome returns a Chrome binary, honoring PAGEWALKER_BROWSER_EXEC_PATH.
func findChrome() string {
	if p := os.Getenv("PAGEWALKER_BROWSER_EXEC_PATH"); p != "" {
		return p
	}
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

// remoteFixture is one Chrome process with its default window.
type remoteFixture struct {
	Config *config.Config
	Remote *Remote
	Window bridge.Window
	Logger *zap.Logger
	Ctx    context.Context
}

type fixtureConfigurator func(*config.Config)

// newRemoteFixture starts Chrome for a test, or skips the test when no
// binary is installed.
func newRemoteFixture(t *testing.T, configurators ...fixtureConfigurator) *remoteFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("remote browser tests are skipped in -short mode")
	}
	chrome := findChrome()
	if chrome == "" {
		t.Skip("no Chrome binary found")
	}

	logger := zaptest.NewLogger(t).With(zap.String("test", t.Name()))

	deadline, ok := t.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultBrowserTestTimeout)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline.Add(-time.Second))
	t.Cleanup(cancel)

	cfg := config.NewDefaultConfig()
	cfg.Browser.Backend = config.BackendRemote
	cfg.Browser.Headless = true
	cfg.Browser.ExecPath = chrome
	cfg.Browser.UserDataDir = t.TempDir()
	cfg.Network.IgnoreTLSErrors = true
	cfg.Network.NavigationTimeout = 30 * time.Second
	cfg.Paths.DownloadDir = t.TempDir()
	for _, c := range configurators {
		c(cfg)
	}

	sem := getGlobalProcessSemaphore()
	acquireCtx, acquireCancel := context.WithTimeout(ctx, semaphoreAcquireTimeout)
	err := sem.Acquire(acquireCtx, 1)
	acquireCancel()
	if err != nil {
		t.Fatalf("Failed to acquire browser semaphore: %v", err)
	}
	t.Cleanup(func() { sem.Release(1) })

	r, err := NewRemote(ctx, cfg, logger)
	require.NoError(t, err, "failed to start Chrome at %s", chrome)
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := r.Close(shutdownCtx); err != nil {
			t.Logf("Warning: error during browser shutdown: %v", err)
		}
	})

	w, err := r.DefaultWindow(ctx)
	require.NoError(t, err)

	return &remoteFixture{Config: cfg, Remote: r, Window: w, Logger: logger, Ctx: ctx}
}

// createTestServer starts a server that lives as long as the test.
func createTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}
