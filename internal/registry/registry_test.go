// internal/registry/registry_test.go
package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
	"github.com/xkilldash9x/pagewalker/internal/browser/session"
	"github.com/xkilldash9x/pagewalker/internal/config"
)

const testTimeout = 10 * time.Second

// -- Fakes --

// fakeWindow satisfies bridge.Window; only ID is ever called on it here.
type fakeWindow struct {
	bridge.Window
	id string
}

func (w *fakeWindow) ID() string { return w.id }

type fakeBridge struct {
	events   bridge.Emitter
	defaults int
}

func (b *fakeBridge) DefaultWindow(context.Context) (bridge.Window, error) {
	b.defaults++
	return &fakeWindow{id: "main"}, nil
}

func (b *fakeBridge) On(kind bridge.EventKind, fn func(bridge.Event)) func() {
	return b.events.On(kind, fn)
}

func (b *fakeBridge) Close(context.Context) error { return nil }

func (b *fakeBridge) open(id string) {
	b.events.Emit(bridge.Event{Kind: bridge.EventNewWindow, WindowID: id, Window: &fakeWindow{id: id}})
}

func (b *fakeBridge) close(id string) {
	b.events.Emit(bridge.Event{Kind: bridge.EventClosed, WindowID: id})
}

func newFakeRegistry(t *testing.T) (*Registry, *fakeBridge) {
	t.Helper()
	b := &fakeBridge{}
	cfg := config.NewDefaultConfig()
	r := New(b, DefaultPageFactory(cfg, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	t.Cleanup(r.Close)
	return r, b
}

func ids(hs []*Handle) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.ID())
	}
	return out
}

// -- Test Cases --

func TestDefault_IsMemoized(t *testing.T) {
	r, b := newFakeRegistry(t)
	ctx := context.Background()

	h1, err := r.Default(ctx)
	require.NoError(t, err)
	h2, err := r.Default(ctx)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, b.defaults)
	assert.Same(t, h1.Page(), h2.Page(), "a handle builds its page once")

	got, ok := r.Get("main")
	require.True(t, ok)
	assert.Same(t, h1, got)
}

func TestExpectWindow_EventFirst(t *testing.T) {
	r, b := newFakeRegistry(t)
	b.open("popup")

	wait, cancel := r.ExpectWindow()
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), testTimeout)
	defer done()
	h, err := wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "popup", h.ID())
}

func TestExpectWindow_ExpectationFirst(t *testing.T) {
	r, b := newFakeRegistry(t)
	wait, cancel := r.ExpectWindow()
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.open("popup")
	}()
	ctx, done := context.WithTimeout(context.Background(), testTimeout)
	defer done()
	h, err := wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "popup", h.ID())
	assert.Equal(t, []string{"popup"}, ids(r.Handles()))
}

func TestExpectWindow_QueueOrder(t *testing.T) {
	r, b := newFakeRegistry(t)
	b.open("first")
	b.open("second")
	ctx, done := context.WithTimeout(context.Background(), testTimeout)
	defer done()

	for _, want := range []string{"first", "second"} {
		wait, cancel := r.ExpectWindow()
		h, err := wait(ctx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, want, h.ID())
	}
}

func TestExpectWindow_CancelReturnsUnconsumedWindow(t *testing.T) {
	r, b := newFakeRegistry(t)
	_, cancel := r.ExpectWindow()
	b.open("popup")
	cancel()

	wait, cancel := r.ExpectWindow()
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), testTimeout)
	defer done()
	h, err := wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "popup", h.ID())
}

func TestExpectWindow_Timeout(t *testing.T) {
	r, _ := newFakeRegistry(t)
	wait, cancel := r.ExpectWindow()
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer done()
	_, err := wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedWindowsAreForgotten(t *testing.T) {
	r, b := newFakeRegistry(t)
	_, err := r.Default(context.Background())
	require.NoError(t, err)
	b.open("a")
	b.open("b")
	assert.Equal(t, []string{"main", "a", "b"}, ids(r.Handles()))

	b.close("a")
	_, ok := r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"main", "b"}, ids(r.Handles()))

	// A closed window is no longer handed to expectations.
	wait, cancel := r.ExpectWindow()
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), testTimeout)
	defer done()
	h, err := wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", h.ID())

	b.close("main")
	h2, err := r.Default(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "main", h2.ID())
}

func TestClose(t *testing.T) {
	r, b := newFakeRegistry(t)
	wait, cancel := r.ExpectWindow()
	defer cancel()

	r.Close()
	_, err := wait(context.Background())
	assert.ErrorIs(t, err, errClosed)

	b.open("late")
	assert.Empty(t, r.Handles(), "events after Close are ignored")
	_, err = r.Default(context.Background())
	assert.ErrorIs(t, err, errClosed)
	r.Close()
}

func TestWaitForNewWindow_Embedded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body><button id="pop" onclick="window.open('/popup', 'child')">pop</button></body></html>`)
	})
	mux.HandleFunc("/popup", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Popup</title></head><body></body></html>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := config.NewDefaultConfig()
	cfg.Paths.DownloadDir = t.TempDir()
	logger := zaptest.NewLogger(t)
	b, err := session.New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer func() { _ = b.Close(context.Background()) }()

	r := New(b, DefaultPageFactory(cfg, logger), logger)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	primary, err := r.Default(ctx)
	require.NoError(t, err)
	p := primary.Page()
	require.NoError(t, p.Load(ctx, server.URL+"/"))

	opened, err := p.WaitForNewWindow(ctx, func(ctx context.Context) error {
		return p.Find("#pop").Click(ctx)
	})
	require.NoError(t, err)
	assert.NotEqual(t, primary.ID(), opened.ID())
	assert.Equal(t, "child", opened.Window().Name())

	popup := opened.Page()
	assert.Eventually(t, func() bool {
		u, err := popup.CurrentURL(ctx)
		return err == nil && u == server.URL+"/popup"
	}, testTimeout, 20*time.Millisecond)

	assert.Len(t, r.Handles(), 2)
}
