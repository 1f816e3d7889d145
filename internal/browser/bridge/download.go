package bridge

import (
	"context"
	"sync"
)

// PartialSuffix marks a download that is still being written.
const PartialSuffix = ".crdownload"

type downloadOutcome struct {
	result *DownloadResult
	err    error
}

// DownloadWatcher hands the next download outcome of a window to the single
// armed waiter. The zero value is ready to use.
type DownloadWatcher struct {
	mu     sync.Mutex
	waiter chan downloadOutcome
}

// Arm supersedes any earlier waiter. disarm must be called on every exit path.
func (d *DownloadWatcher) Arm() (wait func(ctx context.Context) (*DownloadResult, error), disarm func()) {
	ch := make(chan downloadOutcome, 1)
	d.mu.Lock()
	d.waiter = ch
	d.mu.Unlock()

	wait = func(ctx context.Context) (*DownloadResult, error) {
		select {
		case out := <-ch:
			return out.result, out.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	disarm = func() {
		d.mu.Lock()
		if d.waiter == ch {
			d.waiter = nil
		}
		d.mu.Unlock()
	}
	return wait, disarm
}

// Armed reports whether a waiter is installed.
func (d *DownloadWatcher) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiter != nil
}

// Deliver hands res or err to the armed waiter and reports whether one took it.
func (d *DownloadWatcher) Deliver(res *DownloadResult, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.waiter == nil {
		return false
	}
	d.waiter <- downloadOutcome{result: res, err: err}
	d.waiter = nil
	return true
}
