// internal/page/coordinator.go
package page

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagewalker/internal/browser/bridge"
)

// armFunc installs a watcher. The returned disarm runs exactly once, after
// the wait has ended, with a context detached from the wait's deadline.
type armFunc[T any] func(ctx context.Context) (wait func(ctx context.Context) (T, error), disarm func(ctx context.Context), err error)

// coordinate arms a watcher, runs action and the watcher together under the
// page timeout and returns the watcher's value. The first error wins.
func coordinate[T any](ctx context.Context, p *Page, op string, arm armFunc[T], action Action) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	log := p.logger.With(zap.String("wait", op))

	wait, disarm, err := arm(ctx)
	if err != nil {
		return zero, p.waitError(op, ctx, fmt.Errorf("failed to arm %s: %w", op, err))
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(bridge.Detach(ctx), cleanupTimeout)
		defer ccancel()
		disarm(cctx)
		log.Debug("Wait disarmed.")
	}()
	log.Debug("Wait armed.")

	v, err := bridge.Race(ctx, action, wait)
	if err != nil {
		err = p.waitError(op, ctx, err)
		log.Debug("Wait failed.", zap.Error(err))
		return zero, err
	}
	log.Debug("Wait resolved.")
	return v, nil
}

// waitError maps an expired budget onto *bridge.TimeoutError.
func (p *Page) waitError(op string, ctx context.Context, err error) error {
	err = bridge.WaitError(op, ctx, err)
	var te *bridge.TimeoutError
	if errors.As(err, &te) && te.After == 0 {
		te.After = p.timeout
	}
	return err
}

// withTimeout bounds waits that delegate to a bridge primitive.
func (p *Page) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

// evalCleanup runs a teardown script, logging rather than failing.
func (p *Page) evalCleanup(ctx context.Context, what, script string) {
	if _, err := p.win.EvaluateScript(ctx, script); err != nil {
		p.logger.Debug("Page-side cleanup failed.", zap.String("watcher", what), zap.Error(err))
	}
}
