package bridge

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Race runs trigger and watch concurrently and returns the watcher's value
// once both have finished. The first error cancels the other side and wins.
// The watcher must already be armed when Race is called.
func Race[T any](ctx context.Context, trigger Trigger, watch func(ctx context.Context) (T, error)) (T, error) {
	var result T
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if trigger == nil {
			return nil
		}
		return trigger(gctx)
	})
	g.Go(func() error {
		v, err := watch(gctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err := g.Wait(); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// WaitError maps an expired wait onto *TimeoutError. Other errors pass through.
func WaitError(op string, ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op}
	}
	return err
}
