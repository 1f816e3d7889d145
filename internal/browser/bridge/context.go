package bridge

import (
	"context"
)

// CombineContext returns a context that keeps the values and deadline of
// owner and is also canceled when op is done. Backends use it to bound a
// caller's operation by the lifetime of the window it runs in.
func CombineContext(owner, op context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(owner)
	go func() {
		select {
		case <-op.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// Detach returns a context with the values of ctx that is never canceled
// and has no deadline. Cleanup that must run after a wait expired derives
// its own timeout from it.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
