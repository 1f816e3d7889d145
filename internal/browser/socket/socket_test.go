package socket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestChannel_OnAndOnce(t *testing.T) {
	c := New()
	var on, once int
	c.On("ping", func([]any) { on++ })
	c.Once("ping", func([]any) { once++ })

	c.Send("ping")
	c.Send("ping")
	c.Send("other")

	assert.Equal(t, 2, on)
	assert.Equal(t, 1, once)
}

func TestChannel_OnceRemovedBeforeFiring(t *testing.T) {
	c := New()
	calls := 0
	c.Once("x", func([]any) {
		calls++
		// A re-entrant send from inside the handler must not reach it again.
		c.Send("x")
	})
	c.Send("x")
	assert.Equal(t, 1, calls)
}

func TestChannel_RemoveAllListeners(t *testing.T) {
	c := New()
	fired := false
	c.On("x", func([]any) { fired = true })
	c.RemoveAllListeners("x")
	c.Send("x")
	assert.False(t, fired)

	// Registration after the reset works normally.
	c.On("x", func([]any) { fired = true })
	c.Send("x")
	assert.True(t, fired)
}

func TestChannel_Dispatch(t *testing.T) {
	c := New()
	var got []any
	c.On("found", func(args []any) { got = args })

	require.NoError(t, c.Dispatch(`{"channel":"found","args":["tok-1",3]}`))
	assert.Equal(t, []any{"tok-1", float64(3)}, got)

	assert.Error(t, c.Dispatch(`{"args":[]}`))
	assert.Error(t, c.Dispatch(`not json`))
}

func TestChannel_Wait(t *testing.T) {
	t.Run("resolves with the message arguments", func(t *testing.T) {
		c := New()
		go func() {
			time.Sleep(10 * time.Millisecond)
			c.Send("ajax-done", "ok")
		}()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		args, err := c.Wait(ctx, "ajax-done")
		require.NoError(t, err)
		assert.Equal(t, []any{"ok"}, args)
	})

	t.Run("times out and leaves no listener behind", func(t *testing.T) {
		c := New()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := c.Wait(ctx, "never")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Empty(t, c.listeners["never"])
	})

	t.Run("a superseded waiter never fires", func(t *testing.T) {
		c := New()
		firstWait, firstCancel := c.Listen("load")
		defer firstCancel()
		secondWait, secondCancel := c.Listen("load")
		defer secondCancel()

		c.Send("load", 2)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		args, err := secondWait(ctx)
		require.NoError(t, err)
		assert.Equal(t, []any{2}, args)

		_, err = firstWait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestChannel_ConcurrentSend(t *testing.T) {
	c := New()
	var mu sync.Mutex
	total := 0
	c.On("n", func([]any) {
		mu.Lock()
		total++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Send("n")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, total)
}
