// Package socket implements the named rendezvous channel between the host and
// scripts running in a page. The page side is window.browserSocket; every
// browserSocket.send lands in Channel.Send on the host.
package socket

import (
	"context"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is the wire form of a page-side send.
type Message struct {
	Channel string `json:"channel"`
	Args    []any  `json:"args"`
}

type listener struct {
	id   uint64
	gen  uint64
	once bool
	fn   func(args []any)
}

// Channel multiplexes named channels. The zero value is ready to use.
type Channel struct {
	mu        sync.Mutex
	nextID    uint64
	gen       map[string]uint64
	listeners map[string][]listener
}

// New returns an empty Channel.
func New() *Channel {
	return &Channel{}
}

func (c *Channel) add(ch string, once bool, fn func([]any)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners == nil {
		c.listeners = make(map[string][]listener)
		c.gen = make(map[string]uint64)
	}
	c.nextID++
	id := c.nextID
	c.listeners[ch] = append(c.listeners[ch], listener{id: id, gen: c.gen[ch], once: once, fn: fn})
	return func() { c.remove(ch, id) }
}

func (c *Channel) remove(ch string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.listeners[ch]
	for i, l := range list {
		if l.id == id {
			c.listeners[ch] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// On registers fn for every message on ch.
func (c *Channel) On(ch string, fn func(args []any)) (remove func()) {
	return c.add(ch, false, fn)
}

// Once registers fn for the next message on ch only. It is removed before it fires.
func (c *Channel) Once(ch string, fn func(args []any)) (remove func()) {
	return c.add(ch, true, fn)
}

// RemoveAllListeners drops every listener on ch and bumps its generation, so a
// listener registered before the call never sees a later message.
func (c *Channel) RemoveAllListeners(ch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == nil {
		c.gen = make(map[string]uint64)
		c.listeners = make(map[string][]listener)
	}
	c.gen[ch]++
	delete(c.listeners, ch)
}

// Send delivers args to the current listeners of ch.
func (c *Channel) Send(ch string, args ...any) {
	c.mu.Lock()
	current := c.gen[ch]
	var fire []listener
	kept := c.listeners[ch][:0:0]
	for _, l := range c.listeners[ch] {
		if l.gen != current {
			continue
		}
		fire = append(fire, l)
		if !l.once {
			kept = append(kept, l)
		}
	}
	if c.listeners != nil {
		c.listeners[ch] = kept
	}
	c.mu.Unlock()

	for _, l := range fire {
		l.fn(args)
	}
}

// Dispatch decodes a page payload and sends it.
func (c *Channel) Dispatch(payload string) error {
	var msg Message
	if err := json.UnmarshalFromString(payload, &msg); err != nil {
		return fmt.Errorf("malformed socket payload: %w", err)
	}
	if msg.Channel == "" {
		return fmt.Errorf("socket payload without a channel")
	}
	c.Send(msg.Channel, msg.Args...)
	return nil
}

// Listen supersedes every listener on ch and arms a single-shot receiver.
// The returned wait blocks until a message arrives or ctx ends; cancel
// releases the receiver and is safe to call at any time.
func (c *Channel) Listen(ch string) (wait func(ctx context.Context) ([]any, error), cancel func()) {
	c.RemoveAllListeners(ch)
	got := make(chan []any, 1)
	remove := c.Once(ch, func(args []any) { got <- args })

	wait = func(ctx context.Context) ([]any, error) {
		select {
		case args := <-got:
			return args, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return wait, remove
}

// Wait is Listen followed by an immediate wait.
func (c *Channel) Wait(ctx context.Context, ch string) ([]any, error) {
	wait, cancel := c.Listen(ch)
	defer cancel()
	return wait(ctx)
}
