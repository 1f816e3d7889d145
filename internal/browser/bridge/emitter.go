package bridge

import (
	"sync"
)

type handlerEntry struct {
	id uint64
	fn func(Event)
}

// Emitter dispatches lifecycle events to registered handlers. Handlers run
// synchronously on the emitting goroutine and must not block.
type Emitter struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[EventKind][]handlerEntry
}

// On registers fn for kind. The returned func removes it and is safe to call more than once.
func (e *Emitter) On(kind EventKind, fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[EventKind][]handlerEntry)
	}
	e.nextID++
	id := e.nextID
	e.handlers[kind] = append(e.handlers[kind], handlerEntry{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.handlers[kind]
		for i, h := range list {
			if h.id == id {
				e.handlers[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers ev to every handler registered for ev.Kind at the time of the call.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	list := make([]handlerEntry, len(e.handlers[ev.Kind]))
	copy(list, e.handlers[ev.Kind])
	e.mu.Unlock()

	for _, h := range list {
		h.fn(ev)
	}
}

// Reset drops every handler.
func (e *Emitter) Reset() {
	e.mu.Lock()
	e.handlers = nil
	e.mu.Unlock()
}
