// internal/browser/jsexec/loop.go
package jsexec

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// loop confines a goja runtime to a single goroutine. Every access to the VM,
// and to any state the VM's natives touch, must happen inside a job.
type loop struct {
	vm     *goja.Runtime
	logger *zap.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	// Touched only on the loop goroutine.
	afterEach []func()
	onExit    []func()
}

func newLoop(vm *goja.Runtime, logger *zap.Logger) *loop {
	l := &loop{
		vm:     vm,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// post queues job. It reports false once the loop has been closed.
func (l *loop) post(job func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, job)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *loop) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	// Break a script that is spinning right now; the loop clears it on exit.
	l.vm.Interrupt("runtime closed")
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) run() {
	defer close(l.done)
	for {
		<-l.wake

		for {
			l.mu.Lock()
			if l.closed {
				l.mu.Unlock()
				for _, fn := range l.onExit {
					fn()
				}
				return
			}
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			job := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.exec(job)
		}
	}
}

func (l *loop) exec(job func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic in event loop job.", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	job()
	for _, fn := range l.afterEach {
		fn()
	}
}
