package bridge

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DialogKind is the JavaScript dialog flavor.
type DialogKind string

const (
	DialogAlert   DialogKind = "alert"
	DialogConfirm DialogKind = "confirm"
	DialogPrompt  DialogKind = "prompt"
)

// MismatchPolicy decides what happens when a dialog of the expected kind
// shows a different message.
type MismatchPolicy string

const (
	// MismatchKeepWaiting answers the stray dialog with its default and stays armed.
	MismatchKeepWaiting MismatchPolicy = "keep-waiting"
	// MismatchFail rejects the wait with *MessageMismatchError.
	MismatchFail MismatchPolicy = "fail"
)

// DialogExpectation describes the dialog a wait is looking for. An empty
// Message matches any message.
type DialogExpectation struct {
	Kind    DialogKind
	Message string
	Accept  bool
	Policy  MismatchPolicy
}

// DefaultAnswer is what an unexpected dialog of kind receives: alerts are
// acknowledged, confirms and prompts are dismissed.
func DefaultAnswer(kind DialogKind) bool {
	return kind == DialogAlert
}

type dialogOutcome struct {
	message string
	err     error
}

type dialogWaiter struct {
	exp  DialogExpectation
	done chan dialogOutcome
}

// DialogArbiter matches dialogs raised by a page against the single armed
// expectation of its window. Both backends route every dialog through Answer.
type DialogArbiter struct {
	mu     sync.Mutex
	waiter *dialogWaiter
	logger *zap.Logger
}

// NewDialogArbiter creates an arbiter that logs unmatched dialogs to logger.
func NewDialogArbiter(logger *zap.Logger) *DialogArbiter {
	return &DialogArbiter{logger: logger.Named("dialog")}
}

// Arm installs exp, superseding any previous expectation. The returned wait
// blocks for the outcome; disarm must be called on every exit path.
func (a *DialogArbiter) Arm(exp DialogExpectation) (wait func(ctx context.Context) (string, error), disarm func()) {
	if exp.Policy == "" {
		exp.Policy = MismatchKeepWaiting
	}
	w := &dialogWaiter{exp: exp, done: make(chan dialogOutcome, 1)}

	a.mu.Lock()
	a.waiter = w
	a.mu.Unlock()

	wait = func(ctx context.Context) (string, error) {
		select {
		case out := <-w.done:
			return out.message, out.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	disarm = func() {
		a.mu.Lock()
		if a.waiter == w {
			a.waiter = nil
		}
		a.mu.Unlock()
	}
	return wait, disarm
}

// Answer decides the response to a dialog the page just opened. It never blocks.
func (a *DialogArbiter) Answer(kind DialogKind, message string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.waiter
	if w == nil || w.exp.Kind != kind {
		a.logger.Info("Unexpected dialog answered with default.",
			zap.String("kind", string(kind)), zap.String("message", message))
		return DefaultAnswer(kind)
	}

	if w.exp.Message != "" && w.exp.Message != message {
		if w.exp.Policy == MismatchFail {
			a.waiter = nil
			w.done <- dialogOutcome{err: &MessageMismatchError{Kind: kind, Expected: w.exp.Message, Actual: message}}
		} else {
			a.logger.Warn("Dialog message mismatch, still waiting.",
				zap.String("kind", string(kind)),
				zap.String("expected", w.exp.Message),
				zap.String("actual", message))
		}
		return DefaultAnswer(kind)
	}

	a.waiter = nil
	w.done <- dialogOutcome{message: message}
	if kind == DialogAlert {
		return true
	}
	return w.exp.Accept
}
