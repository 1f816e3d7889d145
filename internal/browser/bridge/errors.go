package bridge

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrNotFound            = errors.New("element not found")
	ErrTimeout             = errors.New("timed out")
	ErrScript              = errors.New("script error")
	ErrProtocol            = errors.New("protocol error")
	ErrDownloadInterrupted = errors.New("download interrupted")
	ErrMessageMismatch     = errors.New("dialog message mismatch")
)

// NotFoundError reports a query that matched nothing while empty results were not allowed.
type NotFoundError struct {
	Query string
}

func (e *NotFoundError) Error() string {
	if e.Query == "" {
		return ErrNotFound.Error()
	}
	return fmt.Sprintf("element not found: %s", e.Query)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TimeoutError reports a wait whose budget expired before its watcher resolved.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s: timed out after %s", e.Op, e.After)
	}
	return fmt.Sprintf("%s: timed out", e.Op)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ScriptError carries the string form of an exception thrown inside the page.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string { return "script error: " + e.Message }

func (e *ScriptError) Is(target error) bool { return target == ErrScript }

// ProtocolError wraps a failure of the backend itself: a navigation that
// could not complete, a lost connection, an unsupported operation.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol error during %s", e.Op)
	}
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// DownloadInterruptedError reports a download that reached a terminal state other than completed.
type DownloadInterruptedError struct {
	Filename string
	Reason   string
}

func (e *DownloadInterruptedError) Error() string {
	return fmt.Sprintf("download of %q interrupted: %s", e.Filename, e.Reason)
}

func (e *DownloadInterruptedError) Is(target error) bool { return target == ErrDownloadInterrupted }

// MessageMismatchError reports a dialog of the expected kind whose message differs.
type MessageMismatchError struct {
	Kind     DialogKind
	Expected string
	Actual   string
}

func (e *MessageMismatchError) Error() string {
	return fmt.Sprintf("%s message mismatch: expected %q, got %q", e.Kind, e.Expected, e.Actual)
}

func (e *MessageMismatchError) Is(target error) bool { return target == ErrMessageMismatch }

// NewProtocolError wraps err unless it already belongs to the taxonomy.
func NewProtocolError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTaxonomy(err) {
		return err
	}
	return &ProtocolError{Op: op, Err: err}
}

// IsTaxonomy reports whether err is one of the typed errors of this package.
func IsTaxonomy(err error) bool {
	for _, s := range []error{ErrNotFound, ErrTimeout, ErrScript, ErrProtocol, ErrDownloadInterrupted, ErrMessageMismatch} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}
