// internal/browser/session/errors.go
package session

import (
	"errors"
	"fmt"
)

var (
	errWindowClosed = errors.New("window is closed")
	errBridgeClosed = errors.New("browser is closed")
)

// NavigationError is carried by load-error events. It describes a top-level
// navigation that never produced a document.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }
