package turn

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by commands issued after Run has returned.
	ErrClosed = errors.New("turn: controller closed")

	// ErrNoSession is returned by commands that need an open session.
	ErrNoSession = errors.New("turn: no open session")

	// ErrBusy is returned by SendText while a voice or reply turn is active.
	ErrBusy = errors.New("turn: a turn is already in progress")

	// ErrEmptyText is returned by SendText for blank input.
	ErrEmptyText = errors.New("turn: empty text")

	// ErrSuperseded is returned by OpenSession when a newer OpenSession or a
	// teardown ran while it was connecting.
	ErrSuperseded = errors.New("turn: session open superseded")
)

// TransportError reports a network or protocol failure that ended the
// session. Code carries the close code when the connection was closed.
type TransportError struct {
	Op   string
	Code int
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("turn: %s: connection closed with code %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("turn: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }
