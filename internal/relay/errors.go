package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateConn is returned by Registry.Add when the descriptor is
	// already registered. Unique OS descriptors make this unreachable in
	// practice.
	ErrDuplicateConn = errors.New("relay: connection already registered")

	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("relay: server already running")

	// ErrNotRunning is returned by Run when the server was never started.
	ErrNotRunning = errors.New("relay: server not running")
)

// BindError reports that the listening socket could not be set up.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("relay: listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
