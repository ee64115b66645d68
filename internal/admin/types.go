// Package admin defines small helpers shared by the hub, observers, and
// handlers.
package admin

import "strings"

// Status is the view of the relay the admin endpoints report on. Both
// methods must be safe to call from any goroutine.
type Status interface {
	IsRunning() bool
	ConnectionCount() int
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
