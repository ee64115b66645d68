// Package admin implements the relay's HTTP side channel: a health check,
// Prometheus metrics, and a WebSocket feed of diagnostic log lines.
//
// The implementation is organized into specialized files for the diagnostics
// hub, observers, origin checks, routing, and HTTP handlers. Nothing here
// touches the relay's sockets; the relay is only queried through its
// goroutine-safe accessors.
package admin
