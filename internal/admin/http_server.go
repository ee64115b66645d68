// Package admin constructs and starts the admin HTTP service.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with the specified
// address and handler.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer serves until the server is shut down. A clean shutdown
// returns nil.
func StartServer(server *http.Server) error {
	slog.Info("admin server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server, waiting for active
// requests until the timeout is reached. Hijacked WebSocket connections are
// not tracked here; the hub closes those.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	slog.Info("shutting down admin server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("admin server shutdown error", "error", err)
		return err
	}

	slog.Info("admin server shutdown completed")
	return nil
}
