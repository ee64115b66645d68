// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the application-wide structured logger instance.
var Logger *slog.Logger

// InitLogger initializes the global logger with the specified level and format.
// level: "debug", "info", "warn", "error" (defaults to "info")
// format: "json" or "text" (defaults to "text")
// Log lines go to stdout and to every extra writer.
func InitLogger(level, format string, extra ...io.Writer) *slog.Logger {
	Logger = New(os.Stdout, level, format, extra...)
	slog.SetDefault(Logger)
	return Logger
}

// New builds a logger writing to out and every extra writer without
// touching the global default.
func New(out io.Writer, level, format string, extra ...io.Writer) *slog.Logger {
	var w io.Writer = out
	if len(extra) > 0 {
		w = io.MultiWriter(append([]io.Writer{out}, extra...)...)
	}

	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithError returns a logger with error field.
func WithError(err error) *slog.Logger {
	return Logger.With("error", err)
}
