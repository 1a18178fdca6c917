// Package logging configures BleepStore's structured logging and threads a
// per-request logger handle through context.Context, rather than relying on
// slog's package-level default logger from inside request handlers.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Setup configures the default slog logger with the specified level and
// format. Supported levels: "debug", "info", "warn", "error" (default:
// "info"). Supported formats: "text", "json" (default: "text"). This is the
// one place BleepStore still reaches for slog's global default — it runs
// once at process startup, before any request (and therefore any request
// context) exists.
func Setup(level, format string, w io.Writer) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type loggerKey struct{}

// WithRequestID attaches a logger carrying the given request ID to ctx. The
// auth middleware and handlers pull it back out with FromContext so every
// log line for a request can be correlated without a package-level logger
// singleton threading implicit state between goroutines.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	logger := slog.Default().With("request_id", requestID)
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger attached by WithRequestID, or the current
// slog default logger if the context carries none (e.g. in tests that
// construct a handler directly without going through the middleware chain).
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
