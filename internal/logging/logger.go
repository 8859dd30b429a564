// Package logging configures structured logging with log/slog.
//
// Import jobs carry their job id in the context under chi's request id
// key, so every log line a job produces can be correlated, whether the job
// was started from the command line or from a request handled behind chi's
// RequestID middleware.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Setup configures the global slog logger based on level and format.
// Logs go to stderr so that exports written to stdout stay clean.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
func Setup(level, format string) {
	slog.SetDefault(New(os.Stderr, level, format))
}

// New builds a logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
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

// WithJobID returns a context carrying id as the correlation id.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, middleware.RequestIDKey, id)
}

// JobID returns the correlation id stored in ctx, if any.
func JobID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

// FromContext returns the default logger, enriched with job_id when ctx
// carries a correlation id.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if id := JobID(ctx); id != "" {
		logger = logger.With("job_id", id)
	}
	return logger
}

// WithFields returns a logger with additional structured fields.
//
//	log := logging.WithFields(ctx, "file", name, "mode", mode)
//	log.Info("import started")
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
