// Package logging builds the structured logger shared by every worker.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a slog.Logger writing colorized key=value lines in dev mode
// and plain text (still key=value, no ANSI) otherwise.
func New(level string, dev bool) *slog.Logger {
	lvl := parseLevel(level)
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.RFC3339,
		NoColor:    !dev,
	})
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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

type correlationKey struct{}

// WithCorrelationID attaches a correlation id to the context for log enrichment.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// FromContext returns a logger enriched with the request's correlation id, if any.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return base.With("correlation_id", id)
	}
	return base
}
