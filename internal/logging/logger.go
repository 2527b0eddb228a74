// Package logging constructs the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON at info level; anything else gets human-readable
// text at debug level.
func NewLogger(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler

	switch env {
	case "production":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
