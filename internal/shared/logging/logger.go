package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a slog.Logger configured for structured, JSON-oriented output.
// The level is taken from LAMBDO_LOG_LEVEL and defaults to info.
func New(subsystem string) *slog.Logger {
	return NewWithWriter(os.Stdout, subsystem)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, subsystem string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     ParseLevel(os.Getenv("LAMBDO_LOG_LEVEL")),
	})
	return slog.New(handler).With("subsystem", subsystem)
}

// Discard returns a logger that drops every record. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a textual level to slog.Level, falling back to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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
