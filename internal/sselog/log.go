// Package sselog provides the structured logger used across the State &
// Store Engine. It is a thin wrapper over log/slog that centralizes
// construction and the "component"/"operation" attribute convention used in
// every structured-logging call site.
package sselog

import (
	"log/slog"
	"os"
)

// New returns a text-handler slog.Logger writing to stderr at the given
// level, tagged with a fixed "component" attribute.
func New(component string, level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("component", component)
}

// Discard returns a logger that drops everything, for tests that don't want
// log noise but still need a non-nil *slog.Logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
