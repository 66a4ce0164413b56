// Package log configures the process-wide slog logger.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps debug, info, warn and error to slog levels. Anything else is info.
func ParseLevel(logLevel string) slog.Level {
	var level slog.Level

	err := level.UnmarshalText([]byte(strings.TrimSpace(logLevel)))
	if err != nil {
		return slog.LevelInfo
	}

	return level
}

// NewHandler returns a JSON handler for format "json" and a text handler otherwise.
func NewHandler(w io.Writer, logLevel, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(logLevel)}

	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}

// Setup installs the default logger writing to stderr.
func Setup(logLevel, format string) {
	slog.SetDefault(slog.New(NewHandler(os.Stderr, logLevel, format)))
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
