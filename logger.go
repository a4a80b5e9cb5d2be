package conductor

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// NewLogger returns the engine's default logger: human-readable output on
// stderr, colorized when attached to a terminal. The engine and schedulers
// accept any *slog.Logger; this is a convenience for embedders and the CLI.
func NewLogger() *slog.Logger {
	return NewLoggerAt(slog.LevelInfo)
}

// NewLoggerAt is NewLogger with an explicit minimum level.
func NewLoggerAt(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

// NewJSONLogger returns a logger emitting one JSON object per line on
// stderr, for log collectors.
func NewJSONLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}
