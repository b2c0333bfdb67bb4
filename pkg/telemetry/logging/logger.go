// Package logging configures the engine's structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format is the log output format.
type Format string

const (
	// FormatJSON outputs logs as JSON, one object per line.
	FormatJSON Format = "json"
	// FormatText outputs logs as logfmt-style text.
	FormatText Format = "text"
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error. Default info.
	Level string `yaml:"level"`

	// Format is json or text. Default json.
	Format Format `yaml:"format"`

	// AddSource includes file:line in records.
	AddSource bool `yaml:"add_source"`

	// Writer overrides the output destination. Default os.Stderr.
	Writer io.Writer `yaml:"-"`
}

// New builds a slog.Logger from config.
func New(config Config) *slog.Logger {
	w := config.Writer
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a level name onto slog.Level. Unknown names mean Info.
func ParseLevel(level string) slog.Level {
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
