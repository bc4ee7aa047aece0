// Package logging builds the process logger: a slog handler writing to
// stderr and, optionally, to a rotating file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level (debug, info, warn, error).
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	// Format is "text" or "json".
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`

	Rotation `yaml:",inline"`
}

// New builds a logger from cfg. The returned closer releases the log file
// and is never nil.
func New(cfg Config) (*slog.Logger, io.Closer) {
	return NewWithConsole(cfg, os.Stderr)
}

// NewWithConsole is New with an explicit console writer.
func NewWithConsole(cfg Config, console io.Writer) (*slog.Logger, io.Closer) {
	var closer io.Closer = nopCloser{}
	w := console
	if file := SetupRotation(cfg.Rotation); file != nil {
		closer = file
		w = io.MultiWriter(console, file)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	if cfg.Rotation.Enabled() {
		logger.Info("log rotation enabled",
			slog.String("file", cfg.Filename),
			slog.Int("max_size_mb", cfg.MaxSize),
			slog.Int("max_backups", cfg.MaxBackups),
		)
	}
	return logger, closer
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
