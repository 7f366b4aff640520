// Package logging provides structured logging configuration and utilities.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
	// Output defaults to os.Stdout.
	Output io.Writer
}

// level is shared by every logger built here so reloads apply process-wide.
var level = new(slog.LevelVar)

// NewLogger builds a slog logger. Records are JSON; in pretty mode the JSON stream
// is rendered by zerolog's console writer for local development.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	SetLevel(cfg.Level)

	if cfg.Pretty {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: zerologFields,
	})
	return slog.New(handler)
}

// SetLevel changes the level of every logger created by NewLogger. Unknown names
// fall back to info.
func SetLevel(name string) {
	level.Set(ParseLevel(name))
}

// Level returns the current process-wide level.
func Level() slog.Level {
	return level.Level()
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// zerologFields renames the top-level slog keys to the ones zerolog emits, so the
// console writer can pick them up and JSON output matches the rest of the fleet.
func zerologFields(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.MessageKey:
		a.Key = zerolog.MessageFieldName
	case slog.LevelKey:
		a.Key = zerolog.LevelFieldName
		a.Value = slog.StringValue(strings.ToLower(a.Value.String()))
	case slog.TimeKey:
		a.Key = zerolog.TimestampFieldName
	}
	return a
}
