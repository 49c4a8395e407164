// Package logging configures the process-wide slog default handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Setup installs the default slog handler. Format "pretty" produces
// colorized tint output for local development, anything else JSON.
func Setup(format, level string) {
	SetupWriter(os.Stdout, format, level)
}

// SetupWriter is Setup with an explicit output, used by tests.
func SetupWriter(out io.Writer, format, level string) {
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "pretty":
		handler = tint.NewHandler(out, &tint.Options{
			Level:      parseLevel(level),
			TimeFormat: time.TimeOnly,
		})
	default:
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: parseLevel(level),
		})
	}
	slog.SetDefault(slog.New(handler))
}

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
