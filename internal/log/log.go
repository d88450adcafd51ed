// Package log provides structured logging for walkie-go.
// It wraps slog with sensible defaults for production use.
package log

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger *slog.Logger
	once   sync.Once
)

// Init initializes the global logger with the specified level.
// Valid levels: "debug", "info", "warn", "error"
func Init(level string) {
	once.Do(func() {
		opts := &slog.HandlerOptions{
			Level: ParseLevel(level),
		}

		// Use JSON in production, text in development
		if os.Getenv("GO_ENV") == "production" {
			logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
		} else {
			logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
		}

		slog.SetDefault(logger)
	})
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else is treated as info.
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

// ValidLevel reports whether level is one ParseLevel recognises.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// L returns the global logger instance.
func L() *slog.Logger {
	if logger == nil {
		Init("info")
	}
	return logger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	L().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	L().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	L().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	L().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}



// Component returns a logger tagged with the given component name.
// A non-nil override is returned as-is, so constructors can accept an
// optional caller-supplied logger.
func Component(name string, override *slog.Logger) *slog.Logger {
	if override != nil {
		return override
	}
	return L().With("component", name)
}
