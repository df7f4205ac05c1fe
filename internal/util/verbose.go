package util

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	logger  *slog.Logger
	verbose atomic.Bool
)

// InitLogger initializes the global slog logger with appropriate level
func InitLogger(v bool) {
	InitLoggerTo(os.Stdout, v)
}

// InitLoggerTo is InitLogger with an explicit destination, mostly for tests.
func InitLoggerTo(w io.Writer, v bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	verbose.Store(v)
	if v {
		opts.Level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(w, opts)
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	if logger == nil {
		// Fallback initialization with INFO level
		InitLogger(IsVerbose())
	}
	return logger
}

// ComponentLogger returns the global logger tagged with a component name.
func ComponentLogger(component string) *slog.Logger {
	return GetLogger().With("component", component)
}

// IsVerbose reports whether debug logging was requested, either through
// InitLogger, the --verbose flag or LIVEDETECT_VERBOSE.
func IsVerbose() bool {
	if verbose.Load() {
		return true
	}
	if v := os.Getenv("LIVEDETECT_VERBOSE"); v == "1" || v == "true" {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--verbose" {
			return true
		}
	}
	return false
}
