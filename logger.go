package mpl

import (
	"fmt"
	"log/slog"
	"runtime"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// guard runs a listener callback, recovering and logging any panic so that
// application code can never take down the goroutine that delivered the event.
func guard(logger Logger, callback string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			const size = 16 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			logger.Error("listener callback panicked",
				"callback", callback,
				"panic", fmt.Sprint(v),
				"stack", string(buf))
		}
	}()
	fn()
}
