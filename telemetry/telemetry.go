// Package telemetry provides the logging surface shared by the pipeline
// workflow, its activities, and the plain services around them. The default
// implementation delegates to goa.design/clue/log so log context (format,
// debug, key prefixes) flows through context.Context.
package telemetry

import (
	"context"

	"goa.design/clue/log"
)

type (
	// Logger emits structured log records. Implementations must be safe for
	// concurrent use.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// ClueLogger wraps goa.design/clue/log.
	ClueLogger struct{}

	noopLogger struct{}
)

// NewClueLogger constructs a Logger that delegates to goa.design/clue/log.
// Formatting and debug settings come from the context (set via log.Context).
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewNoopLogger returns a Logger that discards everything. Used in tests and
// as the default when no logger is configured.
func NewNoopLogger() Logger {
	return noopLogger{}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error emits an error-level log message with structured key-value pairs.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

func fielders(msg string, keyvals []any) []log.Fielder {
	fs := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fs = append(fs, log.KV{K: "msg", V: msg})
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fs = append(fs, log.KV{K: key, V: keyvals[i+1]})
	}
	return fs
}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}
