// Package loggingutil holds pslog helpers shared across packages.
package loggingutil

import (
	"context"
	"io"
	"sync"

	"pkt.systems/pslog"
)

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise it returns a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Attached returns the logger carried by ctx. ok is false when ctx carries
// none; pslog.LoggerFromContext answers with its no-op logger in that case.
func Attached(ctx context.Context) (logger pslog.Logger, ok bool) {
	if ctx == nil {
		return nil, false
	}
	logger = pslog.LoggerFromContext(ctx)
	if logger == nil || logger == pslog.NoopLogger() {
		return nil, false
	}
	return logger, true
}

// FromContext returns the logger on ctx, falling back to fallback and then to
// a disabled logger.
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if logger, ok := Attached(ctx); ok {
		return logger
	}
	return EnsureLogger(fallback)
}

// Buffer returns a structured logger writing to w at the given level. Tests
// use it to assert on emitted events.
func Buffer(w io.Writer, level pslog.Level) pslog.Logger {
	return pslog.NewWithOptions(w, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	})
}
