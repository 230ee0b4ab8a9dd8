package executor

import (
	"log/slog"

	"github.com/oriys/nova/internal/logging"
)

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithLogger overrides the operational logger (defaults to logging.Op()).
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithLogBatcherConfig sets the execution-log batcher's sizing/timing.
func WithLogBatcherConfig(cfg LogBatcherConfig) Option {
	return func(e *Executor) {
		e.logBatcherConfig = cfg
	}
}

// WithDefaultTimeout overrides the per-invocation timeout, in seconds,
// applied to every invocation.
func WithDefaultTimeout(timeout int) Option {
	return func(e *Executor) {
		e.defaultTimeoutSeconds = timeout
	}
}

// WithMemoryLimitMB overrides the per-isolate memory ceiling enforced by the
// sandbox's watchdog. A value of 0 disables the watchdog.
func WithMemoryLimitMB(mb int) Option {
	return func(e *Executor) {
		e.memoryLimitMB = mb
	}
}

// safeGo runs f in a new goroutine with panic recovery so that a failure
// in fire-and-forget background work never crashes the process.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async task", "panic", r)
			}
		}()
		f()
	}()
}
