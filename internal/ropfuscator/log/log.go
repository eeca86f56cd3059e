// Package log installs the process-wide slog handler and recovers panics
// into it.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	initOnce    sync.Once
	initialized atomic.Bool
)

// Setup installs a text handler on logFile, or stderr when logFile is empty
// or cannot be opened. Only the first call has an effect.
func Setup(logFile string, debug bool) {
	initOnce.Do(func() {
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}

		var out io.Writer = os.Stderr
		if logFile != "" {
			if f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err == nil {
				out = f
			}
		}

		slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
			Level:     level,
			AddSource: debug,
		})))
		initialized.Store(true)
	})
}

// Initialized reports whether Setup has run.
func Initialized() bool {
	return initialized.Load()
}

// RecoverPanic logs a recovered panic with its stack and runs cleanup. It
// must be deferred directly.
func RecoverPanic(name string, cleanup func()) {
	if r := recover(); r != nil {
		if Initialized() {
			slog.Error(fmt.Sprintf("Panic in %s", name),
				"panic", r,
				"stack", string(debug.Stack()))
		}
		if cleanup != nil {
			cleanup()
		}
	}
}
