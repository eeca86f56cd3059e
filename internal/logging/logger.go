// Package logging builds the charm logger shared by the harvesting pipeline
// and the CLI. It is configured from the environment:
//
//	ROPFUSCATOR_LOG_LEVEL   debug, info, warn, error (default: info)
//	ROPFUSCATOR_LOG_PREFIX  message prefix (default: "ropfuscator ")
//	ROPFUSCATOR_LOG_TO_FILE "1" writes to ropfuscator-<timestamp>.log
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	envLevel  = "ROPFUSCATOR_LOG_LEVEL"
	envPrefix = "ROPFUSCATOR_LOG_PREFIX"
	envToFile = "ROPFUSCATOR_LOG_TO_FILE"

	defaultPrefix = "ropfuscator "
)

// LoggerCloser is a logger owning its output.
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
}

// Close closes the output when it is a file.
func (lc *LoggerCloser) Close() error {
	if lc.closer == nil {
		return nil
	}
	return lc.closer.Close()
}

// Level maps a level name to a charm log level. Unknown names mean info.
func Level(name string) log.Level {
	lvl, err := log.ParseLevel(strings.TrimSpace(name))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// NewLoggerWithWriter returns a logger writing to w with the environment's
// level and prefix. w is closed by Close when it implements io.Closer.
func NewLoggerWithWriter(w io.Writer) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           Level(os.Getenv(envLevel)),
	})

	prefix := os.Getenv(envPrefix)
	if prefix == "" {
		prefix = defaultPrefix
	}

	lc := &LoggerCloser{Logger: lg.WithPrefix(prefix)}
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		lc.closer = c
	}
	return lc
}

// NewLogger returns a logger on stderr, or on a timestamped file when
// ROPFUSCATOR_LOG_TO_FILE is "1". A file that cannot be created falls back
// to stderr.
func NewLogger() *LoggerCloser {
	out := io.Writer(os.Stderr)
	if os.Getenv(envToFile) == "1" {
		name := fmt.Sprintf("ropfuscator-%s.log", time.Now().Format("20060102-150405"))
		if f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err == nil {
			out = f
		}
	}
	return NewLoggerWithWriter(out)
}

// IsDebug reports whether debug logging was requested.
func IsDebug() bool {
	return Level(os.Getenv(envLevel)) == log.DebugLevel
}
