// Package cflog wires CursorFlow's ambient operational logging: a
// structured, leveled logger for orchestrator/lane events. The raw agent
// stdio capture (terminal.log) intentionally stays a dumb passthrough and
// is not routed through here.
package cflog

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Logger wraps a charmbracelet/log.Logger with CursorFlow's conventions.
type Logger struct {
	inner *log.Logger
}

// New creates a Logger writing to w; add structured fields with With.
func New(w io.Writer) *Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
	return &Logger{inner: l}
}

// Default returns a Logger writing to stderr, used by CLI entry points.
func Default() *Logger {
	return New(os.Stderr)
}

// With returns a child Logger with additional structured fields.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{inner: l.inner.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }

// SetLevel adjusts verbosity.
func (l *Logger) SetLevel(lvl log.Level) { l.inner.SetLevel(lvl) }
