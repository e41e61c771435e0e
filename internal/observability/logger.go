// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a standard library logger to the Logger interface.
type StdLogger struct {
	base  *log.Logger
	debug bool
}

// NewStdLogger wraps the provided base logger. Debug output is emitted only
// when debug is true.
func NewStdLogger(base *log.Logger, debug bool) *StdLogger {
	return &StdLogger{base: base, debug: debug}
}

// Debug logs a debug-level message when enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l == nil || l.base == nil || !l.debug {
		return
	}
	l.base.Print(render("DEBUG", msg, fields))
}

// Info logs an informational message.
func (l *StdLogger) Info(msg string, fields ...Field) {
	if l == nil || l.base == nil {
		return
	}
	l.base.Print(render("INFO", msg, fields))
}

// Warn logs a warning message.
func (l *StdLogger) Warn(msg string, fields ...Field) {
	if l == nil || l.base == nil {
		return
	}
	l.base.Print(render("WARN", msg, fields))
}

// Error logs an error message.
func (l *StdLogger) Error(msg string, fields ...Field) {
	if l == nil || l.base == nil {
		return
	}
	l.base.Print(render("ERROR", msg, fields))
}

func render(level, msg string, fields []Field) string {
	var sb strings.Builder
	sb.WriteString(level)
	sb.WriteString(" ")
	sb.WriteString(msg)
	for _, field := range fields {
		if strings.TrimSpace(field.Key) == "" {
			continue
		}
		sb.WriteString(" ")
		sb.WriteString(field.Key)
		sb.WriteString("=")
		sb.WriteString(fmt.Sprint(field.Value))
	}
	return sb.String()
}
