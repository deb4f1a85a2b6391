package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides leveled logging with redaction support
type Logger struct {
	log *logrus.Logger
}

// New creates a new logger instance writing to stderr
func New(debug, noColor bool) *Logger {
	return NewWithWriter(os.Stderr, debug, noColor)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, debug, noColor bool) *Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&symbolFormatter{noColor: noColor})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return &Logger{log: log}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewWithWriter(io.Discard, false, true)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
}

// Debug logs a debug message if debug mode is enabled
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

// DebugEnabled reports whether Debug messages are emitted
func (l *Logger) DebugEnabled() bool {
	return l.log.IsLevelEnabled(logrus.DebugLevel)
}

// symbolFormatter renders entries as a status symbol followed by the message
type symbolFormatter struct {
	noColor bool
}

func (f *symbolFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var symbol, color string
	switch entry.Level {
	case logrus.DebugLevel, logrus.TraceLevel:
		symbol, color = "[DEBUG]", "36"
	case logrus.InfoLevel:
		symbol, color = "✓", "32"
	case logrus.WarnLevel:
		symbol, color = "⚠", "33"
	default:
		symbol, color = "✗", "31"
	}

	var b bytes.Buffer
	if f.noColor {
		fmt.Fprintf(&b, "%s %s\n", symbol, entry.Message)
	} else {
		fmt.Fprintf(&b, "\033[%sm%s\033[0m %s\n", color, symbol, entry.Message)
	}
	return b.Bytes(), nil
}

// Secret represents a value that should be redacted in logs
type Secret string

// String implements the Stringer interface, always returning a redacted value
func (s Secret) String() string {
	return "[REDACTED]"
}

// GoString implements the GoStringer interface for %#v formatting
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// Redact replaces sensitive values in a string with [REDACTED]
func Redact(s string, secrets []string) string {
	result := s
	for _, secret := range secrets {
		if secret != "" && len(secret) > 3 { // Only redact non-trivial secrets
			result = strings.ReplaceAll(result, secret, "[REDACTED]")
		}
	}
	return result
}
