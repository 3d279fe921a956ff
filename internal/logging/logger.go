package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// Logger provides leveled logging with context fields and redaction support
type Logger struct {
	debug   bool
	noColor bool
	out     io.Writer
	mu      *sync.Mutex
	fields  []field
}

type field struct {
	key   string
	value string
}

// New creates a new logger that writes to stderr
func New(debug, noColor bool) *Logger {
	return NewWithWriter(os.Stderr, debug, noColor)
}

// NewWithWriter creates a logger that writes to w
func NewWithWriter(w io.Writer, debug, noColor bool) *Logger {
	return &Logger{
		debug:   debug,
		noColor: noColor,
		out:     w,
		mu:      &sync.Mutex{},
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewWithWriter(io.Discard, false, true)
}

// With returns a child logger that appends key=value to every line.
// Values of type Secret stay redacted.
func (l *Logger) With(key string, value interface{}) *Logger {
	child := *l
	child.fields = make([]field, 0, len(l.fields)+1)
	child.fields = append(child.fields, l.fields...)
	child.fields = append(child.fields, field{key: key, value: fmt.Sprint(value)})
	return &child
}

// DebugEnabled reports whether debug lines are emitted
func (l *Logger) DebugEnabled() bool {
	return l.debug
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.write("\033[32m✓\033[0m", "✓", format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write("\033[33m⚠\033[0m", "⚠", format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("\033[31m✗\033[0m", "✗", format, args...)
}

// Debug logs a debug message if debug mode is enabled
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.write("\033[36m[DEBUG]\033[0m", "[DEBUG]", format, args...)
}

func (l *Logger) write(colored, plain, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if len(l.fields) > 0 {
		msg += " " + l.formatFields()
	}

	marker := colored
	if l.noColor {
		marker = plain
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %s\n", marker, msg)
}

func (l *Logger) formatFields() string {
	fields := make([]field, len(l.fields))
	copy(fields, l.fields)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].key < fields[j].key })

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.key+"="+f.value)
	}
	return strings.Join(parts, " ")
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

// Mask keeps the first four characters of a credential for operator display
func Mask(credential string) string {
	if len(credential) <= 8 {
		return "****"
	}
	return credential[:4] + strings.Repeat("*", 8)
}
