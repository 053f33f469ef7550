package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger adapts a stdlib *log.Logger to the Logger interface.
type StdLogger struct {
	backend *log.Logger
	debug   bool
}

// NewStdLogger wraps the provided stdlib logger. Debug lines are suppressed
// unless debug is set.
func NewStdLogger(backend *log.Logger, debug bool) *StdLogger {
	return &StdLogger{backend: backend, debug: debug}
}

// Debug logs at debug level when enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l == nil || l.backend == nil || !l.debug {
		return
	}
	l.backend.Print(render("DEBUG", msg, fields))
}

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) {
	if l == nil || l.backend == nil {
		return
	}
	l.backend.Print(render("INFO", msg, fields))
}

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) {
	if l == nil || l.backend == nil {
		return
	}
	l.backend.Print(render("ERROR", msg, fields))
}

func render(level, msg string, fields []Field) string {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, field := range fields {
		b.WriteByte(' ')
		b.WriteString(field.Key)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", field.Value)
	}
	return b.String()
}
