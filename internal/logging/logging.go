package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger is a simple leveled logger that writes to the console.
// Arguments after the message are alternating key/value pairs.
type Logger struct {
	*log.Logger
	component string
}

// NewLogger creates a new Logger.
func NewLogger() *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "", log.LstdFlags),
	}
}

// With returns a logger that prefixes every line with a component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Info logs an informational message.
func (l *Logger) Info(msg string, kv ...interface{}) {
	l.emit("INFO", msg, kv...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.emit("WARN", msg, kv...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, kv ...interface{}) {
	l.emit("ERROR", msg, kv...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.emit("DEBUG", msg, kv...)
}

func (l *Logger) emit(level, msg string, kv ...interface{}) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(": ")
	if l.component != "" {
		b.WriteString("[")
		b.WriteString(l.component)
		b.WriteString("] ")
	}
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	l.Print(b.String())
}
