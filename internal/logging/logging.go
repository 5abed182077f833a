// Package logging provides a leveled logger with colored output, timestamps and
// per-component prefixes.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs debug messages and above.
	LevelDebug
	// LevelTrace logs everything, including per-execution details.
	LevelTrace
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

func (l Level) color() string {
	switch l {
	case LevelError:
		return colorRed
	case LevelWarn:
		return colorYellow
	case LevelInfo:
		return colorGreen
	case LevelDebug:
		return colorCyan
	default:
		return colorGray
	}
}

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
	colorBlue   = "\033[34m"
)

// sink is the state shared by a logger and all of its component children.
type sink struct {
	mu        sync.Mutex
	level     Level
	output    io.Writer
	useColor  bool
	timestamp string
}

// Logger provides leveled logging with optional color support. Loggers returned
// by Named share level and output with their parent.
type Logger struct {
	sink      *sink
	component string
}

// NewLogger creates a new logger with the specified level writing to stderr.
// Color output is automatically enabled if writing to a terminal.
func NewLogger(level Level) *Logger {
	return &Logger{sink: &sink{
		level:     level,
		output:    os.Stderr,
		useColor:  isTTY(os.Stderr),
		timestamp: "2006-01-02 15:04:05",
	}}
}

// Discard returns a logger that drops everything. Components use it when no
// logger is configured.
func Discard() *Logger {
	l := NewLogger(LevelError)
	l.sink.output = io.Discard
	l.sink.useColor = false
	return l
}

// OrDiscard returns l, or a discarding logger if l is nil.
func OrDiscard(l *Logger) *Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// Named returns a child logger whose messages are prefixed with the component
// name. Nested names are joined with a dot.
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{sink: l.sink, component: name}
}

// Component returns the component name of this logger ("" for the root).
func (l *Logger) Component() string {
	return l.component
}

// SetOutput sets the output writer for the logger and all loggers sharing it.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output = w
	if f, ok := w.(*os.File); ok {
		l.sink.useColor = isTTY(f)
	} else {
		l.sink.useColor = false
	}
}

// SetColorEnabled explicitly enables or disables color output.
func (l *Logger) SetColorEnabled(enabled bool) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.useColor = enabled
}

// SetLevel changes the logging level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return level <= l.GetLevel()
}

func (l *Logger) write(tag, color, format string, args []interface{}) {
	s := l.sink
	timestamp := time.Now().Format(s.timestamp)
	message := fmt.Sprintf(format, args...)

	var prefix string
	if l.component != "" {
		if s.useColor {
			prefix = fmt.Sprintf("%s[%s]%s ", colorBlue, l.component, colorReset)
		} else {
			prefix = "[" + l.component + "] "
		}
	}

	if s.useColor {
		fmt.Fprintf(s.output, "%s [%s%s%s]  %s%s\n", timestamp, color, tag, colorReset, prefix, message)
	} else {
		fmt.Fprintf(s.output, "%s [%s]  %s%s\n", timestamp, tag, prefix, message)
	}
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if level > l.sink.level {
		return
	}
	l.write(level.String(), level.color(), format, args)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Trace logs a trace message (most verbose).
func (l *Logger) Trace(format string, args ...interface{}) {
	l.log(LevelTrace, format, args...)
}

// Stats logs a campaign statistics line. It is written regardless of level.
func (l *Logger) Stats(format string, args ...interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.write("STATS", colorBold, format, args)
}

// ParseLevel parses a string into a Level.
// Valid values: error, warn, info, debug, trace (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q: must be error, warn, info, debug, or trace", s)
	}
}

// isTTY checks if the given file is a terminal.
func isTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
