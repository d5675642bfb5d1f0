package modbus

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel type defines the severity of a log message.
type LogLevel int

const (
	LevelTrace LogLevel = iota // Raw traffic dumps
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
	LevelNone // Disables logging
)

// LevelToString maps LogLevel to its string representation.
var LevelToString = map[LogLevel]string{
	LevelTrace:   "TRACE",
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
	LevelNone:    "NONE",
}

// StringToLevel maps string representation of LogLevel to its value.
var StringToLevel = map[string]LogLevel{
	"TRACE":   LevelTrace,
	"DEBUG":   LevelDebug,
	"INFO":    LevelInfo,
	"WARNING": LevelWarning,
	"WARN":    LevelWarning,
	"ERROR":   LevelError,
	"NONE":    LevelNone,
}

// ParseLevel converts a level name such as "debug" into a LogLevel.
func ParseLevel(levelStr string) (LogLevel, error) {
	if level, ok := StringToLevel[strings.ToUpper(levelStr)]; ok {
		return level, nil
	}
	return LevelNone, fmt.Errorf("invalid log level: %s", levelStr)
}

// SimpleLogger is an io.Writer that filters messages by their level prefix
// ("WARNING: ...") and stamps them with time and a component prefix.
// Transports and clients write to it through logf.
type SimpleLogger struct {
	mu         sync.Mutex
	level      LogLevel
	output     io.Writer
	timeFormat string
	prefix     string
}

// NewSimpleLogger creates a new SimpleLogger instance.
// If output is nil, it defaults to os.Stdout.
func NewSimpleLogger(output io.Writer, level LogLevel, prefix string) *SimpleLogger {
	if output == nil {
		output = os.Stdout
	}
	return &SimpleLogger{
		level:      level,
		output:     output,
		timeFormat: time.RFC3339,
		prefix:     prefix,
	}
}

// SetLevel sets the logging level of the SimpleLogger.
func (l *SimpleLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level of the SimpleLogger.
func (l *SimpleLogger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetLevelFromString sets the logging level from a string representation (e.g., "DEBUG").
func (l *SimpleLogger) SetLevelFromString(levelStr string) error {
	level, err := ParseLevel(levelStr)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	return nil
}

// Write implements io.Writer. Messages below the configured level are
// dropped but still reported as written.
func (l *SimpleLogger) Write(p []byte) (n int, err error) {
	level, message := splitLevel(string(p))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level == LevelNone || level < l.level {
		return len(p), nil
	}
	line := fmt.Sprintf("%s [%s] <%s> %s\n", time.Now().Format(l.timeFormat),
		LevelToString[level], l.prefix, strings.TrimSpace(message))
	if _, err := io.WriteString(l.output, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying output unless it is stdout or stderr.
func (l *SimpleLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.output == os.Stdout || l.output == os.Stderr {
		return nil
	}
	if closer, ok := l.output.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// splitLevel infers the level from the message prefix and strips it.
// Messages without a known prefix are INFO.
func splitLevel(message string) (LogLevel, string) {
	upper := strings.ToUpper(message)
	for _, level := range []LogLevel{LevelTrace, LevelDebug, LevelInfo, LevelWarning, LevelError} {
		name := LevelToString[level]
		for _, p := range []string{"[" + name + "]", name + ":"} {
			if strings.HasPrefix(upper, p) {
				return level, message[len(p):]
			}
		}
	}
	if strings.HasPrefix(upper, "WARN:") {
		return LevelWarning, message[len("WARN:"):]
	}
	return LevelInfo, message
}

// logf writes one prefixed message to w. A nil w discards it.
func logf(w io.Writer, level LogLevel, format string, v ...any) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, LevelToString[level]+": "+format, v...)
}
