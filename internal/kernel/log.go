package kernel

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel orders log severities.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarning
	LogError
)

// String returns the level's display tag.
func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "DEBUG"
	case LogInfo:
		return "INFO"
	case LogWarning:
		return "WARN"
	case LogError:
		return "ERROR"
	default:
		return "?"
	}
}

// ParseLogLevel maps a configuration string to a level.
func ParseLogLevel(s string) (LogLevel, error) {
	switch s {
	case "debug":
		return LogDebug, nil
	case "info":
		return LogInfo, nil
	case "warning":
		return LogWarning, nil
	case "error":
		return LogError, nil
	default:
		return LogInfo, fmt.Errorf("kernel: unknown log level %q", s)
	}
}

// Logger is the kernel's leveled logger. Level changes take effect
// immediately, which config hot-reload relies on.
type Logger struct {
	mu    sync.Mutex
	level LogLevel
	out   io.Writer
}

// NewLogger writes messages at or above level to out. A nil out selects
// standard error.
func NewLogger(level LogLevel, out io.Writer) *Logger {
	if out == nil {
		out = os.Stderr
	}
	return &Logger{level: level, out: out}
}

// SetLevel adjusts the minimum emitted severity.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) logf(level LogLevel, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	fmt.Fprintf(l.out, "[%s] %s: %s\n",
		level, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...any) { l.logf(LogDebug, format, args...) }

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...any) { l.logf(LogInfo, format, args...) }

// Warnf logs at warning level.
func (l *Logger) Warnf(format string, args ...any) { l.logf(LogWarning, format, args...) }

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...any) { l.logf(LogError, format, args...) }
