package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var (
	levelNames = map[LogLevel]string{
		DEBUG:  "DEBUG",
		INFO:   "INFO",
		WARN:   "WARN",
		ERROR:  "ERROR",
		SILENT: "SILENT",
	}

	levelColors = map[LogLevel]string{
		DEBUG: "\033[36m", // Cyan
		INFO:  "\033[32m", // Green
		WARN:  "\033[33m", // Yellow
		ERROR: "\033[31m", // Red
	}

	resetColor = "\033[0m"
)

// Logger writes leveled, module-tagged lines to a single writer.
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	useColor bool
	out      *log.Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(INFO, os.Stderr, false)
	initOnce      sync.Once
)

// Init replaces the process-wide logger. Only the first call has effect.
func Init(level LogLevel, output io.Writer, useColor bool) {
	initOnce.Do(func() {
		l := New(level, output, useColor)
		defaultMu.Lock()
		defaultLogger = l
		defaultMu.Unlock()
	})
}

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		level:    level,
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level != SILENT && level >= l.GetLevel()
}

func (l *Logger) write(level LogLevel, module string, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}

	prefix := "[" + levelNames[level] + "]"
	if l.useColor {
		prefix = levelColors[level] + prefix + resetColor
	}
	if module != "" {
		prefix += " [" + module + "]"
	}

	l.out.Printf("%s %s", prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(module string, format string, args ...any) {
	l.write(DEBUG, module, format, args...)
}

func (l *Logger) Info(module string, format string, args ...any) {
	l.write(INFO, module, format, args...)
}

func (l *Logger) Warn(module string, format string, args ...any) {
	l.write(WARN, module, format, args...)
}

func (l *Logger) Error(module string, format string, args ...any) {
	l.write(ERROR, module, format, args...)
}

// Module binds a Logger to a fixed module tag. Components hold one of
// these so tests can swap the backing Logger.
type Module struct {
	name string
	l    *Logger
}

// For returns a module logger backed by the process-wide logger at call
// time of each message.
func For(module string) *Module {
	return &Module{name: module}
}

// Module returns a module logger backed by l.
func (l *Logger) Module(module string) *Module {
	return &Module{name: module, l: l}
}

func (m *Module) backend() *Logger {
	if m == nil {
		return Default()
	}
	if m.l != nil {
		return m.l
	}
	return Default()
}

func (m *Module) tag() string {
	if m == nil {
		return ""
	}
	return m.name
}

func (m *Module) Debug(format string, args ...any) { m.backend().Debug(m.tag(), format, args...) }
func (m *Module) Info(format string, args ...any)  { m.backend().Info(m.tag(), format, args...) }
func (m *Module) Warn(format string, args ...any)  { m.backend().Warn(m.tag(), format, args...) }
func (m *Module) Error(format string, args ...any) { m.backend().Error(m.tag(), format, args...) }

// Global logger functions (use default logger)

// SetLevel sets the global log level
func SetLevel(level LogLevel) { Default().SetLevel(level) }

// GetLevel returns the global log level
func GetLevel() LogLevel { return Default().GetLevel() }

func Debug(module string, format string, args ...any) { Default().Debug(module, format, args...) }
func Info(module string, format string, args ...any)  { Default().Info(module, format, args...) }
func Warn(module string, format string, args ...any)  { Default().Warn(module, format, args...) }
func Error(module string, format string, args ...any) { Default().Error(module, format, args...) }

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
