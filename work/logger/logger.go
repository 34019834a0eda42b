package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// LogLevel is the severity threshold for a Logger.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Logger is a leveled logger writing through the standard library log package,
// so output keeps the usual timestamp prefix.
type Logger struct {
	level LogLevel
	mu    sync.RWMutex
}

// New creates a Logger with the given level name. Unknown names fall back to INFO.
func New(level string) *Logger {
	return &Logger{level: ParseLevel(level)}
}

// ParseLevel converts a level name to a LogLevel.
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLevel changes the logger's threshold at runtime.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLevel(level)
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func emit(tag string, format string, v ...interface{}) {
	log.Printf("[%s] %s", tag, fmt.Sprintf(format, v...))
}

// Debug logs debug level messages.
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.shouldLog(DEBUG) {
		emit("DEBUG", format, v...)
	}
}

// Info logs info level messages.
func (l *Logger) Info(format string, v ...interface{}) {
	if l.shouldLog(INFO) {
		emit("INFO", format, v...)
	}
}

// Warn logs warning level messages.
func (l *Logger) Warn(format string, v ...interface{}) {
	if l.shouldLog(WARN) {
		emit("WARN", format, v...)
	}
}

// Error logs error level messages.
func (l *Logger) Error(format string, v ...interface{}) {
	if l.shouldLog(ERROR) {
		emit("ERROR", format, v...)
	}
}
