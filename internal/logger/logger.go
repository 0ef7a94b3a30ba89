// Package logger provides the daemon's thread-safe, levelled logger backed
// by the standard library's log package, the same primitive the teacher
// uses, extended with a component tag so the many concurrently-running
// daemon parts (connserver, isolate manager, dispatcher, admin, dashboard)
// can be told apart in a single shared log stream.
package logger

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Level represents a logging verbosity level.
type Level int

const (
	// LevelDebug emits all messages.
	LevelDebug Level = iota
	// LevelInfo emits INFO and ERROR messages.
	LevelInfo
	// LevelError emits only ERROR messages.
	LevelError
)

// Logger is a structured, levelled logger for one daemon component.
//
// Thread-safety: log.Logger (from the standard library) serialises writes to
// the underlying io.Writer with its own mutex. The Logger wrapper adds a
// second mutex only for the level field so that SetLevel may be called
// concurrently with logging methods.
type Logger struct {
	infoLog  *log.Logger
	errorLog *log.Logger
	debugLog *log.Logger
	mu       sync.RWMutex
	level    Level

	// component tags every line emitted by this Logger, e.g. "connserver"
	// or "isolate[42]". Empty means untagged (the root logger).
	component string
}

// New creates a root Logger that writes to stderr at the given minimum
// level. log.Ldate|log.Ltime|log.Lmicroseconds gives microsecond-resolution
// timestamps, sufficient for diagnosing latency across a daemon handling
// many concurrent guest connections.
func New(level Level) *Logger {
	flags := log.Ldate | log.Ltime | log.Lmicroseconds
	return &Logger{
		infoLog:  log.New(os.Stderr, "INFO  ", flags),
		errorLog: log.New(os.Stderr, "ERROR ", flags),
		debugLog: log.New(os.Stderr, "DEBUG ", flags),
		level:    level,
	}
}

// With returns a Logger that shares this Logger's destinations, starts at
// its current level (later SetLevel calls on either do not affect the
// other), and tags every line with component, e.g. log.With("connserver").Infof(...)
// prints "INFO  ... [connserver] ...". Nesting concatenates tags
// ("connserver" then "conn 7" becomes "[connserver.conn 7]").
func (l *Logger) With(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tag := component
	if l.component != "" {
		tag = l.component + "." + component
	}
	return &Logger{
		infoLog:   l.infoLog,
		errorLog:  l.errorLog,
		debugLog:  l.debugLog,
		level:     l.level,
		component: tag,
	}
}

// SetLevel changes the minimum log level at runtime. Safe for concurrent use.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) tag(msg string) string {
	if l.component == "" {
		return msg
	}
	return "[" + l.component + "] " + msg
}

// Info logs a message at INFO level.
func (l *Logger) Info(msg string) {
	l.mu.RLock()
	lvl := l.level
	l.mu.RUnlock()
	if lvl <= LevelInfo {
		l.infoLog.Output(2, l.tag(msg)) //nolint:errcheck
	}
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string) {
	l.mu.RLock()
	lvl := l.level
	l.mu.RUnlock()
	if lvl <= LevelError {
		l.errorLog.Output(2, l.tag(msg)) //nolint:errcheck
	}
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string) {
	l.mu.RLock()
	lvl := l.level
	l.mu.RUnlock()
	if lvl <= LevelDebug {
		l.debugLog.Output(2, l.tag(msg)) //nolint:errcheck
	}
}

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}
