package logging

import (
	"os"
	"sync"
)

var (
	globalLogger = DefaultLogger()
	globalMu     sync.RWMutex
)

// SetGlobal replaces the process-wide fallback logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the process-wide fallback logger.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Configure builds a logger from config strings and installs it as the global logger.
func Configure(level, format string) *Logger {
	lvl := ParseLevel(level)
	l := New(Config{
		Level:     lvl,
		Format:    ParseFormat(format),
		Output:    os.Stderr,
		AddCaller: lvl == LevelDebug,
	})
	SetGlobal(l)
	return l
}

func Infof(msg string, fields map[string]any)  { Global().Infof(msg, fields) }
func Warnf(msg string, fields map[string]any)  { Global().Warnf(msg, fields) }
func Errorf(msg string, fields map[string]any) { Global().Errorf(msg, fields) }
