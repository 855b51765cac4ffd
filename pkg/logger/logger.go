// Package logger provides the single leveled logger every component
// logs through, backed by zap. Debug, Info and Error format their
// message printf-style; With returns a child logger that carries
// structured key/value fields.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base *zap.SugaredLogger
)

func init() {
	base = build(zapcore.InfoLevel)
}

func build(level zapcore.Level) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a no-op logger rather than panicking the caller;
		// logging must never be able to crash the collaborative session.
		l = zap.NewNop()
	}
	return l.Sugar()
}

// Init (re)configures the logger from LOG_LEVEL, in the same
// debug/info/error vocabulary the rest of this repo uses.
func Init() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))
	var level zapcore.Level
	switch levelStr {
	case "debug":
		level = zapcore.DebugLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	mu.Lock()
	defer mu.Unlock()
	base = build(level)
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Debug logs a debug message (only if LOG_LEVEL=debug).
func Debug(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

// Info logs an info message (LOG_LEVEL=info or debug).
func Info(format string, v ...interface{}) {
	current().Infof(format, v...)
}

// Error logs an error message (always logged).
func Error(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

// With returns a child logger carrying structured fields (e.g.
// documentId, userId) for the duration of one request or edit.
func With(keyValues ...interface{}) *zap.SugaredLogger {
	return current().With(keyValues...)
}

// Sync flushes any buffered log entries; call during graceful
// shutdown.
func Sync() {
	_ = current().Sync()
}
