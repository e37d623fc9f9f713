// Package logger builds the CLI's zap logger: JSON info/error records to an
// optional daily file, console warnings to stderr, and console debug output
// that can be switched on at runtime.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a teed zap logger with a runtime debug switch.
type Logger struct {
	*zap.Logger
	debug atomic.Bool
	file  *os.File
}

// New creates a logger. When logDir is empty, info and error records go to
// stderr instead of a file.
func New(logDir string, debug bool) (*Logger, error) {
	l := &Logger{}
	l.debug.Store(debug)

	infoSink := zapcore.AddSync(os.Stderr)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		name := filepath.Join(logDir, fmt.Sprintf("swapsync_%s.log", time.Now().Format("2006-01-02")))
		f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		infoSink = zapcore.AddSync(f)
	}

	infoErrorCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		infoSink,
		zap.LevelEnablerFunc(func(level zapcore.Level) bool {
			return level == zapcore.InfoLevel || level >= zapcore.ErrorLevel
		}),
	)

	debugCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(os.Stderr),
		zap.LevelEnablerFunc(func(level zapcore.Level) bool {
			return l.debug.Load() && level == zapcore.DebugLevel
		}),
	)

	warnCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(os.Stderr),
		zap.LevelEnablerFunc(func(level zapcore.Level) bool {
			return level == zapcore.WarnLevel
		}),
	)

	l.Logger = zap.New(zapcore.NewTee(infoErrorCore, debugCore, warnCore), zap.AddCaller())
	return l, nil
}

// SetDebug toggles debug output.
func (l *Logger) SetDebug(on bool) {
	l.debug.Store(on)
}

// Debugging reports whether debug output is on.
func (l *Logger) Debugging() bool {
	return l.debug.Load()
}

// Close flushes buffered records and closes the log file.
func (l *Logger) Close() error {
	// Sync on a terminal returns EINVAL on some platforms; ignore it.
	_ = l.Logger.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
