// Package logger builds the process logger.
package logger

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

// Logger is a logr.Logger backed by zap, with an adjustable level.
type Logger struct {
	logr.Logger

	atomicLevel zap.AtomicLevel
	flush       func()
}

// New returns a logger named name, writing human readable output to stderr
// at the info level.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level)

	zapLogger := zap.New(core)

	return &Logger{
		Logger:      zapr.NewLogger(zapLogger).WithName(name),
		atomicLevel: level,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

// SetLevel sets the minimum level that is written.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// SetVerbosity parses a level name or a positive verbosity number and applies it.
func (l *Logger) SetVerbosity(value string) error {
	level, err := StringToLevel(value, zapcore.InfoLevel)
	if err != nil {
		return err
	}

	l.SetLevel(level)

	return nil
}

// Flush writes out any buffered log entries.
func (l *Logger) Flush() {
	l.flush()
}

// StringToLevel converts a level name ("debug", "info", "warn", "error") or a
// positive logr verbosity into a zap level.
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, ok := levelStrings[strings.ToLower(value)]; ok {
		return level, nil
	}

	v, err := strconv.Atoi(value)
	if err != nil || v <= 0 {
		return defaultLevel, fmt.Errorf("invalid log level %q", value)
	}

	// logr V(n) maps to zap level -n.
	return zapcore.Level(int8(-v)), nil
}
