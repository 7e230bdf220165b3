// Package logging provides the process-wide logger. Until SetupLogger is
// called every call is discarded.
package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures SetupLogger
type Options struct {
	// Level is one of debug, info, warn, error
	Level string
	// Format is json or console
	Format string
	// File receives a copy of every entry when set
	File string
	// Debug forces the debug level
	Debug bool
}

var (
	mu      sync.RWMutex
	logger  = zap.NewNop()
	isSetup bool
)

// SetupLogger builds the zap logger from opts and installs it
func SetupLogger(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	// Check if logger is already set up
	if isSetup {
		return nil
	}

	level := parseLevel(opts.Level)
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encoding := "json"
	encCfg := zap.NewProductionEncoderConfig()
	if opts.Format == "console" {
		encoding = "console"
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	outputs := []string{"stderr"}
	if opts.File != "" {
		outputs = append(outputs, opts.File)
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      opts.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encCfg,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	built, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	logger = built
	isSetup = true
	logger.Debug("logger started", zap.String("level", level.String()), zap.String("format", encoding))
	return nil
}

// CloseLogger flushes buffered entries and reinstalls the no-op logger
func CloseLogger() {
	mu.Lock()
	defer mu.Unlock()

	if isSetup {
		_ = logger.Sync()
		logger = zap.NewNop()
		isSetup = false
	}
}

// ReplaceLogger installs l and returns a function that restores the previous
// logger. Intended for tests.
func ReplaceLogger(l *zap.Logger) func() {
	mu.Lock()
	defer mu.Unlock()

	prev, prevSetup := logger, isSetup
	logger, isSetup = l.WithOptions(zap.AddCallerSkip(1)), true
	return func() {
		mu.Lock()
		defer mu.Unlock()
		logger, isSetup = prev, prevSetup
	}
}

// Logger returns the underlying zap logger for structured fields
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger.WithOptions(zap.AddCallerSkip(-1))
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// DebugLog logs a message at debug level
func DebugLog(format string, args ...interface{}) {
	current().Debug(fmt.Sprintf(format, args...))
}

// LogInfo logs an information message
func LogInfo(format string, args ...interface{}) {
	current().Info(fmt.Sprintf(format, args...))
}

// LogWarning logs a warning message
func LogWarning(format string, args ...interface{}) {
	current().Warn(fmt.Sprintf(format, args...))
}

// LogError logs an error message
func LogError(format string, args ...interface{}) {
	current().Error(fmt.Sprintf(format, args...))
}

// LogAssetProcessed logs the outcome of processing one asset
func LogAssetProcessed(id string, success bool, errMsg string) {
	l := current()
	if success {
		l.Info("asset processed", zap.String("asset_id", id))
		return
	}
	l.Warn("asset failed", zap.String("asset_id", id), zap.String("error", errMsg))
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
