// Package log is the process-wide structured logger shared by the pipelines.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
	mu     sync.RWMutex
	logger = newLogger(os.Stderr)
)

func newLogger(w zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), w, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// SetOutput redirects all subsequent log entries to w.
func SetOutput(w zapcore.WriteSyncer) {
	mu.Lock()
	logger = newLogger(w)
	mu.Unlock()
}

// SetLevel accepts zap level names: debug, info, warn, error.
func SetLevel(name string) error {
	return level.UnmarshalText([]byte(name))
}

func SetVerbose(verbose bool) {
	if verbose {
		level.SetLevel(zap.DebugLevel)
	}
}

func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

func Sync() error {
	return L().Sync()
}
