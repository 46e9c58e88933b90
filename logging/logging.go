// Package logging contains the structured logger used throughout pcstream.
package logging

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var (
	globalMu     sync.RWMutex
	globalLogger = NewDebugLogger("startup")
)

// ReplaceGlobal replaces the global loggers.
func ReplaceGlobal(logger Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// Global returns the global logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// NewLoggerConfig returns a new default logger config.
func NewLoggerConfig() zap.Config {
	// from https://github.com/uber-go/zap/blob/2314926ec34c23ee21f3dd4399438469668f8097/config.go#L135
	// but disable stacktraces, use same keys as prod, and color levels.
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.DebugLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// NewLogger returns a new logger that outputs Info+ logs to stderr in UTC.
func NewLogger(name string) Logger {
	return newFromConfig(name, INFO, NewLoggerConfig())
}

// NewDebugLogger returns a new logger that outputs Debug+ logs to stderr in UTC.
func NewDebugLogger(name string) Logger {
	return newFromConfig(name, DEBUG, NewLoggerConfig())
}

// NewJSONLogger returns a new logger that outputs Info+ logs to stderr as json lines.
func NewJSONLogger(name string) Logger {
	config := NewLoggerConfig()
	config.Encoding = "json"
	config.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	return newFromConfig(name, INFO, config)
}

// NewBlankLogger returns a new logger that discards everything. It is handy as a default
// when no logger is supplied.
func NewBlankLogger(name string) Logger {
	return &impl{name: name, level: NewAtomicLevelAt(DEBUG), base: zap.NewNop().Sugar()}
}

func newFromConfig(name string, level Level, config zap.Config) Logger {
	config.EncoderConfig.EncodeTime = utcTimeEncoder
	base := zap.Must(config.Build(zap.AddCallerSkip(1))).Sugar()
	if name != "" {
		base = base.Named(name)
	}
	return &impl{name: name, level: NewAtomicLevelAt(level), base: base}
}

func utcTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	zapcore.ISO8601TimeEncoder(t.UTC(), enc)
}

// NewTestLogger returns a new logger that outputs Debug+ logs through the test object.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also saves logs to an in memory observer.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	observerCore, observedLogs := observer.New(zap.LevelEnablerFunc(zapcore.DebugLevel.Enabled))
	testCore := zaptest.NewLogger(tb, zaptest.Level(zapcore.DebugLevel)).Core()
	base := zap.New(zapcore.NewTee(testCore, observerCore), zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
	return &impl{level: NewAtomicLevelAt(DEBUG), base: base}, observedLogs
}
