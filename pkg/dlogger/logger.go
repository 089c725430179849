// Package dlogger builds the zap loggers threaded through the update
// core. Components never log through globals: each takes a logger via
// its Logger option and falls back to Default(), which is silent
// unless the environment opts into a level.
package dlogger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// EnvLogLevel is the environment variable Default consults.
	EnvLogLevel = "SPEEDUPDATE_LOG"

	// LogLevelDebug enables debug logging
	LogLevelDebug = "debug"

	// LogLevelInfo enables info logging
	LogLevelInfo = "info"

	// LogLevelNone disables logging
	LogLevelNone = "none"
)

// New returns a zap logger at the given level. An empty level or
// LogLevelNone yields a no-op logger.
func New(level string) (*zap.Logger, error) {
	if level == "" || level == LogLevelNone {
		return zap.NewNop(), nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Must returns a zap logger at the given level or panics.
func Must(level string) *zap.Logger {
	l, err := New(level)
	if err != nil {
		panic(err)
	}
	return l
}

// Default is the logger components use when given no Logger option.
// The level comes from SPEEDUPDATE_LOG; unset, empty or invalid
// values mean no logging, so the core stays silent by default.
func Default() *zap.Logger {
	l, err := New(os.Getenv(EnvLogLevel))
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// LoggerTo builds a debug logger writing to w, for tests.
func LoggerTo(w io.Writer) *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(writeSyncer{w}),
		zapcore.DebugLevel,
	)
	return zap.New(core)
}

type writeSyncer struct{ io.Writer }

func (writeSyncer) Sync() error { return nil }
