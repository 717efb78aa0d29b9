// Package telemetry provides the structured logger shared across the store
// and mmr packages. It wraps zap the way application code in this codebase
// is expected to: a single *zap.SugaredLogger handed down through
// constructors, never a global.
package telemetry

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style JSON logger at the given level. Pass
// "debug", "info", "warn", or "error" (zap also accepts "dpanic", "panic"
// and "fatal"); any text zap cannot parse as a level defaults to "info".
func New(level string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return logger.Sugar(), nil
}

// Noop returns a logger that discards everything, for tests and for callers
// that have not wired up telemetry yet.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
