// Package logging builds the structured logger shared by every streaming
// component.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production-tuned zap.Logger: JSON output, ISO8601
// timestamps, info level by default.
func New() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Nop returns a logger that discards everything, for tests and callers
// that don't want log output.
func Nop() *zap.Logger {
	return zap.NewNop()
}
