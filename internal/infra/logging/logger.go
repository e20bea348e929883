// Package logging builds the zap loggers shared by quotestream binaries.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production JSON logger for prod and staging, and a
// human-friendly development logger otherwise. The returned func flushes
// buffered entries and should be deferred by the caller.
func New(environment string, level string) (*zap.Logger, func() error, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "prod", "production", "staging":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if lvl := strings.TrimSpace(level); lvl != "" {
		parsed, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return logger, logger.Sync, nil
}

// Named returns a child logger tagged with the component field, or a no-op
// logger when base is nil.
func Named(base *zap.Logger, component string) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	return base.With(zap.String("component", component))
}
