// Package observability builds the process logger.
package observability

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/vdm/internal/config"
)

// NewLogger creates a structured logger from the given logging configuration.
// The returned level can be changed at runtime; it is also an http.Handler
// that reports and updates the level.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
		zapCfg.Sampling = nil
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = level
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("building logger: %w", err)
	}
	return logger, level, nil
}

// Phase logs the start of a named startup phase and returns a function that
// logs its completion with the elapsed time.
func Phase(logger *zap.Logger, name string) func(fields ...zap.Field) {
	start := time.Now()
	logger.Debug("phase started", zap.String("phase", name))
	return func(fields ...zap.Field) {
		fields = append(fields, zap.String("phase", name), zap.Duration("elapsed", time.Since(start)))
		logger.Info("phase complete", fields...)
	}
}
