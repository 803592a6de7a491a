package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/vdm/internal/config"
)

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, level, err := NewLogger(config.LoggingConfig{Level: "info", Format: format})
		require.NoError(t, err, format)
		assert.NotNil(t, logger)
		assert.Equal(t, zapcore.InfoLevel, level.Level())
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, _, err := NewLogger(config.LoggingConfig{Level: "trace", Format: "json"})
	assert.Error(t, err)
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	_, _, err := NewLogger(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestNewLogger_LevelIsAdjustable(t *testing.T) {
	logger, level, err := NewLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	level.SetLevel(zapcore.DebugLevel)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestPhase_LogsElapsed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	done := Phase(zap.New(core), "storage")
	done(zap.String("driver", "memory"))

	entries := logs.FilterMessage("phase complete").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "storage", fields["phase"])
	assert.Equal(t, "memory", fields["driver"])
	assert.Contains(t, fields, "elapsed")
}
