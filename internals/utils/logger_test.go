package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitLoggerLevels(t *testing.T) {
	t.Cleanup(func() { Logger = nil })

	require.NoError(t, InitLogger("warn", "console"))
	assert.False(t, GetLogger().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, GetLogger().Core().Enabled(zapcore.WarnLevel))

	require.NoError(t, InitLogger("bogus", "json"))
	assert.True(t, GetLogger().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, GetLogger().Core().Enabled(zapcore.DebugLevel))
}

func TestPionLoggerFactoryWritesToZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	factory := NewPionLoggerFactory(zap.New(core))

	l := factory.NewLogger("ice")
	l.Tracef("trace %d", 1)
	l.Warn("careful")
	l.Errorf("broken %s", "pipe")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "trace 1", entries[0].Message)
	assert.Equal(t, "pion.ice", entries[1].LoggerName)
	assert.Equal(t, "broken pipe", entries[2].Message)
}
