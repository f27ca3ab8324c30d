package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_DefaultLevels(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	local, err := New("local")
	require.NoError(t, err)
	assert.True(t, local.Core().Enabled(zapcore.DebugLevel))

	prod, err := New("production")
	require.NoError(t, err)
	assert.False(t, prod.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, prod.Core().Enabled(zapcore.InfoLevel))
}

func TestNew_LevelOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	logger, err := New("local")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	t.Setenv("LOG_LEVEL", "loud")
	_, err = New("local")
	assert.Error(t, err)
}
