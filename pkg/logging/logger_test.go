package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZapLogger_Levels(t *testing.T) {
	for _, level := range []string{"DEBUG", "info", "WARN", "Error", "FATAL", "bogus"} {
		logger, err := NewZapLogger(level)
		require.NoError(t, err, "level %q", level)
		require.NotNil(t, logger)
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, level)
	assert.Equal(t, "WARN", level.String())

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestWithField_ReturnsIndependentLogger(t *testing.T) {
	base, err := NewZapLogger("INFO")
	require.NoError(t, err)

	child := base.WithField("component", "test")
	require.NotNil(t, child)
	assert.NotSame(t, base, child)

	// Chaining must not panic and must keep returning loggers.
	grandchild := child.WithField("pair", "BTC_USDT")
	grandchild.Info("fields attached", "key", "value")
}

func TestGlobalLogger_SelfInitializes(t *testing.T) {
	assert.NotNil(t, GetGlobalLogger())
}
