package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, level := range []string{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		l, err := New(level)
		require.NoError(t, err, level)
		want := zapcore.Level(0)
		require.NoError(t, want.UnmarshalText([]byte(level)))
		assert.True(t, l.Core().Enabled(want), level)
	}

	l, err := New(LevelNone)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.ErrorLevel))

	_, err = New("chatty")
	assert.Error(t, err)
	assert.Panics(t, func() { Must("chatty") })
}
