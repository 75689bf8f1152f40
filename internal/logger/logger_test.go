package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  zapcore.Level
		fails bool
	}{
		{value: "debug", want: zapcore.DebugLevel},
		{value: "ERROR", want: zapcore.ErrorLevel},
		{value: "2", want: zapcore.Level(-2)},
		{value: "0", want: zapcore.InfoLevel, fails: true},
		{value: "loud", want: zapcore.InfoLevel, fails: true},
	}

	for _, tc := range tests {
		level, err := StringToLevel(tc.value, zapcore.InfoLevel)
		if tc.fails {
			require.Error(t, err, tc.value)
		} else {
			require.NoError(t, err, tc.value)
		}

		require.Equal(t, tc.want, level, tc.value)
	}
}

func TestLoggerVerbosity(t *testing.T) {
	t.Parallel()

	log := New("test")
	require.False(t, log.V(1).Enabled())

	require.NoError(t, log.SetVerbosity("1"))
	require.True(t, log.V(1).Enabled())
	require.False(t, log.V(2).Enabled())

	require.Error(t, log.SetVerbosity("x"))
	log.Flush()
}
