package dlogger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	l, err := New(LogLevelNone)
	require.NoError(t, err)
	require.NotNil(t, l)

	l, err = New("")
	require.NoError(t, err)
	require.NotNil(t, l)

	l, err = New(LogLevelDebug)
	require.NoError(t, err)
	require.NotNil(t, l)

	_, err = New("shouting")
	require.Error(t, err)
}

func TestDefaultHonoursEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	require.NotNil(t, Default())

	t.Setenv(EnvLogLevel, LogLevelDebug)
	require.True(t, Default().Core().Enabled(-1)) // zapcore.DebugLevel

	// invalid values fall back to silence rather than panicking
	t.Setenv(EnvLogLevel, "shouting")
	require.NotNil(t, Default())
}

func TestLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	l := LoggerTo(&buf)
	l.Info("hello")
	require.NoError(t, l.Sync())
	require.Contains(t, buf.String(), "hello")
}
