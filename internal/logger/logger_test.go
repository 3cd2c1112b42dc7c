package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"2", zapcore.Level(-2), false},
		{"0", zapcore.InfoLevel, true},
		{"loud", zapcore.InfoLevel, true},
	}

	for _, tc := range tests {
		got, err := StringToLevel(tc.in, zapcore.InfoLevel)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestAddFlags_SetsLevel(t *testing.T) {
	t.Parallel()

	l := New("test")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	l.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{"-v=3", "--log-file=/tmp/x.log"}))
	assert.True(t, l.V(3).Enabled())
	assert.False(t, l.V(4).Enabled())
	assert.Equal(t, "/tmp/x.log", LogFileFlag(fs))
}

func TestAttachFile_AvoidsExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relay.log")
	require.NoError(t, os.WriteFile(path, []byte("taken"), 0o600))

	l := New("test")
	require.NoError(t, l.AttachFile("test", path))
	l.Info("hello", "k", "v")
	l.Flush()

	data, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)

	orig, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "taken", string(orig))
}

func TestWriteCritical_Appends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", criticalLogName)
	WriteCritical(path, "first trace")
	WriteCritical(path, "second trace")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "----- Critical error with pydevd dap adapter:\nfirst trace")
	assert.Contains(t, string(data), "second trace")
}
