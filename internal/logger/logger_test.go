package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesInfoToFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, false)
	require.NoError(t, err)

	l.Info("session started")
	l.Debug("hidden")
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(dir, "swapsync_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"session started"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestDebugToggle(t *testing.T) {
	l, err := New("", false)
	require.NoError(t, err)
	defer l.Close()

	assert.False(t, l.Debugging())
	l.SetDebug(true)
	assert.True(t, l.Debugging())
}
