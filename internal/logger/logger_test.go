package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	log, err := New(dir, "api", false)
	require.NoError(t, err)

	log.Info("hello")
	_ = log.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "api.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"timestamp"`)
}

func TestNewStdoutOnly(t *testing.T) {
	log, err := New("", "api", true)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(-1), "debug enabled")
}
