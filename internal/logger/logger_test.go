package logger

import (
	"os"
	"path/filepath"
	"testing"

	"spot-grid-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewWritesToRotatingFile verifies that file output goes through the rotating writer.
func TestNewWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	l := New(models.LogConfig{Level: "debug", Output: "file", File: path, MaxSize: 1})

	l.Info("grid ready")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "grid ready")
	assert.Contains(t, string(data), "INFO")
}

// TestNewRespectsLevel verifies that messages under the configured level are dropped.
func TestNewRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	l := New(models.LogConfig{Level: "warn", Output: "file", File: path})

	l.Info("hidden")
	l.Warn("visible")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "visible")
}

// TestGlobalLogger verifies InitLogger replaces the global logger.
func TestGlobalLogger(t *testing.T) {
	assert.NotNil(t, S())
	l := InitLogger(models.LogConfig{Level: "info", Output: "console"})
	assert.Same(t, l, L())
}
