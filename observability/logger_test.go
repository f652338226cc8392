package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tls-stream/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tlsstream.log")

	logger, closeLogger, err := SetupLogger(config.LogConfig{
		Level:   "warning",
		Format:  "json",
		Outputs: []string{path},
	})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("handshake failed", zap.String("role", "server"))
	require.NoError(t, closeLogger())

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "handshake failed", entry["msg"])
	assert.Equal(t, "server", entry["role"])
}

func TestSetupLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	rotated := filepath.Join(dir, "rotated.log")

	logger, closeLogger, err := SetupLogger(config.LogConfig{
		Level:   "debug",
		Format:  "console",
		Outputs: []string{filepath.Join(dir, "ignored.log")},
		Rotation: config.RotationConfig{
			Enable:   true,
			Filename: rotated,
		},
	})
	require.NoError(t, err)

	logger.Debug("transport ended without close_notify")
	require.NoError(t, closeLogger())

	content, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Contains(t, string(content), "transport ended without close_notify")

	_, err = os.Stat(filepath.Join(dir, "ignored.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestSetupLoggerReplacesGlobals(t *testing.T) {
	logger, closeLogger, err := SetupLogger(config.LogConfig{
		Level:   "info",
		Format:  "console",
		Outputs: []string{"stderr"},
	})
	require.NoError(t, err)

	assert.Same(t, logger, zap.L())
	assert.NoError(t, closeLogger())
	assert.NotSame(t, logger, zap.L())
}

func TestSetupLoggerInvalidLevel(t *testing.T) {
	_, _, err := SetupLogger(config.LogConfig{Level: "loud", Outputs: []string{"stderr"}})
	assert.Error(t, err)
}
