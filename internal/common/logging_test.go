package common

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philippevezina/table-loader/internal/config"
)

func TestNewLoggerCoreRejectsBadLevel(t *testing.T) {
	_, err := NewLoggerCore(&config.LoggingConfig{Level: "loud"})
	require.Error(t, err)
}

func TestLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loader.log")
	lc, err := NewLoggerCore(&config.LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	logger := LoggerWithComponent(lc.BuildLogger(lc.Core), "loader")
	logger.Debug("hidden")
	logger.Info("chunk committed")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry), "exactly one JSON line expected")
	assert.Equal(t, "chunk committed", entry["message"])
	assert.Equal(t, "loader", entry["component"])
	assert.Equal(t, serviceName, entry["service"])
	assert.Contains(t, entry, "timestamp")
}

func TestGetVersionFallsBackToEnv(t *testing.T) {
	t.Setenv("TABLE_LOADER_VERSION", "v9.9.9")
	if Version == "" {
		assert.Equal(t, "v9.9.9", GetVersion())
	}
}
