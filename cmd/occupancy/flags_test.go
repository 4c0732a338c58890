package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/occupancy.report/internal/countlog"
)

// TestFlagDefaults verifies the flags a bare invocation runs with.
func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "", *configPath)
	assert.Equal(t, "-", *sourcePath, "stdin by default")
	assert.Equal(t, "occupancy.db", *dbPath)
	assert.Equal(t, "info", *logLevel)
	assert.Equal(t, 30*time.Second, *statsInterval)
	assert.Equal(t, countlog.DefaultQueueSize, *sinkQueue)
	assert.False(t, *showVersion)
}

func TestRunName(t *testing.T) {
	oldSource, oldName := *sourcePath, *sourceName
	t.Cleanup(func() { *sourcePath, *sourceName = oldSource, oldName })

	*sourcePath, *sourceName = "-", ""
	assert.Equal(t, "stdin", runName())

	*sourcePath = "feeds/lobby.jsonl"
	assert.Equal(t, "feeds/lobby.jsonl", runName())

	*sourceName = "lobby-cam"
	assert.Equal(t, "lobby-cam", runName())
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.GetBufferSize(), "empty path falls back to accessor defaults")

	cfg, err = loadConfig(filepath.Join("..", "..", "config", "tuning.defaults.json"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	_, err = loadConfig("tuning.yaml")
	assert.Error(t, err)
}
