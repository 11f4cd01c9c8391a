package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "temporal", cfg.Engine)
	assert.Equal(t, "localhost:7233", cfg.TemporalHost)
	assert.Equal(t, "default", cfg.TemporalNamespace)
	assert.Equal(t, "agent-orchestrator", cfg.TaskQueue)
	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("TEMPORAL_HOST", "temporal.prod:7233")
	t.Setenv("API_PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://app@db/omnilink")
	t.Setenv("OMNILINK_ENGINE", "inmem")
	t.Setenv("MAN_EXPIRY_SWEEP_EVERY", "15s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "temporal.prod:7233", cfg.TemporalHost)
	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, "postgres://app@db/omnilink", cfg.DatabaseURL)
	assert.Equal(t, "inmem", cfg.Engine)
	assert.Equal(t, 15*time.Second, cfg.ExpirySweepEvery)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "omnilink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_port: 8100\ntask_queue: file-queue\n"), 0o600))
	t.Setenv("TEMPORAL_TASK_QUEUE", "env-queue")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8100, cfg.APIPort)
	// Environment wins over the file layer.
	assert.Equal(t, "env-queue", cfg.TaskQueue)
}

func TestLoadConfigRejectsUnknownEngine(t *testing.T) {
	t.Setenv("OMNILINK_ENGINE", "lambda")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestLoadConfigRejectsConflictingStores(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/x")
	t.Setenv("MONGO_URL", "mongodb://db/x")
	_, err := LoadConfig("")
	assert.Error(t, err)
}
