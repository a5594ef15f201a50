package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultServerConfig()

	assert.Equal(t, "./shared/database/app.db", cfg.StorePath)
	assert.Equal(t, int64(64<<20), cfg.CacheSizeBytes)
	assert.Equal(t, 10*time.Minute, cfg.MigrationTimeout)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 1, cfg.CriticalFindingLimit)
	assert.Equal(t, 3, cfg.HighFindingLimit)
	assert.Equal(t, 2, cfg.BlockerLimit)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOOM_STORE_PATH", "/var/lib/loom/state.db")
	t.Setenv("LOOM_SWEEP_INTERVAL", "30s")
	t.Setenv("LOOM_TOKEN_TTL", "1h")
	t.Setenv("LOOM_CRITICAL_FINDING_LIMIT", "5")
	t.Setenv("LOOM_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/loom/state.db", cfg.StorePath)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, 5, cfg.CriticalFindingLimit)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestMalformedEnvValuesKeepDefaults(t *testing.T) {
	t.Setenv("LOOM_SWEEP_INTERVAL", "not-a-duration")
	t.Setenv("LOOM_CACHE_SIZE_BYTES", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, int64(64<<20), cfg.CacheSizeBytes)
}

func TestLoadEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile,
		[]byte("LOOM_SERVICE_NAME=loom-test\nLOOM_BLOCKER_LIMIT=7\n"), 0o644))

	cfg, err := Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, "loom-test", cfg.ServiceName)
	assert.Equal(t, 7, cfg.BlockerLimit)
}

func TestLoadMissingEnvFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.Error(t, err)
}
