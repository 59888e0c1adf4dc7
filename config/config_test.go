package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultKeepLastEpochKeys, cfg.Retention.KeepLastEpochKeys)
	assert.Equal(t, DefaultEpochKeyPurgeGrace, cfg.Retention.EpochKeyPurgeGrace)
	assert.Equal(t, DefaultPlaintextTTL, cfg.Retention.PlaintextTTL)
	assert.Equal(t, DefaultKeyPackageTTL, cfg.Retention.KeyPackageTTL)
	assert.Equal(t, DefaultBridgeWorkers, cfg.BridgeWorkers)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
retention:
  keep_last_epoch_keys: 5
  epoch_key_purge_grace: 24h
bridge_workers: 2
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Retention.KeepLastEpochKeys)
	assert.Equal(t, 24*time.Hour, cfg.Retention.EpochKeyPurgeGrace)
	assert.Equal(t, 2, cfg.BridgeWorkers)

	// Absent fields keep their defaults.
	assert.Equal(t, DefaultPlaintextTTL, cfg.Retention.PlaintextTTL)
	assert.Equal(t, DefaultKeyPackageTTL, cfg.Retention.KeyPackageTTL)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retention: ["), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadClampsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
retention:
  keep_last_epoch_keys: -1
bridge_workers: 0
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultKeepLastEpochKeys, cfg.Retention.KeepLastEpochKeys)
	assert.Equal(t, DefaultBridgeWorkers, cfg.BridgeWorkers)
}
