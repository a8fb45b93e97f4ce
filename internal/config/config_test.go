package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReturnsDefaultsWithoutConfigFiles(t *testing.T) {
	setIsolatedDirs(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.ServerURL)
	assert.Equal(t, 10*time.Second, cfg.HealthInterval)
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 2*time.Second, cfg.ReconnectGrace)
	assert.Equal(t, 24*time.Hour, cfg.SnapshotTTL)
	assert.Equal(t, 10, cfg.PersistEvery)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Empty(t, cfg.DefaultModel)
}

func TestLoadOverlaysHomeThenProjectConfig(t *testing.T) {
	homeDir, workDir := setIsolatedDirs(t)

	writeConfig(t, homeDir, `
server_url = "http://gen.internal:9000/"
health_interval = "30s"
default_model = "qwen2.5-coder"
`)
	writeConfig(t, workDir, `
health_interval = "7s"
persist_every = 25

[otel]
endpoint = "http://collector:4318"
`)

	cfg, err := Load()
	require.NoError(t, err)

	// Trailing slash is trimmed, project overlay wins over home overlay.
	assert.Equal(t, "http://gen.internal:9000", cfg.ServerURL)
	assert.Equal(t, 7*time.Second, cfg.HealthInterval)
	assert.Equal(t, 25, cfg.PersistEvery)
	assert.Equal(t, "qwen2.5-coder", cfg.DefaultModel)
	assert.Equal(t, "http://collector:4318", cfg.OTELEndpoint)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad duration", content: `health_interval = "soon"`},
		{name: "zero duration", content: `probe_timeout = "0s"`},
		{name: "zero persist cadence", content: `persist_every = 0`},
		{name: "empty server url", content: `server_url = "  "`},
		{name: "zero log files", content: `log_max_files = 0`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			homeDir, _ := setIsolatedDirs(t)
			writeConfig(t, homeDir, tt.content)

			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoadConvertsLogSizeToBytes(t *testing.T) {
	homeDir, _ := setIsolatedDirs(t)
	writeConfig(t, homeDir, `log_max_size_mb = 3`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(3*1024*1024), cfg.LogMaxSizeBytes)
}

func setIsolatedDirs(t *testing.T) (homeDir, workDir string) {
	t.Helper()

	homeDir = t.TempDir()
	workDir = t.TempDir()
	t.Setenv("HOME", homeDir)

	previous, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(workDir))
	t.Cleanup(func() {
		_ = os.Chdir(previous)
	})

	return homeDir, workDir
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()

	configDir := filepath.Join(dir, ".genwatch")
	require.NoError(t, os.MkdirAll(configDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o600))
}
