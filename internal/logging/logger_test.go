package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesLogFileInConfiguredDirectory(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(WithDirectory(dir))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, logger.Close())
	})

	assert.DirExists(t, dir)
	assert.FileExists(t, logger.Path())

	content, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	assert.Contains(t, string(content), "logger initialized")
}

func TestWithSessionIDStampsRecords(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(WithDirectory(dir), WithSessionID("gen-123"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, logger.Close())
	})

	logger.Logger.Info("streaming resumed")

	content, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	assert.Contains(t, string(content), `"session_id":"gen-123"`)
}

func TestPruneKeepsNewestFiles(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"genwatch-20260101-000000.log",
		"genwatch-20260102-000000.log",
		"genwatch-20260103-000000.log",
		"genwatch-20260104-000000.log",
	}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	require.NoError(t, Prune(dir, 2))

	assert.NoFileExists(t, filepath.Join(dir, names[0]))
	assert.NoFileExists(t, filepath.Join(dir, names[1]))
	assert.FileExists(t, filepath.Join(dir, names[2]))
	assert.FileExists(t, filepath.Join(dir, names[3]))
}

func TestPruneMissingDirectoryIsNoop(t *testing.T) {
	require.NoError(t, Prune(filepath.Join(t.TempDir(), "absent"), 3))
}
