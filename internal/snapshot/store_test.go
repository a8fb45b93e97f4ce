package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, options ...Option) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "session.json"), options...)
	require.NoError(t, err)
	return store
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	saved := Snapshot{
		SessionID:  "gen-42",
		Prompt:     "write a quicksort",
		Output:     "def quicksort(xs):",
		TokenCount: 7,
		Generating: true,
	}
	require.NoError(t, store.Save(saved))

	loaded, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, saved.SessionID, loaded.SessionID)
	assert.Equal(t, saved.Prompt, loaded.Prompt)
	assert.Equal(t, saved.Output, loaded.Output)
	assert.Equal(t, saved.TokenCount, loaded.TokenCount)
	assert.True(t, loaded.Generating)
	assert.False(t, loaded.Timestamp.IsZero(), "save must stamp a zero timestamp")
}

func TestSaveReplacesPriorValue(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(Snapshot{SessionID: "gen-1", Output: "old"}))
	require.NoError(t, store.Save(Snapshot{SessionID: "gen-2", Output: "new"}))

	loaded, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gen-2", loaded.SessionID)
	assert.Equal(t, "new", loaded.Output)
}

func TestLoadMissingSnapshotReportsAbsent(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadClearsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store, err := NewStore(path)
	require.NoError(t, err)

	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, path)
}

func TestLoadDiscardsStaleSnapshot(t *testing.T) {
	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, WithClock(func() time.Time { return current }))

	require.NoError(t, store.Save(Snapshot{SessionID: "gen-7", Generating: true}))

	// Advance the clock just past the staleness window.
	current = current.Add(DefaultTTL + time.Minute)

	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok, "snapshot older than the TTL must never be restored")

	// Behavior after discard is identical to no snapshot existing.
	_, ok, err = store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadKeepsSnapshotWithinTTL(t *testing.T) {
	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, WithClock(func() time.Time { return current }))

	require.NoError(t, store.Save(Snapshot{SessionID: "gen-7"}))
	current = current.Add(23 * time.Hour)

	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClearIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Clear())
	require.NoError(t, store.Save(Snapshot{SessionID: "gen-1"}))
	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())

	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}
