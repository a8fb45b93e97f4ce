// Package snapshot persists a single session snapshot so an interrupted
// client can restore mid-stream state after a restart.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultTTL is the wall-clock age beyond which a persisted snapshot is
// considered stale and must never be restored.
const DefaultTTL = 24 * time.Hour

// Snapshot is the serialized session state written to disk.
type Snapshot struct {
	SessionID  string    `json:"sessionId"`
	Prompt     string    `json:"prompt"`
	Output     string    `json:"outputBuffer"`
	TokenCount int       `json:"tokenCount"`
	Generating bool      `json:"isGenerating"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store reads and writes one snapshot slot backed by a JSON file.
type Store struct {
	path string
	ttl  time.Duration
	now  func() time.Time
}

// Option configures Store construction.
type Option func(*Store)

// WithTTL overrides the staleness window.
func WithTTL(ttl time.Duration) Option {
	return func(store *Store) {
		if ttl > 0 {
			store.ttl = ttl
		}
	}
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// NewStore builds a snapshot store persisting to path.
func NewStore(path string, options ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	store := &Store{
		path: path,
		ttl:  DefaultTTL,
		now:  time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(store)
	}
	return store, nil
}

// DefaultPath returns the per-user snapshot location.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".genwatch", "session.json"), nil
}

// Save serializes and stores the snapshot, replacing any prior value. The
// write goes through a temp file and rename so readers never observe a
// partial record. A zero timestamp is stamped with the current time.
func (s *Store) Save(snap Snapshot) error {
	if s == nil {
		return errors.New("snapshot store is nil")
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = s.now().UTC()
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load returns the last saved snapshot. The second result is false when no
// snapshot exists, the stored record fails to parse, or the record is older
// than the TTL; unparseable and stale records are cleared so they are not
// revisited on the next load.
func (s *Store) Load() (Snapshot, bool, error) {
	if s == nil {
		return Snapshot{}, false, errors.New("snapshot store is nil")
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		// Corrupt record: treat identically to absence and drop it.
		if clearErr := s.Clear(); clearErr != nil {
			return Snapshot{}, false, fmt.Errorf("clear corrupt snapshot: %w", clearErr)
		}
		return Snapshot{}, false, nil
	}

	if s.now().UTC().Sub(snap.Timestamp.UTC()) > s.ttl {
		if clearErr := s.Clear(); clearErr != nil {
			return Snapshot{}, false, fmt.Errorf("clear stale snapshot: %w", clearErr)
		}
		return Snapshot{}, false, nil
	}

	return snap, true, nil
}

// Clear removes the snapshot. Safe to call when nothing is stored.
func (s *Store) Clear() error {
	if s == nil {
		return errors.New("snapshot store is nil")
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}
