// Package lease enforces the one-active-session rule across processes. A
// second genwatch instance must not stream concurrently against the same
// snapshot slot, so generation acquires a process-scoped lease first.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultExpiryTimeout bounds how long a lease from a crashed process
	// can block new sessions even when liveness checks misfire.
	DefaultExpiryTimeout = 30 * time.Minute
)

// ErrConflict indicates another live process already holds the lease.
var ErrConflict = errors.New("another generation session is active")

// Lease records one process's claim on the session slot.
type Lease struct {
	PID        int       `json:"pid"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store persists lease state.
type Store interface {
	Load(ctx context.Context) (Lease, bool, error)
	Save(ctx context.Context, lease Lease) error
	Clear(ctx context.Context) error
}

// ManagerConfig controls lease manager behavior.
type ManagerConfig struct {
	ExpiryTimeout time.Duration
}

// Manager acquires and releases the single session lease. A persisted lease
// is honored only while its process is alive and its expiry has not passed.
type Manager struct {
	store         Store
	now           func() time.Time
	pid           func() int
	processAlive  func(pid int) bool
	expiryTimeout time.Duration
}

// NewManager constructs a lease manager with configured expiry timeout.
func NewManager(store Store, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.ExpiryTimeout <= 0 {
		cfg.ExpiryTimeout = DefaultExpiryTimeout
	}
	return &Manager{
		store:         store,
		now:           time.Now,
		pid:           os.Getpid,
		processAlive:  processAlive,
		expiryTimeout: cfg.ExpiryTimeout,
	}, nil
}

// Acquire claims the session slot for owner and returns a release closure.
// Stale leases, expired or left by dead processes, are reclaimed silently.
func (m *Manager) Acquire(ctx context.Context, owner string) (func() error, error) {
	if m == nil {
		return nil, errors.New("lease manager is nil")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errors.New("lease owner must not be empty")
	}

	existing, found, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session lease: %w", err)
	}
	now := m.now().UTC()
	pid := m.pid()
	if found && m.isActive(existing, now) && existing.PID != pid {
		return nil, fmt.Errorf("%w: pid=%d owner=%s", ErrConflict, existing.PID, existing.Owner)
	}

	claimed := Lease{
		PID:        pid,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.expiryTimeout),
	}
	if err := m.store.Save(ctx, claimed); err != nil {
		return nil, fmt.Errorf("save session lease: %w", err)
	}

	return func() error {
		return m.release(ctx, pid)
	}, nil
}

// release drops the lease only if this process still owns it.
func (m *Manager) release(ctx context.Context, pid int) error {
	existing, found, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session lease: %w", err)
	}
	if !found || existing.PID != pid {
		return nil
	}
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear session lease: %w", err)
	}
	return nil
}

func (m *Manager) isActive(lease Lease, now time.Time) bool {
	if !lease.ExpiresAt.IsZero() && !lease.ExpiresAt.After(now) {
		return false
	}
	if lease.PID <= 0 {
		return false
	}
	return m.processAlive(lease.PID)
}

// processAlive reports whether a pid names a running process. Signal 0
// performs the existence check without delivering anything.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// FileStore persists the lease as a JSON file written atomically.
type FileStore struct {
	path string
}

// NewFileStore constructs a file-backed lease store at path.
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("lease path must not be empty")
	}
	return &FileStore{path: path}, nil
}

// DefaultPath returns the lease location under the user's home directory.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".genwatch", "session.lock"), nil
}

// Load reads the persisted lease. A missing or corrupt file reports absent;
// corrupt leases are removed so the next acquire can proceed.
func (s *FileStore) Load(_ context.Context) (Lease, bool, error) {
	// #nosec G304 -- lease path is constructed from trusted local paths.
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("read lease file: %w", err)
	}

	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		_ = os.Remove(s.path)
		return Lease{}, false, nil
	}
	return lease, true, nil
}

// Save writes the lease atomically via temp file and rename.
func (s *FileStore) Save(_ context.Context, lease Lease) error {
	payload, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create lease directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session.lock-*")
	if err != nil {
		return fmt.Errorf("create lease temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write lease temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close lease temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace lease file: %w", err)
	}
	return nil
}

// Clear removes the lease file. Missing files are not an error.
func (s *FileStore) Clear(_ context.Context) error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lease file: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
