package lease

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewManagerValidatesInputsAndDefaults(t *testing.T) {
	if _, err := NewManager(nil, ManagerConfig{}); err == nil {
		t.Fatal("expected error for nil store")
	}

	manager, err := NewManager(&fakeStore{}, ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if manager.expiryTimeout != DefaultExpiryTimeout {
		t.Fatalf("expiryTimeout = %s, want %s", manager.expiryTimeout, DefaultExpiryTimeout)
	}
}

func TestAcquireClaimsFreeSlot(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	manager := newTestManager(t, store, 101, now, nil)

	release, err := manager.Acquire(context.Background(), "gen-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if !store.has {
		t.Fatal("lease was not persisted")
	}
	if store.lease.PID != 101 || store.lease.Owner != "gen-1" {
		t.Fatalf("lease = %+v", store.lease)
	}
	if !store.lease.ExpiresAt.Equal(now.Add(DefaultExpiryTimeout)) {
		t.Fatalf("ExpiresAt = %s", store.lease.ExpiresAt)
	}

	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.has {
		t.Fatal("lease survived release")
	}
}

func TestAcquireRejectsLiveLease(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{
		has: true,
		lease: Lease{
			PID:       202,
			Owner:     "gen-other",
			ExpiresAt: now.Add(10 * time.Minute),
		},
	}
	manager := newTestManager(t, store, 101, now, map[int]bool{202: true})

	if _, err := manager.Acquire(context.Background(), "gen-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("acquire error = %v, want ErrConflict", err)
	}
}

func TestAcquireReclaimsDeadProcessLease(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{
		has: true,
		lease: Lease{
			PID:       202,
			Owner:     "gen-crashed",
			ExpiresAt: now.Add(10 * time.Minute),
		},
	}
	manager := newTestManager(t, store, 101, now, map[int]bool{202: false})

	if _, err := manager.Acquire(context.Background(), "gen-1"); err != nil {
		t.Fatalf("acquire over dead lease: %v", err)
	}
	if store.lease.PID != 101 {
		t.Fatalf("lease pid = %d, want 101", store.lease.PID)
	}
}

func TestAcquireReclaimsExpiredLease(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{
		has: true,
		lease: Lease{
			PID:       202,
			Owner:     "gen-old",
			ExpiresAt: now.Add(-time.Minute),
		},
	}
	manager := newTestManager(t, store, 101, now, map[int]bool{202: true})

	if _, err := manager.Acquire(context.Background(), "gen-1"); err != nil {
		t.Fatalf("acquire over expired lease: %v", err)
	}
}

func TestAcquireIsReentrantForSamePID(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{
		has: true,
		lease: Lease{
			PID:       101,
			Owner:     "gen-1",
			ExpiresAt: now.Add(10 * time.Minute),
		},
	}
	manager := newTestManager(t, store, 101, now, map[int]bool{101: true})

	if _, err := manager.Acquire(context.Background(), "gen-2"); err != nil {
		t.Fatalf("reacquire by same process: %v", err)
	}
	if store.lease.Owner != "gen-2" {
		t.Fatalf("owner = %q, want gen-2", store.lease.Owner)
	}
}

func TestReleaseLeavesForeignLeaseAlone(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	manager := newTestManager(t, store, 101, now, nil)

	release, err := manager.Acquire(context.Background(), "gen-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Another process takes over after ours expired.
	store.lease = Lease{PID: 202, Owner: "gen-next", ExpiresAt: now.Add(time.Hour)}

	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !store.has || store.lease.PID != 202 {
		t.Fatal("release removed a lease owned by another process")
	}
}

func TestAcquireRejectsEmptyOwner(t *testing.T) {
	manager := newTestManager(t, &fakeStore{}, 101, time.Now(), nil)
	if _, err := manager.Acquire(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty owner")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lock")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()

	if _, found, err := store.Load(ctx); err != nil || found {
		t.Fatalf("empty load = found %v, err %v", found, err)
	}

	want := Lease{
		PID:        123,
		Owner:      "gen-1",
		AcquiredAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		ExpiresAt:  time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC),
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, found, err := store.Load(ctx)
	if err != nil || !found {
		t.Fatalf("load = found %v, err %v", found, err)
	}
	if got.PID != want.PID || got.Owner != want.Owner || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Fatalf("lease = %+v, want %+v", got, want)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("repeated clear: %v", err)
	}
	if _, found, _ := store.Load(ctx); found {
		t.Fatal("lease survived clear")
	}
}

func TestFileStoreClearsCorruptLease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lock")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt lease: %v", err)
	}

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	if _, found, err := store.Load(context.Background()); err != nil || found {
		t.Fatalf("corrupt load = found %v, err %v", found, err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("corrupt lease file was not removed")
	}
}

func newTestManager(t *testing.T, store Store, pid int, now time.Time, alive map[int]bool) *Manager {
	t.Helper()
	manager, err := NewManager(store, ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.now = func() time.Time { return now }
	manager.pid = func() int { return pid }
	manager.processAlive = func(pid int) bool {
		if alive == nil {
			return false
		}
		return alive[pid]
	}
	return manager
}

type fakeStore struct {
	lease   Lease
	has     bool
	loadErr error
	saveErr error
}

func (f *fakeStore) Load(context.Context) (Lease, bool, error) {
	if f.loadErr != nil {
		return Lease{}, false, f.loadErr
	}
	return f.lease, f.has, nil
}

func (f *fakeStore) Save(_ context.Context, lease Lease) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.lease = lease
	f.has = true
	return nil
}

func (f *fakeStore) Clear(context.Context) error {
	f.lease = Lease{}
	f.has = false
	return nil
}
