package replicated

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sharedcode/tcoord"
)

// fakeLocks is a minimal in-memory tcoord.LockProvider double for snapshot tests.
type fakeLocks struct {
	owner map[string]string
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{owner: make(map[string]string)}
}

func (l *fakeLocks) AcquireLock(ctx context.Context, xid, lockKey string) (bool, error) {
	if owner, ok := l.owner[lockKey]; ok && owner != xid {
		return false, nil
	}
	l.owner[lockKey] = xid
	return true, nil
}

func (l *fakeLocks) IsLockable(ctx context.Context, xid, lockKey string) (bool, error) {
	owner, ok := l.owner[lockKey]
	return !ok || owner == xid, nil
}

func (l *fakeLocks) ReleaseLock(ctx context.Context, xid string) error {
	for k, v := range l.owner {
		if v == xid {
			delete(l.owner, k)
		}
	}
	return nil
}

func populatedStore(ctx context.Context, t *testing.T) *Store {
	t.Helper()
	s := New()
	g1 := &tcoord.GlobalSession{
		XID: "xid-1", TransactionID: 1, TransactionName: "tx-1",
		Status: tcoord.StatusBegin, Active: true,
	}
	if err := s.InsertGlobal(ctx, g1); err != nil {
		t.Fatalf("InsertGlobal failed: %v", err)
	}
	if err := s.AddBranch(ctx, "xid-1", &tcoord.BranchSession{
		XID: "xid-1", BranchID: 100, BranchType: tcoord.BranchTypeAT, LockKey: "res:1",
	}); err != nil {
		t.Fatalf("AddBranch failed: %v", err)
	}
	g2 := &tcoord.GlobalSession{
		XID: "xid-2", TransactionID: 2, TransactionName: "tx-2",
		Status: tcoord.StatusBegin, Active: true,
	}
	if err := s.InsertGlobal(ctx, g2); err != nil {
		t.Fatalf("InsertGlobal failed: %v", err)
	}
	return s
}

func Test_SnapshotManager_SingleDirRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := populatedStore(ctx, t)
	sm, err := NewSnapshotManager(store, newFakeLocks(), []string{dir})
	if err != nil {
		t.Fatalf("NewSnapshotManager failed: %v", err)
	}

	done := make(chan error, 1)
	sm.SaveAsync(ctx, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("SaveAsync failed: %v", err)
	}

	restoredStore := New()
	restoredLocks := newFakeLocks()
	restoredSM, err := NewSnapshotManager(restoredStore, restoredLocks, []string{dir})
	if err != nil {
		t.Fatalf("NewSnapshotManager failed: %v", err)
	}
	if err := restoredSM.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	g1, err := restoredStore.GetGlobal(ctx, "xid-1")
	if err != nil || g1 == nil {
		t.Fatalf("expected xid-1 restored, got %v, err %v", g1, err)
	}
	if len(g1.Branches) != 1 || g1.Branches[0].BranchID != 100 {
		t.Fatalf("expected branch 100 restored under xid-1, got %+v", g1.Branches)
	}
	if _, ok := restoredLocks.owner["res:1"]; !ok {
		t.Fatalf("expected lock res:1 re-acquired on load")
	}
	g2, err := restoredStore.GetGlobal(ctx, "xid-2")
	if err != nil || g2 == nil {
		t.Fatalf("expected xid-2 restored, got %v, err %v", g2, err)
	}
}

// fakeRegistrar is a minimal SnapshotRegistrar double recording the filenames it
// was notified about.
type fakeRegistrar struct {
	registered []string
}

func (r *fakeRegistrar) RegisterSnapshot(ctx context.Context, filename string) error {
	r.registered = append(r.registered, filename)
	return nil
}

func Test_SnapshotManager_SaveAsync_WritesLiteralDataFilenameAndRegisters(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := populatedStore(ctx, t)
	sm, err := NewSnapshotManager(store, newFakeLocks(), []string{dir})
	if err != nil {
		t.Fatalf("NewSnapshotManager failed: %v", err)
	}
	reg := &fakeRegistrar{}
	sm.SetConsensusRegistrar(reg)

	done := make(chan error, 1)
	sm.SaveAsync(ctx, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("SaveAsync failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Fatalf("expected the snapshot written to the literal filename %q, got: %v", "data", err)
	}
	if len(reg.registered) != 1 || reg.registered[0] != "data" {
		t.Fatalf("expected RegisterSnapshot(\"data\") called once, got %v", reg.registered)
	}
}

func Test_SnapshotManager_ErasureCodedRoundTrip(t *testing.T) {
	ctx := context.Background()
	dirs := []string{
		filepath.Join(t.TempDir(), "a"),
		filepath.Join(t.TempDir(), "b"),
		filepath.Join(t.TempDir(), "c"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("failed to create snapshot dir %s: %v", d, err)
		}
	}

	store := populatedStore(ctx, t)
	sm, err := NewSnapshotManager(store, newFakeLocks(), dirs)
	if err != nil {
		t.Fatalf("NewSnapshotManager failed: %v", err)
	}
	if sm.erasureEnc == nil {
		t.Fatalf("expected an erasure encoder to be configured for 3 directories")
	}

	done := make(chan error, 1)
	sm.SaveAsync(ctx, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("SaveAsync failed: %v", err)
	}

	restoredStore := New()
	restoredSM, err := NewSnapshotManager(restoredStore, newFakeLocks(), dirs)
	if err != nil {
		t.Fatalf("NewSnapshotManager failed: %v", err)
	}
	if err := restoredSM.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	g1, err := restoredStore.GetGlobal(ctx, "xid-1")
	if err != nil || g1 == nil {
		t.Fatalf("expected xid-1 restored across erasure-coded shards, got %v, err %v", g1, err)
	}
	if len(g1.Branches) != 1 || g1.Branches[0].BranchID != 100 {
		t.Fatalf("expected branch 100 restored under xid-1, got %+v", g1.Branches)
	}
}

func Test_SnapshotManager_ErasureCodedRoundTrip_ToleratesOneMissingDir(t *testing.T) {
	ctx := context.Background()
	dirs := []string{
		filepath.Join(t.TempDir(), "a"),
		filepath.Join(t.TempDir(), "b"),
		filepath.Join(t.TempDir(), "c"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("failed to create snapshot dir %s: %v", d, err)
		}
	}

	store := populatedStore(ctx, t)
	sm, err := NewSnapshotManager(store, newFakeLocks(), dirs)
	if err != nil {
		t.Fatalf("NewSnapshotManager failed: %v", err)
	}
	done := make(chan error, 1)
	sm.SaveAsync(ctx, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("SaveAsync failed: %v", err)
	}

	// Simulate losing one of three directories entirely before load.
	if err := os.RemoveAll(dirs[1]); err != nil {
		t.Fatalf("failed to remove snapshot dir %s: %v", dirs[1], err)
	}

	restoredStore := New()
	restoredSM, err := NewSnapshotManager(restoredStore, newFakeLocks(), dirs)
	if err != nil {
		t.Fatalf("NewSnapshotManager failed: %v", err)
	}
	if err := restoredSM.Load(ctx); err != nil {
		t.Fatalf("expected Load to tolerate one missing shard directory out of three, got: %v", err)
	}
	if g1, err := restoredStore.GetGlobal(ctx, "xid-1"); err != nil || g1 == nil {
		t.Fatalf("expected xid-1 restored despite a missing directory, got %v, err %v", g1, err)
	}
}
