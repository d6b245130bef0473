package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sharedcode/tcoord"
)

func newTestCoordinator() (*Coordinator, *memStore, *memLocks, *scriptedExecutor, *recordingSink) {
	store := newMemStore()
	locks := newMemLocks()
	exec := newScriptedExecutor()
	sink := newRecordingSink()
	c := New(store, locks, exec, sink, newSeqIdentity())
	return c, store, locks, exec, sink
}

func beginAndRegister(t *testing.T, c *Coordinator, branchTypes ...tcoord.BranchType) string {
	t.Helper()
	ctx := context.Background()
	xid, err := c.Begin(ctx, "app", "group", "test-tx", 30000, "")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	for i, bt := range branchTypes {
		lockKey := fmt.Sprintf("res:%d", i)
		if _, err := c.BranchRegister(ctx, xid, bt, "resource", "group", "client", lockKey, 0, nil); err != nil {
			t.Fatalf("BranchRegister failed: %v", err)
		}
	}
	return xid
}

// Test_Commit_NoBranches covers spec.md §8 scenario 1: begin then commit with no
// branches registered finishes immediately as Committed.
func Test_Commit_NoBranches(t *testing.T) {
	c, store, _, _, sink := newTestCoordinator()
	ctx := context.Background()
	xid := beginAndRegister(t, c)

	status, err := c.Commit(ctx, xid)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if status != tcoord.StatusCommitted {
		t.Fatalf("got status %v, want Committed", status)
	}
	if g, _ := store.GetGlobal(ctx, xid); g != nil {
		t.Fatalf("expected global session to be removed after commit, still present: %+v", g)
	}
	if len(sink.events) != 3 {
		t.Fatalf("expected 3 published events (begin, commit-start, commit-end), got %d", len(sink.events))
	}
}

// Test_Commit_OneSyncBranch covers spec.md §8 scenario 2: a single non-async (TCC)
// branch committed synchronously on the first attempt.
func Test_Commit_OneSyncBranch(t *testing.T) {
	c, store, _, _, _ := newTestCoordinator()
	ctx := context.Background()
	xid := beginAndRegister(t, c, tcoord.BranchTypeTCC)

	status, err := c.Commit(ctx, xid)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if status != tcoord.StatusCommitted {
		t.Fatalf("got status %v, want Committed", status)
	}
	if g, _ := store.GetGlobal(ctx, xid); g != nil {
		t.Fatalf("expected global session removed, got %+v", g)
	}
}

// Test_Commit_ATBranch_AsyncFastPath covers the AT-only fast path: commit moves
// straight to AsyncCommitting and reports Committed to the caller without waiting
// on the branch executor.
func Test_Commit_ATBranch_AsyncFastPath(t *testing.T) {
	c, store, _, exec, _ := newTestCoordinator()
	ctx := context.Background()
	xid := beginAndRegister(t, c, tcoord.BranchTypeAT)

	status, err := c.Commit(ctx, xid)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if status != tcoord.StatusCommitted {
		t.Fatalf("got status %v, want Committed", status)
	}
	if len(exec.commitCalls) != 0 {
		t.Fatalf("expected no synchronous BranchCommit calls on the async fast path, got %v", exec.commitCalls)
	}
	g, err := store.GetGlobal(ctx, xid)
	if err != nil || g == nil {
		t.Fatalf("expected global still present in AsyncCommitting, got %v, err %v", g, err)
	}
	if g.Status != tcoord.StatusAsyncCommitting {
		t.Fatalf("got status %v, want AsyncCommitting", g.Status)
	}

	if err := c.SweepAsyncCommitting(ctx); err != nil {
		t.Fatalf("SweepAsyncCommitting failed: %v", err)
	}
	if g, _ := store.GetGlobal(ctx, xid); g != nil {
		t.Fatalf("expected global removed after sweep, got %+v", g)
	}
}

// Test_Commit_RetryThenSucceed covers spec.md §8 scenario 3: a branch commit fails
// once (retryable), parking the global in CommitRetrying, then succeeds on the
// sweeper-driven redrive.
func Test_Commit_RetryThenSucceed(t *testing.T) {
	c, store, _, exec, _ := newTestCoordinator()
	ctx := context.Background()
	xid := beginAndRegister(t, c, tcoord.BranchTypeTCC)

	g, _ := store.GetGlobal(ctx, xid)
	branchID := g.Branches[0].BranchID
	exec.scriptCommit(branchID, outcome{err: errors.New("resource manager timeout")})

	status, err := c.Commit(ctx, xid)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if status != tcoord.StatusCommitRetrying {
		t.Fatalf("got status %v, want CommitRetrying", status)
	}

	if err := c.SweepCommitRetrying(ctx); err != nil {
		t.Fatalf("SweepCommitRetrying failed: %v", err)
	}
	if g, _ := store.GetGlobal(ctx, xid); g != nil {
		t.Fatalf("expected global removed after successful redrive, got %+v", g)
	}
	if len(exec.commitCalls) != 2 {
		t.Fatalf("expected 2 BranchCommit calls (fail then succeed), got %d", len(exec.commitCalls))
	}
}

// Test_Commit_UnretryableFailure covers spec.md §8 scenario 4: a non-async branch
// reports an unretryable phase-two failure, terminating the global at CommitFailed.
func Test_Commit_UnretryableFailure(t *testing.T) {
	c, store, _, exec, _ := newTestCoordinator()
	ctx := context.Background()
	xid := beginAndRegister(t, c, tcoord.BranchTypeTCC)

	g, _ := store.GetGlobal(ctx, xid)
	branchID := g.Branches[0].BranchID
	exec.scriptCommit(branchID, outcome{status: tcoord.BranchPhaseTwoCommitFailedUnretryable})

	_, err := c.Commit(ctx, xid)
	if err == nil {
		t.Fatalf("expected Commit to return an error for an unretryable branch failure")
	}
	if !errors.Is(err, tcoord.ErrUnretryableFailure) {
		t.Fatalf("expected ErrUnretryableFailure, got %v", err)
	}
	if tcoord.CodeOf(err) != tcoord.UnretryableFailure {
		t.Fatalf("expected error code UnretryableFailure, got %v", tcoord.CodeOf(err))
	}

	stored, _ := store.GetGlobal(ctx, xid)
	if stored == nil || stored.Status != tcoord.StatusCommitFailed {
		t.Fatalf("expected global parked at CommitFailed, got %+v", stored)
	}
}

// Test_Rollback_Order covers spec.md §8 scenario 5: three branches roll back in
// reverse registration order (B3, B2, B1).
func Test_Rollback_Order(t *testing.T) {
	c, store, _, exec, _ := newTestCoordinator()
	ctx := context.Background()
	xid := beginAndRegister(t, c, tcoord.BranchTypeAT, tcoord.BranchTypeAT, tcoord.BranchTypeAT)

	g, _ := store.GetGlobal(ctx, xid)
	var ids []int64
	for _, b := range g.Branches {
		ids = append(ids, b.BranchID)
	}

	status, err := c.Rollback(ctx, xid)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if status != tcoord.StatusRollbacked {
		t.Fatalf("got status %v, want Rollbacked", status)
	}
	if len(exec.rollbackCalls) != 3 {
		t.Fatalf("expected 3 BranchRollback calls, got %d", len(exec.rollbackCalls))
	}
	want := []int64{ids[2], ids[1], ids[0]}
	for i, id := range want {
		if exec.rollbackCalls[i] != id {
			t.Fatalf("rollback call order = %v, want %v", exec.rollbackCalls, want)
		}
	}
	if g, _ := store.GetGlobal(ctx, xid); g != nil {
		t.Fatalf("expected global removed after rollback, got %+v", g)
	}
}

// Test_Rollback_RetryThenSucceed mirrors the commit retry scenario on the rollback
// path: a retryable branch failure parks the global in RollbackRetrying, and the
// sweeper-driven redrive finishes it.
func Test_Rollback_RetryThenSucceed(t *testing.T) {
	c, store, _, exec, _ := newTestCoordinator()
	ctx := context.Background()
	xid := beginAndRegister(t, c, tcoord.BranchTypeAT)

	g, _ := store.GetGlobal(ctx, xid)
	branchID := g.Branches[0].BranchID
	exec.scriptRollback(branchID, outcome{err: errors.New("resource manager unavailable")})

	status, err := c.Rollback(ctx, xid)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if status != tcoord.StatusRollbackRetrying {
		t.Fatalf("got status %v, want RollbackRetrying", status)
	}

	if err := c.SweepRollbackRetrying(ctx); err != nil {
		t.Fatalf("SweepRollbackRetrying failed: %v", err)
	}
	if g, _ := store.GetGlobal(ctx, xid); g != nil {
		t.Fatalf("expected global removed after successful redrive, got %+v", g)
	}
}

// Test_LeaderHandover_ResumesRollback covers spec.md §8 scenario 6: a global stuck
// mid-rollback when leadership turns over is resumed into RollbackRetrying so the
// new leader's sweeper picks it up.
func Test_LeaderHandover_ResumesRollback(t *testing.T) {
	c, store, _, _, _ := newTestCoordinator()
	ctx := context.Background()
	xid := beginAndRegister(t, c, tcoord.BranchTypeAT)

	if err := store.UpdateGlobalStatus(ctx, xid, tcoord.StatusBegin, tcoord.StatusRollbacking); err != nil {
		t.Fatalf("failed to force Rollbacking status: %v", err)
	}

	if err := c.OnLeaderStart(ctx); err != nil {
		t.Fatalf("OnLeaderStart failed: %v", err)
	}

	g, err := store.GetGlobal(ctx, xid)
	if err != nil || g == nil {
		t.Fatalf("expected global still present, got %v, err %v", g, err)
	}
	if g.Status != tcoord.StatusRollbackRetrying {
		t.Fatalf("got status %v, want RollbackRetrying after leader handover", g.Status)
	}

	if err := c.SweepRollbackRetrying(ctx); err != nil {
		t.Fatalf("SweepRollbackRetrying failed: %v", err)
	}
	if g, _ := store.GetGlobal(ctx, xid); g != nil {
		t.Fatalf("expected global removed after resumed rollback, got %+v", g)
	}
}

// Test_BranchRegister_DestroyedGlobal covers registration against a global that a
// no-branch Commit has already removed: it is refused with TransactionNotExist.
func Test_BranchRegister_DestroyedGlobal(t *testing.T) {
	c, _, _, _, _ := newTestCoordinator()
	ctx := context.Background()
	xid := beginAndRegister(t, c)

	if _, err := c.Commit(ctx, xid); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// The global has been removed by Commit with no branches; registering against a
	// now-nonexistent xid must fail with TransactionNotExist.
	_, err := c.BranchRegister(ctx, xid, tcoord.BranchTypeAT, "resource", "group", "client", "", 0, nil)
	if err == nil {
		t.Fatalf("expected BranchRegister against a destroyed global to fail")
	}
	if tcoord.CodeOf(err) != tcoord.TransactionNotExist {
		t.Fatalf("expected TransactionNotExist, got %v", tcoord.CodeOf(err))
	}
}

// Test_LockConflict covers the lock-key refusal path (spec.md §4.4 "global lock").
func Test_LockConflict(t *testing.T) {
	c, _, _, _, _ := newTestCoordinator()
	ctx := context.Background()

	xidA, err := c.Begin(ctx, "app", "group", "tx-a", 30000, "")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	xidB, err := c.Begin(ctx, "app", "group", "tx-b", 30000, "")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if _, err := c.BranchRegister(ctx, xidA, tcoord.BranchTypeAT, "resource", "group", "client", "shared:key", 0, nil); err != nil {
		t.Fatalf("BranchRegister for xidA failed: %v", err)
	}
	_, err = c.BranchRegister(ctx, xidB, tcoord.BranchTypeAT, "resource", "group", "client", "shared:key", 0, nil)
	if err == nil {
		t.Fatalf("expected BranchRegister for xidB to be refused by lock conflict")
	}
	if tcoord.CodeOf(err) != tcoord.LockConflict {
		t.Fatalf("expected LockConflict, got %v", tcoord.CodeOf(err))
	}
}

// Test_GetStatus_Finished covers spec.md §4.1 "getStatus": a destroyed session
// folds into Finished rather than erroring.
func Test_GetStatus_Finished(t *testing.T) {
	c, _, _, _, _ := newTestCoordinator()
	ctx := context.Background()

	status, err := c.GetStatus(ctx, "no-such-xid")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status != tcoord.StatusFinished {
		t.Fatalf("got status %v, want Finished", status)
	}
}
