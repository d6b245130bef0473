//go:build integration
// +build integration

package redis

import (
	"context"
	"testing"

	"github.com/sharedcode/tcoord"
)

// testConn opens a connection to the Redis instance used by integration tests and
// flushes its database so each test starts from a clean keyspace.
func testConn(t *testing.T) *Connection {
	t.Helper()
	conn := Open(DefaultOptions())
	if err := conn.Client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("FlushDB failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func Test_SessionStore_InsertAndGetGlobal(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	store := NewSessionStore(conn, 0)

	g := &tcoord.GlobalSession{
		XID: "xid-1", TransactionID: 1, TransactionName: "tx-1",
		Status: tcoord.StatusBegin, Active: true,
	}
	if err := store.InsertGlobal(ctx, g); err != nil {
		t.Fatalf("InsertGlobal failed: %v", err)
	}

	got, err := store.GetGlobal(ctx, "xid-1")
	if err != nil {
		t.Fatalf("GetGlobal failed: %v", err)
	}
	if got == nil || got.XID != "xid-1" || got.TransactionName != "tx-1" {
		t.Fatalf("got %+v, want a global matching xid-1/tx-1", got)
	}

	if err := store.InsertGlobal(ctx, g); err == nil {
		t.Fatalf("expected InsertGlobal to reject a duplicate xid")
	}
}

func Test_SessionStore_UpdateGlobalStatus_CAS(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	store := NewSessionStore(conn, 0)

	g := &tcoord.GlobalSession{XID: "xid-1", TransactionID: 1, Status: tcoord.StatusBegin, Active: true}
	if err := store.InsertGlobal(ctx, g); err != nil {
		t.Fatalf("InsertGlobal failed: %v", err)
	}

	if err := store.UpdateGlobalStatus(ctx, "xid-1", tcoord.StatusCommitting, tcoord.StatusCommitted); err == nil {
		t.Fatalf("expected CAS to fail on a status mismatch")
	}
	if err := store.UpdateGlobalStatus(ctx, "xid-1", tcoord.StatusBegin, tcoord.StatusCommitting); err != nil {
		t.Fatalf("CAS with matching expected status failed: %v", err)
	}
	got, _ := store.GetGlobal(ctx, "xid-1")
	if got.Status != tcoord.StatusCommitting {
		t.Fatalf("got status %v, want Committing", got.Status)
	}
}

func Test_SessionStore_BranchLifecycle_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	store := NewSessionStore(conn, 0)

	g := &tcoord.GlobalSession{XID: "xid-1", TransactionID: 1, Status: tcoord.StatusBegin, Active: true}
	if err := store.InsertGlobal(ctx, g); err != nil {
		t.Fatalf("InsertGlobal failed: %v", err)
	}
	for _, id := range []int64{10, 20, 30} {
		if err := store.AddBranch(ctx, "xid-1", &tcoord.BranchSession{XID: "xid-1", BranchID: id, BranchType: tcoord.BranchTypeAT}); err != nil {
			t.Fatalf("AddBranch(%d) failed: %v", id, err)
		}
	}

	got, err := store.GetGlobal(ctx, "xid-1")
	if err != nil {
		t.Fatalf("GetGlobal failed: %v", err)
	}
	if len(got.Branches) != 3 {
		t.Fatalf("expected 3 branches, got %d", len(got.Branches))
	}
	for i, want := range []int64{10, 20, 30} {
		if got.Branches[i].BranchID != want {
			t.Fatalf("branch order = %v, want registration order [10 20 30]", got.Branches)
		}
	}

	if err := store.UpdateBranchStatus(ctx, "xid-1", 20, tcoord.BranchRegistered, tcoord.BranchPhaseOneDone); err != nil {
		t.Fatalf("UpdateBranchStatus failed: %v", err)
	}
	if err := store.RemoveBranch(ctx, "xid-1", 10); err != nil {
		t.Fatalf("RemoveBranch failed: %v", err)
	}

	got, _ = store.GetGlobal(ctx, "xid-1")
	if len(got.Branches) != 2 {
		t.Fatalf("expected 2 branches after removal, got %d", len(got.Branches))
	}
	if got.Branches[0].BranchID != 20 || got.Branches[0].Status != tcoord.BranchPhaseOneDone {
		t.Fatalf("expected branch 20 PhaseOneDone first, got %+v", got.Branches[0])
	}
}

func Test_SessionStore_LoadBranches_PaginatesInWindows(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	store := NewSessionStore(conn, 2)

	g := &tcoord.GlobalSession{XID: "xid-1", TransactionID: 1, Status: tcoord.StatusBegin, Active: true}
	if err := store.InsertGlobal(ctx, g); err != nil {
		t.Fatalf("InsertGlobal failed: %v", err)
	}
	for _, id := range []int64{10, 20, 30, 40, 50} {
		if err := store.AddBranch(ctx, "xid-1", &tcoord.BranchSession{XID: "xid-1", BranchID: id, BranchType: tcoord.BranchTypeAT}); err != nil {
			t.Fatalf("AddBranch(%d) failed: %v", id, err)
		}
	}

	got, err := store.GetGlobal(ctx, "xid-1")
	if err != nil {
		t.Fatalf("GetGlobal failed: %v", err)
	}
	if len(got.Branches) != 5 {
		t.Fatalf("expected all 5 branches loaded across queryLimit-sized windows, got %d", len(got.Branches))
	}
	for i, want := range []int64{10, 20, 30, 40, 50} {
		if got.Branches[i].BranchID != want {
			t.Fatalf("branch order = %v, want registration order [10 20 30 40 50]", got.Branches)
		}
	}
}

func Test_SessionStore_RemoveGlobal_DeletesEverything(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	store := NewSessionStore(conn, 0)

	g := &tcoord.GlobalSession{XID: "xid-1", TransactionID: 1, Status: tcoord.StatusBegin, Active: true}
	if err := store.InsertGlobal(ctx, g); err != nil {
		t.Fatalf("InsertGlobal failed: %v", err)
	}
	if err := store.AddBranch(ctx, "xid-1", &tcoord.BranchSession{XID: "xid-1", BranchID: 10}); err != nil {
		t.Fatalf("AddBranch failed: %v", err)
	}

	if err := store.RemoveGlobal(ctx, "xid-1"); err != nil {
		t.Fatalf("RemoveGlobal failed: %v", err)
	}
	got, err := store.GetGlobal(ctx, "xid-1")
	if err != nil {
		t.Fatalf("GetGlobal failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected global removed, got %+v", got)
	}

	exists, err := conn.Client.Exists(ctx, branchKey(10)).Result()
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists != 0 {
		t.Fatalf("expected branch 10's key deleted alongside its global")
	}
}

func Test_SessionStore_ReadByCondition_Precedence(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	store := NewSessionStore(conn, 0)

	g1 := &tcoord.GlobalSession{XID: "xid-1", TransactionID: 101, Status: tcoord.StatusBegin, Active: true}
	g2 := &tcoord.GlobalSession{XID: "xid-2", TransactionID: 102, Status: tcoord.StatusBegin, Active: true}
	if err := store.InsertGlobal(ctx, g1); err != nil {
		t.Fatalf("InsertGlobal failed: %v", err)
	}
	if err := store.InsertGlobal(ctx, g2); err != nil {
		t.Fatalf("InsertGlobal failed: %v", err)
	}

	got, err := store.ReadByCondition(ctx, tcoord.SessionCondition{
		XID: "xid-1", TransactionID: 102, HasTransactionID: true,
	})
	if err != nil {
		t.Fatalf("ReadByCondition failed: %v", err)
	}
	if got == nil || got.XID != "xid-1" {
		t.Fatalf("expected XID to take precedence over TransactionID, got %+v", got)
	}

	got, err = store.ReadByCondition(ctx, tcoord.SessionCondition{TransactionID: 102, HasTransactionID: true})
	if err != nil {
		t.Fatalf("ReadByCondition failed: %v", err)
	}
	if got == nil || got.XID != "xid-2" {
		t.Fatalf("expected the SEATA_TRANSACTION_ID_GLOBAL_ index to resolve xid-2, got %+v", got)
	}

	got, err = store.ReadByCondition(ctx, tcoord.SessionCondition{TransactionID: 999, HasTransactionID: true})
	if err != nil {
		t.Fatalf("ReadByCondition failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no match for an unknown transaction id, got %+v", got)
	}
}

func Test_SessionStore_ScanByStatus_FiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)
	store := NewSessionStore(conn, 2)

	for i := 0; i < 5; i++ {
		xid := "xid-" + string(rune('a'+i))
		g := &tcoord.GlobalSession{XID: xid, TransactionID: int64(i), Status: tcoord.StatusCommitRetrying, Active: true}
		if err := store.InsertGlobal(ctx, g); err != nil {
			t.Fatalf("InsertGlobal(%s) failed: %v", xid, err)
		}
	}
	other := &tcoord.GlobalSession{XID: "xid-other", TransactionID: 99, Status: tcoord.StatusBegin, Active: true}
	if err := store.InsertGlobal(ctx, other); err != nil {
		t.Fatalf("InsertGlobal failed: %v", err)
	}

	cond := tcoord.SessionCondition{Status: tcoord.StatusCommitRetrying, HasStatus: true}
	seen := map[string]bool{}
	pages := 0
	for {
		page, err := store.ScanByStatus(ctx, cond)
		if err != nil {
			t.Fatalf("ScanByStatus failed: %v", err)
		}
		for _, s := range page.Sessions {
			if s.Status != tcoord.StatusCommitRetrying {
				t.Fatalf("ScanByStatus returned a session not matching the filter: %+v", s)
			}
			seen[s.XID] = true
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		if pages > 20 {
			t.Fatalf("ScanByStatus pagination did not terminate within 20 pages")
		}
		cond.Cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 CommitRetrying sessions found across pages, got %d: %v", len(seen), seen)
	}
	if seen["xid-other"] {
		t.Fatalf("expected xid-other (status Begin) excluded from the CommitRetrying scan")
	}
}
