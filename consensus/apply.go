package consensus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sharedcode/tcoord"
	"github.com/sharedcode/tcoord/snapshotcodec"
)

// Apply decodes entry.Payload for entry.MsgType and mutates store/locks
// accordingly. Every handler is idempotent under replay (spec.md §4.4 "Apply
// dispatch"): ADD_* on an existing id is a no-op, REMOVE_* on a missing id is a
// no-op, status updates that don't change the status are no-ops, and acquiring an
// already-held lock is a no-op.
func Apply(ctx context.Context, store tcoord.SessionStore, locks tcoord.LockProvider, entry Entry) error {
	switch entry.MsgType {
	case MsgAddGlobalSession:
		var p AddGlobalSessionPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		g, err := snapshotcodec.DecodeGlobal(p.Global)
		if err != nil {
			return err
		}
		existing, err := store.GetGlobal(ctx, g.XID)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		return store.InsertGlobal(ctx, g)

	case MsgUpdateGlobalSessionStatus:
		var p UpdateGlobalStatusPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		g, err := store.GetGlobal(ctx, p.XID)
		if err != nil {
			return err
		}
		if g == nil || int(g.Status) == p.Next {
			return nil
		}
		return store.UpdateGlobalStatus(ctx, p.XID, tcoord.GlobalStatus(p.Expected), tcoord.GlobalStatus(p.Next))

	case MsgRemoveGlobalSession:
		var p RemoveGlobalSessionPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		return store.RemoveGlobal(ctx, p.XID)

	case MsgAddBranchSession:
		var p AddBranchSessionPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		b, err := snapshotcodec.DecodeBranch(p.Branch)
		if err != nil {
			return err
		}
		g, err := store.GetGlobal(ctx, p.XID)
		if err != nil {
			return err
		}
		if g == nil {
			return fmt.Errorf("consensus: apply ADD_BRANCH_SESSION: global %s not found", p.XID)
		}
		if g.Branch(b.BranchID) != nil {
			return nil
		}
		return store.AddBranch(ctx, p.XID, b)

	case MsgUpdateBranchSessionStatus:
		var p UpdateBranchStatusPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		g, err := store.GetGlobal(ctx, p.XID)
		if err != nil {
			return err
		}
		if g == nil {
			return nil
		}
		b := g.Branch(p.BranchID)
		if b == nil || int(b.Status) == p.Next {
			return nil
		}
		return store.UpdateBranchStatus(ctx, p.XID, p.BranchID, tcoord.BranchStatus(p.Expected), tcoord.BranchStatus(p.Next))

	case MsgRemoveBranchSession:
		var p RemoveBranchSessionPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		return store.RemoveBranch(ctx, p.XID, p.BranchID)

	case MsgAcquireLock:
		var p AcquireLockPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		lockable, err := locks.IsLockable(ctx, p.XID, p.LockKey)
		if err != nil {
			return err
		}
		if !lockable {
			return nil
		}
		_, err = locks.AcquireLock(ctx, p.XID, p.LockKey)
		return err

	case MsgReleaseGlobalSessionLock:
		var p ReleaseLockPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		return locks.ReleaseLock(ctx, p.XID)

	case MsgDoCommit, MsgDoRollback:
		return applyDoCommitOrRollback(ctx, store, entry)

	default:
		return fmt.Errorf("consensus: unknown msgType %q", entry.MsgType)
	}
}

func applyDoCommitOrRollback(ctx context.Context, store tcoord.SessionStore, entry Entry) error {
	var p DoCommitOrRollbackPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return err
	}
	g, err := store.GetGlobal(ctx, p.XID)
	if err != nil {
		return err
	}
	if g == nil {
		return nil
	}
	terminalStatus := tcoord.BranchPhaseTwoCommitted
	if entry.MsgType == MsgDoRollback {
		terminalStatus = tcoord.BranchPhaseTwoRollbacked
	}
	for branchID, statusCode := range p.BranchStatuses {
		status := tcoord.BranchStatus(statusCode)
		b := g.Branch(branchID)
		if b == nil {
			continue
		}
		if status == terminalStatus {
			if err := store.RemoveBranch(ctx, p.XID, branchID); err != nil {
				return err
			}
			continue
		}
		if b.Status != status {
			if err := store.UpdateBranchStatus(ctx, p.XID, branchID, b.Status, status); err != nil {
				return err
			}
		}
	}
	return nil
}
