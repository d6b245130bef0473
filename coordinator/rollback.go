package coordinator

import (
	"context"
	log "log/slog"

	"github.com/sharedcode/tcoord"
)

// Rollback drives phase two rollback for xid (spec.md §4.1 "rollback"/
// "doGlobalRollback"), symmetric to Commit.
func (c *Coordinator) Rollback(ctx context.Context, xid string) (tcoord.GlobalStatus, error) {
	mu := c.lockFor(xid)
	mu.Lock()
	defer mu.Unlock()

	g, err := c.Store.GetGlobal(ctx, xid)
	if err != nil {
		return tcoord.StatusFinished, tcoord.NewError(tcoord.StoreError, err, xid)
	}
	if g == nil {
		return tcoord.StatusFinished, nil
	}
	if err := c.Store.InactivateGlobal(ctx, xid); err != nil {
		return g.Status, tcoord.NewError(tcoord.StoreError, err, xid)
	}
	g.Active = false

	if g.Status != tcoord.StatusBegin {
		return g.Status, nil
	}

	if err := c.Store.UpdateGlobalStatus(ctx, xid, tcoord.StatusBegin, tcoord.StatusRollbacking); err != nil {
		return g.Status, tcoord.NewError(tcoord.StoreError, err, xid)
	}
	g.Status = tcoord.StatusRollbacking
	c.publish(ctx, g, "rollback", nil)

	done, err := c.doGlobalRollback(ctx, g, false)
	if err != nil {
		return g.Status, err
	}
	if done {
		return tcoord.StatusRollbacked, nil
	}
	return g.Status, nil
}

// doGlobalRollback walks g.Branches in reverse registration order (spec.md §4.1,
// §5: rollback order is the reverse of commit order), calling BranchRollback on
// each. Removing the current index while iterating downward is safe since it only
// shifts the already-visited (larger) indices down by one.
func (c *Coordinator) doGlobalRollback(ctx context.Context, g *tcoord.GlobalSession, retrying bool) (bool, error) {
	i := len(g.Branches) - 1
	for i >= 0 {
		b := g.Branches[i]

		status, err := c.Executor.BranchRollback(ctx, g, b)
		if err != nil {
			log.Warn("branch rollback failed", "xid", g.XID, "branchId", b.BranchID, "error", err)
			if !retrying {
				if serr := c.Store.UpdateGlobalStatus(ctx, g.XID, tcoord.StatusRollbacking, tcoord.StatusRollbackRetrying); serr != nil {
					return false, tcoord.NewError(tcoord.StoreError, serr, g.XID)
				}
				g.Status = tcoord.StatusRollbackRetrying
				return false, nil
			}
			i--
			continue
		}

		switch status {
		case tcoord.BranchPhaseTwoRollbacked:
			if err := c.Store.RemoveBranch(ctx, g.XID, b.BranchID); err != nil {
				return false, tcoord.NewError(tcoord.StoreError, err, g.XID)
			}
			g.RemoveBranch(b.BranchID)
			i--

		case tcoord.BranchPhaseTwoRollbackFailedUnretryable:
			if err := c.Store.UpdateGlobalStatus(ctx, g.XID, g.Status, tcoord.StatusRollbackFailed); err != nil {
				return false, tcoord.NewError(tcoord.StoreError, err, g.XID)
			}
			g.Status = tcoord.StatusRollbackFailed
			return false, tcoord.NewError(tcoord.UnretryableFailure, tcoord.ErrUnretryableFailure, g.XID)

		default: // a retryable PhaseTwoRollbackFailed status
			if !retrying {
				if err := c.Store.UpdateGlobalStatus(ctx, g.XID, tcoord.StatusRollbacking, tcoord.StatusRollbackRetrying); err != nil {
					return false, tcoord.NewError(tcoord.StoreError, err, g.XID)
				}
				g.Status = tcoord.StatusRollbackRetrying
				return false, nil
			}
			i--
		}
	}

	if len(g.Branches) > 0 {
		return false, nil
	}

	if c.doubleReadOnRollback {
		fresh, err := c.Store.GetGlobal(ctx, g.XID)
		if err != nil {
			return false, tcoord.NewError(tcoord.StoreError, err, g.XID)
		}
		if fresh != nil && len(fresh.Branches) > 0 {
			// A branch registered concurrently with this rollback completing; pick it
			// up so it is not silently orphaned, and defer finalizing.
			g.Branches = fresh.Branches
			return false, nil
		}
	}

	if err := c.Store.UpdateGlobalStatus(ctx, g.XID, g.Status, tcoord.StatusRollbacked); err != nil {
		return false, tcoord.NewError(tcoord.StoreError, err, g.XID)
	}
	g.Status = tcoord.StatusRollbacked
	if err := c.Store.RemoveGlobal(ctx, g.XID); err != nil {
		return false, tcoord.NewError(tcoord.StoreError, err, g.XID)
	}
	endTs := tcoord.Now().UnixMilli()
	c.publish(ctx, g, "rollback", &endTs)
	return true, nil
}
