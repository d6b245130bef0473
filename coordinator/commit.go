package coordinator

import (
	"context"
	log "log/slog"

	"github.com/sharedcode/tcoord"
)

// Commit drives phase two commit for xid (spec.md §4.1 "commit"/"doGlobalCommit").
func (c *Coordinator) Commit(ctx context.Context, xid string) (tcoord.GlobalStatus, error) {
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
		if g.Status == tcoord.StatusAsyncCommitting {
			return tcoord.StatusCommitted, nil
		}
		return g.Status, nil
	}

	allAsync := len(g.Branches) > 0
	for _, b := range g.Branches {
		if !b.CanBeCommittedAsync() {
			allAsync = false
			break
		}
	}
	if allAsync {
		if err := c.Store.UpdateGlobalStatus(ctx, xid, tcoord.StatusBegin, tcoord.StatusAsyncCommitting); err != nil {
			return g.Status, tcoord.NewError(tcoord.StoreError, err, xid)
		}
		g.Status = tcoord.StatusAsyncCommitting
		c.publish(ctx, g, "commit", nil)
		return tcoord.StatusCommitted, nil
	}

	if err := c.Store.UpdateGlobalStatus(ctx, xid, tcoord.StatusBegin, tcoord.StatusCommitting); err != nil {
		return g.Status, tcoord.NewError(tcoord.StoreError, err, xid)
	}
	g.Status = tcoord.StatusCommitting
	c.publish(ctx, g, "commit", nil)

	done, err := c.doGlobalCommit(ctx, g, false)
	if err != nil {
		return g.Status, err
	}
	if done {
		return tcoord.StatusCommitted, nil
	}
	return g.Status, nil
}

// doGlobalCommit walks g.Branches in registration order, calling BranchCommit on
// each. retrying selects between the synchronous first attempt and a sweeper-driven
// redrive. The first attempt skips async-capable branches and stops at the first
// error or retryable failure, moving the global to CommitRetrying. The redrive logs
// and steps past errors, and past retryable failures of async-capable branches, but
// stops at a retryable failure of any other branch. In both modes an unretryable
// failure of a branch that cannot be committed async moves the global to CommitFailed.
func (c *Coordinator) doGlobalCommit(ctx context.Context, g *tcoord.GlobalSession, retrying bool) (bool, error) {
	i := 0
	for i < len(g.Branches) {
		b := g.Branches[i]

		if b.Status == tcoord.BranchPhaseOneFailed {
			if err := c.Store.RemoveBranch(ctx, g.XID, b.BranchID); err != nil {
				return false, tcoord.NewError(tcoord.StoreError, err, g.XID)
			}
			g.RemoveBranch(b.BranchID)
			continue
		}
		if !retrying && b.CanBeCommittedAsync() {
			i++
			continue
		}

		status, err := c.Executor.BranchCommit(ctx, g, b)
		if err != nil {
			log.Warn("branch commit failed", "xid", g.XID, "branchId", b.BranchID, "error", err)
			if !retrying {
				if serr := c.Store.UpdateGlobalStatus(ctx, g.XID, tcoord.StatusCommitting, tcoord.StatusCommitRetrying); serr != nil {
					return false, tcoord.NewError(tcoord.StoreError, serr, g.XID)
				}
				g.Status = tcoord.StatusCommitRetrying
				return false, nil
			}
			i++
			continue
		}

		switch status {
		case tcoord.BranchPhaseTwoCommitted:
			if err := c.Store.RemoveBranch(ctx, g.XID, b.BranchID); err != nil {
				return false, tcoord.NewError(tcoord.StoreError, err, g.XID)
			}
			g.RemoveBranch(b.BranchID)
			continue

		case tcoord.BranchPhaseTwoCommitFailedUnretryable:
			if b.CanBeCommittedAsync() {
				log.Error("branch orphaned after unretryable async commit failure, operator intervention required", "xid", g.XID, "branchId", b.BranchID)
				i++
				continue
			}
			if err := c.Store.UpdateGlobalStatus(ctx, g.XID, g.Status, tcoord.StatusCommitFailed); err != nil {
				return false, tcoord.NewError(tcoord.StoreError, err, g.XID)
			}
			g.Status = tcoord.StatusCommitFailed
			return false, tcoord.NewError(tcoord.UnretryableFailure, tcoord.ErrUnretryableFailure, g.XID)

		default: // a retryable PhaseTwoCommitFailed status
			if !retrying {
				if err := c.Store.UpdateGlobalStatus(ctx, g.XID, tcoord.StatusCommitting, tcoord.StatusCommitRetrying); err != nil {
					return false, tcoord.NewError(tcoord.StoreError, err, g.XID)
				}
				g.Status = tcoord.StatusCommitRetrying
				return false, nil
			}
			if b.CanBeCommittedAsync() {
				i++
				continue
			}
			return false, nil
		}
	}

	if len(g.Branches) > 0 {
		return false, nil
	}

	if err := c.Store.UpdateGlobalStatus(ctx, g.XID, g.Status, tcoord.StatusCommitted); err != nil {
		return false, tcoord.NewError(tcoord.StoreError, err, g.XID)
	}
	g.Status = tcoord.StatusCommitted
	if err := c.Store.RemoveGlobal(ctx, g.XID); err != nil {
		return false, tcoord.NewError(tcoord.StoreError, err, g.XID)
	}
	endTs := tcoord.Now().UnixMilli()
	c.publish(ctx, g, "commit", &endTs)
	return true, nil
}
