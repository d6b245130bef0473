package coordinator

import (
	"context"
	log "log/slog"

	"github.com/sharedcode/tcoord"
)

// sweepStatus pages through every session at status, drives each under its own
// xid lock via drive, and logs (without failing the whole sweep) on a per-session
// error, matching spec.md §4.1's description of the retry queues as a background
// process that redrives stuck sessions independently of each other.
func (c *Coordinator) sweepStatus(ctx context.Context, status tcoord.GlobalStatus, drive func(ctx context.Context, g *tcoord.GlobalSession) (bool, error)) error {
	cond := tcoord.SessionCondition{Status: status, HasStatus: true}
	for {
		page, err := c.Store.ScanByStatus(ctx, cond)
		if err != nil {
			return tcoord.NewError(tcoord.StoreError, err, status.String())
		}
		for _, g := range page.Sessions {
			mu := c.lockFor(g.XID)
			mu.Lock()
			fresh, err := c.Store.GetGlobal(ctx, g.XID)
			if err != nil {
				log.Error("sweep: failed to reload session", "xid", g.XID, "error", err)
				mu.Unlock()
				continue
			}
			if fresh == nil || fresh.Status != status {
				mu.Unlock()
				continue
			}
			if _, err := drive(ctx, fresh); err != nil {
				log.Warn("sweep: drive failed, will retry next cycle", "xid", fresh.XID, "status", status, "error", err)
			}
			mu.Unlock()
		}
		if page.NextCursor == "" {
			return nil
		}
		cond.Cursor = page.NextCursor
	}
}

// SweepAsyncCommitting drives every session parked in AsyncCommitting (spec.md §4.1:
// AT-only globals that were fast-pathed at Commit time).
func (c *Coordinator) SweepAsyncCommitting(ctx context.Context) error {
	return c.sweepStatus(ctx, tcoord.StatusAsyncCommitting, func(ctx context.Context, g *tcoord.GlobalSession) (bool, error) {
		return c.doGlobalCommit(ctx, g, true)
	})
}

// SweepCommitRetrying redrives sessions whose first commit attempt hit a retryable
// branch failure.
func (c *Coordinator) SweepCommitRetrying(ctx context.Context) error {
	return c.sweepStatus(ctx, tcoord.StatusCommitRetrying, func(ctx context.Context, g *tcoord.GlobalSession) (bool, error) {
		return c.doGlobalCommit(ctx, g, true)
	})
}

// SweepRollbackRetrying redrives sessions whose first rollback attempt hit a
// retryable branch failure.
func (c *Coordinator) SweepRollbackRetrying(ctx context.Context) error {
	return c.sweepStatus(ctx, tcoord.StatusRollbackRetrying, func(ctx context.Context, g *tcoord.GlobalSession) (bool, error) {
		return c.doGlobalRollback(ctx, g, true)
	})
}

// RunSweepCycle runs all three retry-queue sweeps concurrently, bounded to three
// workers since there are exactly three queues.
func (c *Coordinator) RunSweepCycle(ctx context.Context) error {
	tr := tcoord.NewTaskRunner(ctx, 3)
	tr.Go(func() error { return c.SweepAsyncCommitting(tr.GetContext()) })
	tr.Go(func() error { return c.SweepCommitRetrying(tr.GetContext()) })
	tr.Go(func() error { return c.SweepRollbackRetrying(tr.GetContext()) })
	return tr.Wait()
}

// handoverStatuses are the statuses a session must be in to be resumed into the
// rollback-retry queue on leader handover (spec.md §4.1 "Leader handover in
// replicated mode"): any global still mid-rollback when the old leader stepped down
// might have an incomplete view of which branches were actually rolled back, so the
// new leader re-drives it from scratch via the retry queue rather than assuming it
// was abandoned cleanly.
var handoverStatuses = []tcoord.GlobalStatus{
	tcoord.StatusRollbackRetrying,
	tcoord.StatusRollbacking,
	tcoord.StatusTimeoutRollbacking,
	tcoord.StatusTimeoutRollbackRetrying,
}

// OnLeaderStart re-inserts every in-flight rollback into RollbackRetrying so the
// sweeper resumes driving it under the new leader (spec.md §4.1). Only meaningful in
// replicated mode; a no-op call against the KV backend is harmless since rollback
// there already proceeds independent of any single TC instance's liveness.
func (c *Coordinator) OnLeaderStart(ctx context.Context) error {
	for _, status := range handoverStatuses {
		cond := tcoord.SessionCondition{Status: status, HasStatus: true}
		for {
			page, err := c.Store.ScanByStatus(ctx, cond)
			if err != nil {
				return tcoord.NewError(tcoord.StoreError, err, status.String())
			}
			for _, g := range page.Sessions {
				if status == tcoord.StatusRollbackRetrying {
					continue
				}
				mu := c.lockFor(g.XID)
				mu.Lock()
				if err := c.Store.UpdateGlobalStatus(ctx, g.XID, status, tcoord.StatusRollbackRetrying); err != nil {
					log.Warn("leader handover: failed to resume rollback", "xid", g.XID, "error", err)
				} else {
					log.Info("leader handover: resumed rollback", "xid", g.XID, "previousStatus", status)
				}
				mu.Unlock()
			}
			if page.NextCursor == "" {
				break
			}
			cond.Cursor = page.NextCursor
		}
	}
	return nil
}

// OnLeaderStop logs the step-down; in-flight sweeps on this node simply stop being
// scheduled by the caller, there is no per-session cleanup needed here.
func (c *Coordinator) OnLeaderStop(ctx context.Context, reason string) {
	log.Info("coordinator: stepped down from leadership", "reason", reason)
}
