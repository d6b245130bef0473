// Package coordinator implements the transaction-coordinator state machine
// (spec.md §4.1): begin, branch registration, phase-one reporting, lock query and
// the two-phase commit/rollback drivers, against the backend-agnostic
// tcoord.SessionStore contract.
package coordinator

import (
	"context"
	log "log/slog"
	"sync"

	"github.com/sharedcode/tcoord"
)

// Coordinator drives global transactions against a SessionStore/LockProvider pair.
// It is backend-agnostic: the same Coordinator code runs unmodified against the
// Redis-backed KV store (spec.md §4.2) or the consensus-replicated store
// (spec.md §4.3), since both satisfy tcoord.SessionStore identically.
type Coordinator struct {
	Store    tcoord.SessionStore
	Locks    tcoord.LockProvider
	Executor tcoord.BranchExecutor
	Sink     tcoord.EventSink
	Identity tcoord.IdentitySource

	// Bridge is the consensus bridge passed to NewReplicated; nil in KV-backend mode.
	// The coordinator only stores it: no operation proposes entries through it or
	// consults IsLeader, and every mutation is written straight to Store.
	Bridge ConsensusBridge

	// doubleReadOnRollback re-checks the store for concurrently registered branches
	// before finalizing a rollback to Rollbacked (spec.md §9 Open Question "double
	// read during rollback completion"). The KV backend can race a branchRegister
	// against a rollback in flight since GetGlobal always returns a fresh
	// deserialization with no shared pointer to guard; the replicated backend
	// serializes both under the same in-memory GlobalSession pointer and mutex, so
	// the race cannot occur there and the second read would be redundant.
	doubleReadOnRollback bool

	xidLocks sync.Map // xid (string) -> *sync.Mutex
}

// ConsensusBridge is the subset of consensus.Bridge the coordinator depends on, kept
// as a local interface so this package does not import consensus directly (spec.md
// §4.4 is an optional replicated-mode collaborator).
type ConsensusBridge interface {
	IsLeader() bool
}

// New builds a Coordinator for the KV backend (spec.md §4.2), where the
// double-read-on-rollback guard is required.
func New(store tcoord.SessionStore, locks tcoord.LockProvider, executor tcoord.BranchExecutor, sink tcoord.EventSink, identity tcoord.IdentitySource) *Coordinator {
	if sink == nil {
		sink = tcoord.NoopEventSink()
	}
	return &Coordinator{
		Store:                store,
		Locks:                locks,
		Executor:             executor,
		Sink:                 sink,
		Identity:             identity,
		doubleReadOnRollback: true,
	}
}

// NewReplicated builds a Coordinator for the consensus-replicated backend (spec.md
// §4.3), where per-session state is a single shared pointer guarded by its own mutex
// and the double-read guard is unnecessary.
func NewReplicated(store tcoord.SessionStore, locks tcoord.LockProvider, executor tcoord.BranchExecutor, sink tcoord.EventSink, identity tcoord.IdentitySource, bridge ConsensusBridge) *Coordinator {
	c := New(store, locks, executor, sink, identity)
	c.doubleReadOnRollback = false
	c.Bridge = bridge
	return c
}

// lockFor returns the process-local mutex serializing every operation against xid,
// independent of whatever locking the backend itself does (spec.md §5: "concurrency
// model is per-global mutex + status CAS"). This exists because GetGlobal on the KV
// backend returns a freshly deserialized value each call with no shared pointer to
// synchronize on; the replicated backend's GlobalSession.Lock/Unlock guards the
// shared struct itself, but a second, backend-independent registry keeps the
// Coordinator's own control flow (fetch-decide-write) atomic across either backend.
func (c *Coordinator) lockFor(xid string) *sync.Mutex {
	v, _ := c.xidLocks.LoadOrStore(xid, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (c *Coordinator) publish(ctx context.Context, g *tcoord.GlobalSession, role string, endTs *int64) {
	c.Sink.Publish(ctx, tcoord.GlobalTransactionEvent{
		XID:     g.XID,
		Role:    role,
		Name:    g.TransactionName,
		BeginTs: g.BeginTime,
		EndTs:   endTs,
		Status:  g.Status,
	})
}

// Begin creates a new global transaction (spec.md §4.1 "begin"). If xid is empty a
// fresh one is generated; a caller-supplied xid is used verbatim.
func (c *Coordinator) Begin(ctx context.Context, applicationID, group, name string, timeoutMs int64, xid string) (string, error) {
	if xid == "" {
		xid = tcoord.NewUUID().String()
	}
	g := &tcoord.GlobalSession{
		XID:                     xid,
		TransactionID:           c.Identity.NextTransactionID(),
		ApplicationID:           applicationID,
		TransactionServiceGroup: group,
		TransactionName:         name,
		TimeoutMs:               timeoutMs,
		BeginTime:               tcoord.Now().UnixMilli(),
		Status:                  tcoord.StatusBegin,
		Active:                  true,
	}
	if err := c.Store.InsertGlobal(ctx, g); err != nil {
		return "", tcoord.NewError(tcoord.StoreError, err, xid)
	}
	c.publish(ctx, g, "begin", nil)
	return xid, nil
}

// BranchRegister enlists a branch under an active global (spec.md §4.1
// "branchRegister"). If branchID is 0 a fresh one is generated.
func (c *Coordinator) BranchRegister(ctx context.Context, xid string, branchType tcoord.BranchType, resourceID, resourceGroupID, clientID, lockKey string, branchID int64, applicationData []byte) (int64, error) {
	mu := c.lockFor(xid)
	mu.Lock()
	defer mu.Unlock()

	g, err := c.Store.GetGlobal(ctx, xid)
	if err != nil {
		return 0, tcoord.NewError(tcoord.StoreError, err, xid)
	}
	if g == nil {
		return 0, tcoord.NewError(tcoord.TransactionNotExist, tcoord.ErrTransactionNotExist, xid)
	}
	if !g.Active {
		return 0, tcoord.NewError(tcoord.GlobalTransactionNotActive, tcoord.ErrGlobalTransactionNotActive, xid)
	}

	if lockKey != "" {
		ok, err := c.Locks.AcquireLock(ctx, xid, lockKey)
		if err != nil {
			return 0, tcoord.NewError(tcoord.StoreError, err, xid)
		}
		if !ok {
			return 0, tcoord.NewError(tcoord.LockConflict, tcoord.ErrLockConflict, xid)
		}
	}

	if branchID == 0 {
		branchID = c.Identity.NextBranchID(len(g.Branches))
	}
	b := &tcoord.BranchSession{
		XID:             xid,
		BranchID:        branchID,
		TransactionID:   g.TransactionID,
		BranchType:      branchType,
		ResourceID:      resourceID,
		ResourceGroupID: resourceGroupID,
		ClientID:        clientID,
		ApplicationData: applicationData,
		LockKey:         lockKey,
		Status:          tcoord.BranchRegistered,
	}
	if err := c.Store.AddBranch(ctx, xid, b); err != nil {
		return 0, tcoord.NewError(tcoord.StoreError, err, xid)
	}
	return branchID, nil
}

// BranchReport lets a resource manager report the outcome of its phase-one (or
// phase-two, during async/replay) work for one branch (spec.md §4.1 "branchReport").
func (c *Coordinator) BranchReport(ctx context.Context, xid string, branchID int64, status tcoord.BranchStatus) error {
	mu := c.lockFor(xid)
	mu.Lock()
	defer mu.Unlock()

	g, err := c.Store.GetGlobal(ctx, xid)
	if err != nil {
		return tcoord.NewError(tcoord.StoreError, err, xid)
	}
	if g == nil {
		return tcoord.NewError(tcoord.TransactionNotExist, tcoord.ErrTransactionNotExist, xid)
	}
	b := g.Branch(branchID)
	if b == nil {
		return tcoord.NewError(tcoord.TransactionNotExist, tcoord.ErrTransactionNotExist, xid)
	}
	if b.Status == status {
		return nil
	}
	if err := c.Store.UpdateBranchStatus(ctx, xid, branchID, b.Status, status); err != nil {
		return tcoord.NewError(tcoord.StoreError, err, xid)
	}
	return nil
}

// LockQuery reports whether lockKey is free or already held by xid (spec.md §4.1
// "lockQuery").
func (c *Coordinator) LockQuery(ctx context.Context, xid, lockKey string) (bool, error) {
	ok, err := c.Locks.IsLockable(ctx, xid, lockKey)
	if err != nil {
		return false, tcoord.NewError(tcoord.StoreError, err, xid)
	}
	return ok, nil
}

// GetStatus returns the current status of xid, or Finished if it no longer exists
// (spec.md §4.1 "getStatus": a destroyed session has folded into Finished).
func (c *Coordinator) GetStatus(ctx context.Context, xid string) (tcoord.GlobalStatus, error) {
	g, err := c.Store.GetGlobal(ctx, xid)
	if err != nil {
		return tcoord.StatusFinished, tcoord.NewError(tcoord.StoreError, err, xid)
	}
	if g == nil {
		return tcoord.StatusFinished, nil
	}
	return g.Status, nil
}

// GlobalReport is a no-op hook for saga-style progress reporting; saga semantics are
// out of scope here (spec.md §1 Non-goals), so this only logs.
func (c *Coordinator) GlobalReport(ctx context.Context, xid string, status tcoord.GlobalStatus) {
	log.Debug("global report", "xid", xid, "status", status)
}
