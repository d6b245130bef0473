package tcoord

import "context"

// SessionCondition filters ScanByStatus/ReadByCondition queries (spec.md §4.2/§4.3
// pagination). A zero-value SessionCondition matches every session.
type SessionCondition struct {
	// XID, if set, looks up a single session directly; takes precedence over
	// TransactionID and Status (spec.md §4.2 readByCondition precedence).
	XID string
	// TransactionID, when HasTransactionID is set, looks up a single session via the
	// secondary transactionId index; consulted only when XID is empty.
	TransactionID    int64
	HasTransactionID bool

	Status          GlobalStatus
	HasStatus       bool
	TransactionName string
	// Limit is the page size; 0 means the store's configured default page size
	// (spec.md §6 "store.redis.queryLimit"). The Redis store ends a page at the
	// first SCAN batch boundary after Limit matches, so a page can hold more than
	// Limit sessions; the replicated store ignores Limit and returns every match in
	// one page.
	Limit int
	// Cursor is an opaque continuation token returned by a previous call, empty
	// for the first page.
	Cursor string
}

// SessionPage is one page of a SessionCondition scan.
type SessionPage struct {
	Sessions   []*GlobalSession
	NextCursor string
}

// SessionStore is the single contract both the KV backend (spec.md §4.2, Redis) and
// the replicated backend (spec.md §4.3, consensus + snapshot) must satisfy. The
// coordinator (spec.md §4.1) is written against this interface only and never
// branches on which backend is active.
type SessionStore interface {
	// InsertGlobal creates a new GlobalSession. Returns an error if XID already exists.
	InsertGlobal(ctx context.Context, g *GlobalSession) error
	// UpdateGlobalStatus performs a compare-and-set status transition, succeeding
	// only if the stored status still matches expected (spec.md §5 CAS semantics).
	UpdateGlobalStatus(ctx context.Context, xid string, expected, next GlobalStatus) error
	// InactivateGlobal flips Active to false without changing Status (spec.md §4.1
	// Commit: branches have begun committing, no more enlistments allowed).
	InactivateGlobal(ctx context.Context, xid string) error
	// RemoveGlobal deletes a GlobalSession and all of its branches. Called once a
	// terminal status has been durably recorded downstream (spec.md §3 "destruction").
	RemoveGlobal(ctx context.Context, xid string) error
	// GetGlobal fetches one GlobalSession including its branches, or (nil, nil) if absent.
	GetGlobal(ctx context.Context, xid string) (*GlobalSession, error)

	// AddBranch appends a branch to an existing, still-active global (spec.md §4.1
	// BranchRegister).
	AddBranch(ctx context.Context, xid string, b *BranchSession) error
	// UpdateBranchStatus performs a compare-and-set branch status transition.
	UpdateBranchStatus(ctx context.Context, xid string, branchID int64, expected, next BranchStatus) error
	// RemoveBranch deletes one branch from a global. The phase-two drivers call it
	// for branches that finished phase two or are in PhaseOneFailed.
	RemoveBranch(ctx context.Context, xid string, branchID int64) error

	// ScanByStatus returns sessions with a particular status, used by the retry
	// queues (AsyncCommitting, CommitRetrying, RollbackRetrying — spec.md §4.1) and by
	// the timeout sweeper (spec.md §5).
	ScanByStatus(ctx context.Context, cond SessionCondition) (SessionPage, error)

	// ReadByCondition resolves a single GlobalSession by precedence: cond.XID if
	// set, else cond.TransactionID if set, else the first match of ScanByStatus's
	// status/name filters (spec.md §4.2 "readByCondition"). Returns (nil, nil) if
	// nothing matches.
	ReadByCondition(ctx context.Context, cond SessionCondition) (*GlobalSession, error)
}

// LockProvider guards the per-resource lock keys a branch registers (spec.md §4.1
// LockQuery, §4.4 "global lock"). Implementations must be safe for concurrent use.
type LockProvider interface {
	// AcquireLock attempts to acquire lockKey for the given xid. Returns false
	// (no error) on conflict with a different xid's lock, per spec.md §4.4.
	AcquireLock(ctx context.Context, xid, lockKey string) (bool, error)
	// IsLockable reports whether lockKey is free or already held by xid.
	IsLockable(ctx context.Context, xid, lockKey string) (bool, error)
	// ReleaseLock releases every lock key held by xid. Called on commit/rollback
	// completion and on branch unregistration.
	ReleaseLock(ctx context.Context, xid string) error
}

// BranchExecutor is the resource-manager-facing collaborator the coordinator calls
// into during phase two (spec.md §4.1 doGlobalCommit/doGlobalRollback). Production
// callers implement this over their own RPC transport; the wire protocol itself is
// out of scope (spec.md §1 Non-goals).
type BranchExecutor interface {
	// BranchCommit asks the resource manager owning b to commit. The returned
	// BranchStatus must be one of the PhaseTwoCommit* statuses.
	BranchCommit(ctx context.Context, g *GlobalSession, b *BranchSession) (BranchStatus, error)
	// BranchRollback asks the resource manager owning b to roll back. The returned
	// BranchStatus must be one of the PhaseTwoRollback* statuses.
	BranchRollback(ctx context.Context, g *GlobalSession, b *BranchSession) (BranchStatus, error)
}

// GlobalTransactionEvent is published to an EventSink at begin/commit-start/
// commit-end/rollback-start/rollback-end (spec.md §4.5). EndTs is nil until the
// event marks the end of a phase.
type GlobalTransactionEvent struct {
	XID     string
	Role    string
	Name    string
	BeginTs int64
	EndTs   *int64
	Status  GlobalStatus
}

// EventSink publishes global-transaction lifecycle events to an observer outside the
// coordinator (spec.md §4.5). Publish must not block the coordinator on a slow or
// unavailable downstream; implementations are responsible for their own buffering.
type EventSink interface {
	Publish(ctx context.Context, ev GlobalTransactionEvent)
	Close() error
}

// noopEventSink discards every event. Used as the coordinator's default when no
// sink is configured, per spec.md §4.5 "sink is optional".
type noopEventSink struct{}

func (noopEventSink) Publish(ctx context.Context, ev GlobalTransactionEvent) {}
func (noopEventSink) Close() error                                          { return nil }

// NoopEventSink returns an EventSink that discards every event.
func NoopEventSink() EventSink { return noopEventSink{} }
