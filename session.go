package tcoord

import "sync"

// GlobalStatus is the lifecycle status of a GlobalSession (spec.md §3).
type GlobalStatus int

const (
	StatusBegin GlobalStatus = iota
	StatusCommitting
	StatusCommitRetrying
	StatusAsyncCommitting
	StatusCommitted
	StatusCommitFailed
	StatusRollbacking
	StatusRollbackRetrying
	StatusTimeoutRollbacking
	StatusTimeoutRollbackRetrying
	StatusRollbacked
	StatusRollbackFailed
	StatusFinished
)

func (s GlobalStatus) String() string {
	switch s {
	case StatusBegin:
		return "Begin"
	case StatusCommitting:
		return "Committing"
	case StatusCommitRetrying:
		return "CommitRetrying"
	case StatusAsyncCommitting:
		return "AsyncCommitting"
	case StatusCommitted:
		return "Committed"
	case StatusCommitFailed:
		return "CommitFailed"
	case StatusRollbacking:
		return "Rollbacking"
	case StatusRollbackRetrying:
		return "RollbackRetrying"
	case StatusTimeoutRollbacking:
		return "TimeoutRollbacking"
	case StatusTimeoutRollbackRetrying:
		return "TimeoutRollbackRetrying"
	case StatusRollbacked:
		return "Rollbacked"
	case StatusRollbackFailed:
		return "RollbackFailed"
	case StatusFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether status is a sink status: no outgoing transitions, and
// the session is eligible for destruction (spec.md §3 invariants).
func (s GlobalStatus) IsTerminal() bool {
	switch s {
	case StatusCommitted, StatusRollbacked, StatusCommitFailed, StatusRollbackFailed, StatusFinished:
		return true
	default:
		return false
	}
}

// BranchStatus is the lifecycle status of a BranchSession (spec.md §3).
type BranchStatus int

const (
	BranchRegistered BranchStatus = iota
	BranchPhaseOneDone
	BranchPhaseOneFailed
	BranchPhaseTwoCommitted
	BranchPhaseTwoCommitFailedRetryable
	BranchPhaseTwoCommitFailedUnretryable
	BranchPhaseTwoRollbacked
	BranchPhaseTwoRollbackFailedRetryable
	BranchPhaseTwoRollbackFailedUnretryable
)

func (s BranchStatus) String() string {
	switch s {
	case BranchRegistered:
		return "Registered"
	case BranchPhaseOneDone:
		return "PhaseOne_Done"
	case BranchPhaseOneFailed:
		return "PhaseOne_Failed"
	case BranchPhaseTwoCommitted:
		return "PhaseTwo_Committed"
	case BranchPhaseTwoCommitFailedRetryable:
		return "PhaseTwo_CommitFailed_Retryable"
	case BranchPhaseTwoCommitFailedUnretryable:
		return "PhaseTwo_CommitFailed_Unretryable"
	case BranchPhaseTwoRollbacked:
		return "PhaseTwo_Rollbacked"
	case BranchPhaseTwoRollbackFailedRetryable:
		return "PhaseTwo_RollbackFailed_Retryable"
	case BranchPhaseTwoRollbackFailedUnretryable:
		return "PhaseTwo_RollbackFailed_Unretryable"
	default:
		return "Unknown"
	}
}

// BranchType names which resource-manager protocol governs a branch. Treated
// uniformly by the coordinator (spec.md §3, GLOSSARY); the SAGA variant is out of
// scope (spec.md §1 Non-goals).
type BranchType string

const (
	BranchTypeAT  BranchType = "AT"
	BranchTypeTCC BranchType = "TCC"
	BranchTypeXA  BranchType = "XA"
)

// BranchSession is one branch enlisted under a GlobalSession (spec.md §3).
type BranchSession struct {
	XID             string
	BranchID        int64
	TransactionID   int64
	BranchType      BranchType
	ResourceID      string
	ResourceGroupID string
	ClientID        string
	ApplicationData []byte
	LockKey         string
	Status          BranchStatus
}

// CanBeCommittedAsync reports whether this branch's phase-two commit is idempotent
// and may be deferred (spec.md §4.1 "canBeCommittedAsync"). AT branches (the common
// case backed by an undo-log resource manager) are safe to commit asynchronously;
// TCC/XA branches require the synchronous path since their confirm/prepare semantics
// are not naturally idempotent-and-deferrable here.
func (b *BranchSession) CanBeCommittedAsync() bool {
	return b.BranchType == BranchTypeAT
}

// GlobalSession is one global transaction (spec.md §3).
type GlobalSession struct {
	XID                     string
	TransactionID           int64
	ApplicationID           string
	TransactionServiceGroup string
	TransactionName         string
	TimeoutMs               int64
	BeginTime               int64
	ApplicationData         []byte
	Status                  GlobalStatus
	Active                  bool

	// Branches is insertion-ordered: insertion order defines commit order, reverse
	// insertion order defines rollback order (spec.md §4.1, §5).
	Branches []*BranchSession

	mu sync.Mutex
}

// Lock acquires the per-session mutex guarding every transition of this global and
// its branch list (spec.md §5).
func (g *GlobalSession) Lock() { g.mu.Lock() }

// Unlock releases the per-session mutex.
func (g *GlobalSession) Unlock() { g.mu.Unlock() }

// AddBranch appends a branch in registration order.
func (g *GlobalSession) AddBranch(b *BranchSession) {
	g.Branches = append(g.Branches, b)
}

// RemoveBranch removes the branch with the given branchId, if present.
func (g *GlobalSession) RemoveBranch(branchID int64) {
	for i, b := range g.Branches {
		if b.BranchID == branchID {
			g.Branches = append(g.Branches[:i], g.Branches[i+1:]...)
			return
		}
	}
}

// Branch returns the branch with the given branchId, or nil.
func (g *GlobalSession) Branch(branchID int64) *BranchSession {
	for _, b := range g.Branches {
		if b.BranchID == branchID {
			return b
		}
	}
	return nil
}

// Clone returns a shallow copy of g suitable for snapshotting/encoding without racing
// concurrent mutation of g itself; Branches is deep-copied one level (pointers to new
// BranchSession values holding copies of the original fields).
func (g *GlobalSession) Clone() *GlobalSession {
	clone := *g
	clone.mu = sync.Mutex{}
	clone.Branches = make([]*BranchSession, len(g.Branches))
	for i, b := range g.Branches {
		bc := *b
		clone.Branches[i] = &bc
	}
	return &clone
}
