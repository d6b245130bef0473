// Package replicated is the in-memory SessionStore maintained on every replica of
// a consensus group (spec.md §4.3). Durability comes from the consensus log plus
// periodic snapshots, not from this package; Store itself only holds state in
// memory and mutates it under per-session and per-map locking.
package replicated

import (
	"context"
	"fmt"
	"sync"

	"github.com/sharedcode/tcoord"
)

// Store implements tcoord.SessionStore over four in-memory maps (spec.md §4.3):
// root holds every live global; asyncCommitting/retryCommitting/retryRollbacking
// are secondary indices over the same *GlobalSession pointers, one per retry
// queue, so the sweeper can enumerate queue members without scanning all of root.
type Store struct {
	mu sync.RWMutex

	root             map[string]*tcoord.GlobalSession
	asyncCommitting  map[string]*tcoord.GlobalSession
	retryCommitting  map[string]*tcoord.GlobalSession
	retryRollbacking map[string]*tcoord.GlobalSession

	txIndex     map[int64]string // transactionId -> xid
	branchIndex map[int64]string // branchId -> xid
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		root:             make(map[string]*tcoord.GlobalSession),
		asyncCommitting:  make(map[string]*tcoord.GlobalSession),
		retryCommitting:  make(map[string]*tcoord.GlobalSession),
		retryRollbacking: make(map[string]*tcoord.GlobalSession),
		txIndex:          make(map[int64]string),
		branchIndex:      make(map[int64]string),
	}
}

var _ tcoord.SessionStore = (*Store)(nil)

// sideMapFor returns the side-queue map a session of the given status belongs in,
// or nil if it belongs only in root.
func (s *Store) sideMapFor(status tcoord.GlobalStatus) map[string]*tcoord.GlobalSession {
	switch status {
	case tcoord.StatusAsyncCommitting:
		return s.asyncCommitting
	case tcoord.StatusCommitRetrying:
		return s.retryCommitting
	case tcoord.StatusRollbackRetrying:
		return s.retryRollbacking
	default:
		return nil
	}
}

// reindexLocked removes g from every side map then re-adds it per its current
// status. Callers must hold s.mu for writing and g.Lock() for reading g.Status.
func (s *Store) reindexLocked(g *tcoord.GlobalSession) {
	delete(s.asyncCommitting, g.XID)
	delete(s.retryCommitting, g.XID)
	delete(s.retryRollbacking, g.XID)
	if m := s.sideMapFor(g.Status); m != nil {
		m[g.XID] = g
	}
}

func (s *Store) InsertGlobal(ctx context.Context, g *tcoord.GlobalSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.root[g.XID]; exists {
		return fmt.Errorf("global session %s already exists", g.XID)
	}
	stored := g.Clone()
	s.root[stored.XID] = stored
	s.txIndex[stored.TransactionID] = stored.XID
	for _, b := range stored.Branches {
		s.branchIndex[b.BranchID] = stored.XID
	}
	s.reindexLocked(stored)
	return nil
}

func (s *Store) UpdateGlobalStatus(ctx context.Context, xid string, expected, next tcoord.GlobalStatus) error {
	s.mu.Lock()
	g, ok := s.root[xid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("global session %s not found", xid)
	}
	g.Lock()
	if g.Status != expected {
		status := g.Status
		g.Unlock()
		s.mu.Unlock()
		return fmt.Errorf("global session %s status is %v, expected %v", xid, status, expected)
	}
	g.Status = next
	s.reindexLocked(g)
	g.Unlock()
	s.mu.Unlock()
	return nil
}

func (s *Store) InactivateGlobal(ctx context.Context, xid string) error {
	s.mu.RLock()
	g, ok := s.root[xid]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("global session %s not found", xid)
	}
	g.Lock()
	g.Active = false
	g.Unlock()
	return nil
}

func (s *Store) RemoveGlobal(ctx context.Context, xid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.root[xid]
	if !ok {
		return nil
	}
	for _, b := range g.Branches {
		delete(s.branchIndex, b.BranchID)
	}
	delete(s.txIndex, g.TransactionID)
	delete(s.root, xid)
	delete(s.asyncCommitting, xid)
	delete(s.retryCommitting, xid)
	delete(s.retryRollbacking, xid)
	return nil
}

func (s *Store) GetGlobal(ctx context.Context, xid string) (*tcoord.GlobalSession, error) {
	s.mu.RLock()
	g, ok := s.root[xid]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	g.Lock()
	clone := g.Clone()
	g.Unlock()
	return clone, nil
}

func (s *Store) AddBranch(ctx context.Context, xid string, b *tcoord.BranchSession) error {
	s.mu.Lock()
	g, ok := s.root[xid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("global session %s not found", xid)
	}
	bc := *b
	g.Lock()
	g.AddBranch(&bc)
	g.Unlock()
	s.branchIndex[b.BranchID] = xid
	s.mu.Unlock()
	return nil
}

func (s *Store) UpdateBranchStatus(ctx context.Context, xid string, branchID int64, expected, next tcoord.BranchStatus) error {
	s.mu.RLock()
	g, ok := s.root[xid]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("global session %s not found", xid)
	}
	g.Lock()
	defer g.Unlock()
	b := g.Branch(branchID)
	if b == nil {
		return fmt.Errorf("branch %d not found under %s", branchID, xid)
	}
	if b.Status != expected {
		return fmt.Errorf("branch %d status is %v, expected %v", branchID, b.Status, expected)
	}
	b.Status = next
	return nil
}

func (s *Store) RemoveBranch(ctx context.Context, xid string, branchID int64) error {
	s.mu.Lock()
	g, ok := s.root[xid]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.branchIndex, branchID)
	s.mu.Unlock()

	g.Lock()
	g.RemoveBranch(branchID)
	g.Unlock()
	return nil
}

func (s *Store) ScanByStatus(ctx context.Context, cond tcoord.SessionCondition) (tcoord.SessionPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source := s.root
	if cond.HasStatus {
		if m := s.sideMapFor(cond.Status); m != nil {
			source = m
		}
	}

	page := tcoord.SessionPage{}
	for xid, g := range source {
		g.Lock()
		if cond.HasStatus && g.Status != cond.Status {
			g.Unlock()
			continue
		}
		if cond.TransactionName != "" && g.TransactionName != cond.TransactionName {
			g.Unlock()
			continue
		}
		clone := g.Clone()
		g.Unlock()
		page.Sessions = append(page.Sessions, clone)
		_ = xid
	}
	return page, nil
}

// ReadByCondition resolves a single global session by precedence: cond.XID, then
// cond.TransactionID via txIndex, then the first ScanByStatus match (spec.md §4.2
// "readByCondition").
func (s *Store) ReadByCondition(ctx context.Context, cond tcoord.SessionCondition) (*tcoord.GlobalSession, error) {
	if cond.XID != "" {
		return s.GetGlobal(ctx, cond.XID)
	}
	if cond.HasTransactionID {
		s.mu.RLock()
		xid, ok := s.txIndex[cond.TransactionID]
		s.mu.RUnlock()
		if !ok {
			return nil, nil
		}
		return s.GetGlobal(ctx, xid)
	}
	page, err := s.ScanByStatus(ctx, cond)
	if err != nil {
		return nil, err
	}
	if len(page.Sessions) == 0 {
		return nil, nil
	}
	return page.Sessions[0], nil
}

// Leader handover (spec.md §4.1 "Leader handover in replicated mode") is implemented
// generically against SessionStore in coordinator.Coordinator.OnLeaderStart, via
// ScanByStatus + UpdateGlobalStatus; it needs no Store-specific re-insertion helper
// since UpdateGlobalStatus already calls reindexLocked on every transition.
