package consensus

import (
	"context"
	log "log/slog"
	"sync"

	"github.com/sharedcode/tcoord"
)

// ConsensusService is the abstract total-order replicated log the Bridge proposes
// entries to (spec.md §4.4). Its transport, election protocol and on-disk log
// format are out of scope (spec.md §1 Non-goals); the Bridge needs only
// propose-and-get-an-index plus leadership status.
type ConsensusService interface {
	// Propose appends entry to the log and returns the index it was assigned.
	Propose(ctx context.Context, entry []byte) (uint64, error)
	// IsLeader reports whether this node currently holds leadership.
	IsLeader() bool
	// RegisterSnapshot announces that filename under the snapshot directory now
	// holds a complete, durable snapshot (spec.md §6 "the snapshot writer must
	// register the `data` filename with the consensus service on success"), so the
	// consensus service can treat it as a log-compaction checkpoint.
	RegisterSnapshot(ctx context.Context, filename string) error
}

// AppliedEntry is one committed log entry handed to Bridge.OnApply, identified by
// the index Propose returned for it (0 on a pure follower apply that never saw a
// local Propose call).
type AppliedEntry struct {
	Index   uint64
	Payload []byte
}

// Bridge adapts coordinator mutations to entries proposed on a ConsensusService and
// applies committed entries onto a SessionStore and LockProvider (spec.md §4.4).
type Bridge struct {
	svc   ConsensusService
	store tcoord.SessionStore
	locks tcoord.LockProvider

	mu      sync.Mutex
	pending map[uint64]func(error)
}

// NewBridge wires svc to store/locks.
func NewBridge(svc ConsensusService, store tcoord.SessionStore, locks tcoord.LockProvider) *Bridge {
	return &Bridge{
		svc:     svc,
		store:   store,
		locks:   locks,
		pending: make(map[uint64]func(error)),
	}
}

// IsLeader reports whether this node is the current leader.
func (b *Bridge) IsLeader() bool { return b.svc.IsLeader() }

// RegisterSnapshot forwards to the underlying ConsensusService so a completed
// snapshot write (replicated.SnapshotManager) is announced as a checkpoint.
func (b *Bridge) RegisterSnapshot(ctx context.Context, filename string) error {
	return b.svc.RegisterSnapshot(ctx, filename)
}

// Propose appends entry to the replicated log. onCommitted is invoked on the
// leader once the entry has been committed and applied locally via OnApply
// (spec.md §4.4); it receives the propose/apply error, nil on success.
func (b *Bridge) Propose(ctx context.Context, entry Entry, onCommitted func(error)) error {
	payload, err := entry.Encode()
	if err != nil {
		return err
	}
	index, err := b.svc.Propose(ctx, payload)
	if err != nil {
		if onCommitted != nil {
			onCommitted(err)
		}
		return err
	}
	if onCommitted != nil {
		b.mu.Lock()
		b.pending[index] = onCommitted
		b.mu.Unlock()
	}
	return nil
}

// OnLeaderStart is invoked when this node becomes leader for term (spec.md §4.1
// "Leader handover in replicated mode"); the coordinator is responsible for
// re-inserting in-flight sessions into the retry queues, this hook just logs the
// transition for operational visibility.
func (b *Bridge) OnLeaderStart(term int64) {
	log.Info("consensus bridge: became leader", "term", term)
}

// OnLeaderStop is invoked when this node steps down from leadership.
func (b *Bridge) OnLeaderStop(reason string) {
	log.Info("consensus bridge: stepped down", "reason", reason)
}

// OnApply is driven by the consensus service with a batch of committed entries, in
// log order. Each is decoded and applied idempotently; if the index matches an
// outstanding Propose, its onCommitted closure is invoked afterward with the apply
// error (spec.md §4.4 "The leader-side closure then also applies the effects
// locally, to keep leader and followers identical").
func (b *Bridge) OnApply(ctx context.Context, applied []AppliedEntry) {
	for _, a := range applied {
		entry, err := DecodeEntry(a.Payload)
		if err != nil {
			log.Error("consensus bridge: failed to decode entry", "index", a.Index, "error", err)
			b.resolve(a.Index, err)
			continue
		}
		err = Apply(ctx, b.store, b.locks, entry)
		if err != nil {
			log.Error("consensus bridge: apply failed", "index", a.Index, "msgType", entry.MsgType, "error", err)
		}
		b.resolve(a.Index, err)
	}
}

func (b *Bridge) resolve(index uint64, err error) {
	b.mu.Lock()
	cb, ok := b.pending[index]
	if ok {
		delete(b.pending, index)
	}
	b.mu.Unlock()
	if ok && cb != nil {
		cb(err)
	}
}
