package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/sharedcode/tcoord"
	"github.com/sharedcode/tcoord/replicated/erasure"
	"github.com/sharedcode/tcoord/snapshotcodec"
)

// snapshotDoc is the two-entry snapshot format of spec.md §4.3: "rootSessionManager"
// holds every global session (snapshotcodec-encoded with its branches nested, since
// branches have no independent lifetime outside their owning global), and
// "branchSessionMap" is the lookup index from branchId to owning xid, rebuilt after
// load rather than needing its own encoding of branch bodies.
type snapshotDoc struct {
	RootSessionManager [][]byte         `json:"rootSessionManager"`
	BranchSessionMap   map[int64]string `json:"branchSessionMap"`
}

// snapshotFileName is the literal filename spec.md §6 mandates for the snapshot
// itself ("A single file `data` under the snapshot directory"). Erasure-coded shard
// metadata has no name of its own in that schema, so it rides alongside as
// snapshotMetaFileName.
const (
	snapshotFileName     = "data"
	snapshotMetaFileName = "data.meta"
)

// SnapshotRegistrar is satisfied by consensus.Bridge (and, transitively, by any
// consensus.ConsensusService): it lets the snapshot writer announce a successful
// write so the consensus layer can treat it as a log-compaction checkpoint
// (spec.md §6 "the snapshot writer must register the `data` filename with the
// consensus service on success").
type SnapshotRegistrar interface {
	RegisterSnapshot(ctx context.Context, filename string) error
}

// SnapshotManager periodically serializes a Store to disk, optionally erasure-coded
// across multiple directories, and loads it back on follower startup (spec.md §4.3).
type SnapshotManager struct {
	store *Store
	locks tcoord.LockProvider
	dirs  []string

	erasureEnc *erasure.Erasure

	// s3Mirror, if set, receives a best-effort copy of the primary (non-erasure-coded)
	// directory's snapshot file after every successful save.
	s3Mirror *S3Mirror

	// registrar, if set, is notified with the snapshot filename after every
	// successful save so the consensus service can checkpoint its log.
	registrar SnapshotRegistrar

	saving atomic.Bool
}

// SetS3Mirror attaches an optional secondary snapshot copy target.
func (sm *SnapshotManager) SetS3Mirror(m *S3Mirror) {
	sm.s3Mirror = m
}

// SetConsensusRegistrar attaches the consensus service snapshot writes are
// announced to (spec.md §6).
func (sm *SnapshotManager) SetConsensusRegistrar(r SnapshotRegistrar) {
	sm.registrar = r
}

// NewSnapshotManager builds a SnapshotManager writing to dirs. If len(dirs) > 1, a
// Reed-Solomon encoder is built with one shard per directory: len(dirs)/2 of them
// parity shards and the rest data shards, so the snapshot survives losing a
// minority of directories.
func NewSnapshotManager(store *Store, locks tcoord.LockProvider, dirs []string) (*SnapshotManager, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("replicated: at least one snapshot directory is required")
	}
	sm := &SnapshotManager{store: store, locks: locks, dirs: dirs}
	if len(dirs) > 1 {
		parity := len(dirs) / 2
		if parity == 0 {
			parity = 1
		}
		data := len(dirs) - parity
		if data < 1 {
			data = 1
			parity = len(dirs) - 1
		}
		enc, err := erasure.NewErasure(data, parity)
		if err != nil {
			return nil, err
		}
		sm.erasureEnc = enc
	}
	return sm, nil
}

// SaveAsync serializes the store and writes it out on a separate goroutine,
// invoking done exactly once with the outcome (spec.md §9 "Asynchronous snapshot
// save": the coordinator's hot path never blocks on snapshot I/O). A save already in
// flight causes this call to skip silently, logging at debug level, rather than
// queuing a second concurrent write.
func (sm *SnapshotManager) SaveAsync(ctx context.Context, done func(error)) {
	if !sm.saving.CompareAndSwap(false, true) {
		log.Debug("replicated: snapshot save already in flight, skipping")
		if done != nil {
			done(nil)
		}
		return
	}
	doc := sm.buildDoc()
	go func() {
		defer sm.saving.Store(false)
		err := sm.writeDoc(doc)
		if err != nil {
			log.Error("replicated: snapshot save failed", "error", err)
		} else {
			if sm.s3Mirror != nil {
				sm.s3Mirror.MirrorAfterSave(ctx, snapshotFileName)
			}
			if sm.registrar != nil {
				if rerr := sm.registrar.RegisterSnapshot(ctx, snapshotFileName); rerr != nil {
					log.Error("replicated: snapshot registration failed", "error", rerr)
				}
			}
		}
		if done != nil {
			done(err)
		}
	}()
}

func (sm *SnapshotManager) buildDoc() snapshotDoc {
	sm.store.mu.RLock()
	defer sm.store.mu.RUnlock()

	doc := snapshotDoc{BranchSessionMap: make(map[int64]string, len(sm.store.branchIndex))}
	for _, g := range sm.store.root {
		g.Lock()
		doc.RootSessionManager = append(doc.RootSessionManager, snapshotcodec.EncodeGlobal(g))
		g.Unlock()
	}
	for branchID, xid := range sm.store.branchIndex {
		doc.BranchSessionMap[branchID] = xid
	}
	return doc
}

func (sm *SnapshotManager) writeDoc(doc snapshotDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	if sm.erasureEnc == nil {
		w := newDirectWriter(filepath.Join(sm.dirs[0], snapshotFileName))
		return w.write(data)
	}

	shards, err := sm.erasureEnc.Encode(data)
	if err != nil {
		return err
	}
	var lastErr error
	written := 0
	for i, shard := range shards {
		if i >= len(sm.dirs) {
			break
		}
		meta := sm.erasureEnc.ComputeShardMetadata(len(data), shards, i)
		w := newDirectWriter(filepath.Join(sm.dirs[i], snapshotFileName))
		if err := w.write(shard); err != nil {
			if tcoord.IsFailoverQualifiedIOError(err) {
				log.Warn("replicated: snapshot directory unhealthy, skipping", "dir", sm.dirs[i], "error", err)
				lastErr = err
				continue
			}
			return err
		}
		mw := newDirectWriter(filepath.Join(sm.dirs[i], snapshotMetaFileName))
		if err := mw.write(meta); err != nil {
			log.Warn("replicated: snapshot shard metadata write failed", "dir", sm.dirs[i], "error", err)
		}
		written++
	}
	if written < sm.erasureEnc.DataShardsCount {
		return fmt.Errorf("replicated: only %d of %d required shards written: %w", written, sm.erasureEnc.DataShardsCount, lastErr)
	}
	return nil
}

// Load reads the snapshot back from disk and re-populates an empty Store with it.
// InsertGlobal rebuilds branchIndex and txIndex and reindexLocked below places each
// global into its side queue purely from its decoded Status, so branchSessionMap in
// the snapshot document only needs to round-trip for a consistency check, not to
// drive reconstruction. Locks are re-acquired per branch, logging and continuing
// past any failure since the owning resource manager will simply re-register on
// retry. Load must only be called on a follower that has not yet started applying
// the consensus log; a leader's state is authoritative and must never be
// overwritten from disk (spec.md §4.3 "Snapshot loading").
func (sm *SnapshotManager) Load(ctx context.Context) error {
	data, err := sm.readDoc()
	if err != nil {
		return err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("replicated: corrupt snapshot: %w", err)
	}

	for _, encoded := range doc.RootSessionManager {
		g, err := snapshotcodec.DecodeGlobal(encoded)
		if err != nil {
			return fmt.Errorf("replicated: corrupt snapshot global: %w", err)
		}
		if err := sm.store.InsertGlobal(ctx, g); err != nil {
			log.Warn("replicated: snapshot load: skipping duplicate global", "xid", g.XID, "error", err)
			continue
		}
		for _, b := range g.Branches {
			if b.LockKey == "" {
				continue
			}
			if _, err := sm.locks.AcquireLock(ctx, g.XID, b.LockKey); err != nil {
				log.Warn("replicated: snapshot load: failed to re-acquire lock", "xid", g.XID, "branchId", b.BranchID, "error", err)
			}
		}
	}

	// InsertGlobal already placed each global into its side queue via reindexLocked;
	// branchSessionMap only needs a read-only consistency check here.
	sm.store.mu.RLock()
	for branchID, xid := range doc.BranchSessionMap {
		if sm.store.branchIndex[branchID] != xid {
			log.Warn("replicated: snapshot load: branchSessionMap mismatch", "branchId", branchID, "expectedXid", xid)
		}
	}
	sm.store.mu.RUnlock()

	return nil
}

func (sm *SnapshotManager) readDoc() ([]byte, error) {
	if sm.erasureEnc == nil {
		w := newDirectWriter(filepath.Join(sm.dirs[0], snapshotFileName))
		return w.read()
	}

	shards := make([][]byte, len(sm.dirs))
	meta := make([][]byte, len(sm.dirs))
	for i, dir := range sm.dirs {
		w := newDirectWriter(filepath.Join(dir, snapshotFileName))
		data, err := w.read()
		if err != nil {
			log.Warn("replicated: snapshot shard unreadable", "dir", dir, "error", err)
			continue
		}
		mw := newDirectWriter(filepath.Join(dir, snapshotMetaFileName))
		m, err := mw.read()
		if err != nil || len(m) < erasure.MetaDataSize {
			log.Warn("replicated: snapshot shard metadata unreadable", "dir", dir, "error", err)
			continue
		}
		shards[i] = data
		meta[i] = m
	}
	result := sm.erasureEnc.Decode(shards, meta)
	if result.Error != nil {
		return nil, fmt.Errorf("replicated: snapshot reconstruction failed: %w", result.Error)
	}
	return result.DecodedData, nil
}
