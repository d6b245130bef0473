package redis

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sharedcode/tcoord"
	"github.com/sharedcode/tcoord/encoding"
)

// Key prefixes for the KV session store (spec.md §4.2). Kept close to Seata's own
// Redis schema naming so an operator inspecting the keyspace recognizes the layout.
const (
	globalKeyPrefix   = "SEATA_GLOBAL_"
	txIDKeyPrefix     = "SEATA_TRANSACTION_ID_GLOBAL_"
	branchListPrefix  = "SEATA_XID_BRANCHS_"
	branchKeyPrefix   = "SEATA_BRANCH_"
)

func globalKey(xid string) string  { return globalKeyPrefix + xid }
func txIDKey(tid int64) string     { return txIDKeyPrefix + strconv.FormatInt(tid, 10) }
func branchListKey(xid string) string { return branchListPrefix + xid }
func branchKey(branchID int64) string { return branchKeyPrefix + strconv.FormatInt(branchID, 10) }

// SessionStore implements tcoord.SessionStore on top of a single Redis database
// (spec.md §4.2). Branch order is preserved with a Redis list of branch IDs; each
// branch itself is stored at its own key so BranchReport/UpdateBranchStatus touch
// only one key instead of rewriting the whole global session.
type SessionStore struct {
	conn       *Connection
	queryLimit int
}

// NewSessionStore wraps conn as a tcoord.SessionStore. queryLimit caps the default
// page size used by ScanByStatus when the caller's SessionCondition.Limit is 0
// (spec.md §6 "store.redis.queryLimit").
func NewSessionStore(conn *Connection, queryLimit int) *SessionStore {
	if queryLimit <= 0 {
		queryLimit = 100
	}
	return &SessionStore{conn: conn, queryLimit: queryLimit}
}

var _ tcoord.SessionStore = (*SessionStore)(nil)

type globalRecord struct {
	XID                     string
	TransactionID           int64
	ApplicationID           string
	TransactionServiceGroup string
	TransactionName         string
	TimeoutMs               int64
	BeginTime               int64
	ApplicationData         []byte
	Status                  tcoord.GlobalStatus
	Active                  bool
}

func toRecord(g *tcoord.GlobalSession) globalRecord {
	return globalRecord{
		XID:                     g.XID,
		TransactionID:           g.TransactionID,
		ApplicationID:           g.ApplicationID,
		TransactionServiceGroup: g.TransactionServiceGroup,
		TransactionName:         g.TransactionName,
		TimeoutMs:               g.TimeoutMs,
		BeginTime:               g.BeginTime,
		ApplicationData:         g.ApplicationData,
		Status:                  g.Status,
		Active:                  g.Active,
	}
}

func (r globalRecord) toSession() *tcoord.GlobalSession {
	return &tcoord.GlobalSession{
		XID:                     r.XID,
		TransactionID:           r.TransactionID,
		ApplicationID:           r.ApplicationID,
		TransactionServiceGroup: r.TransactionServiceGroup,
		TransactionName:         r.TransactionName,
		TimeoutMs:               r.TimeoutMs,
		BeginTime:               r.BeginTime,
		ApplicationData:         r.ApplicationData,
		Status:                  r.Status,
		Active:                  r.Active,
	}
}

func (s *SessionStore) InsertGlobal(ctx context.Context, g *tcoord.GlobalSession) error {
	ba, err := encoding.DefaultMarshaler.Marshal(toRecord(g))
	if err != nil {
		return err
	}
	ok, err := s.conn.Client.SetNX(ctx, globalKey(g.XID), ba, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("global session %s already exists", g.XID)
	}
	if err := s.conn.Client.Set(ctx, txIDKey(g.TransactionID), g.XID, 0).Err(); err != nil {
		return err
	}
	for _, b := range g.Branches {
		if err := s.AddBranch(ctx, g.XID, b); err != nil {
			return err
		}
	}
	return nil
}

// casGlobal loads the global record, applies mutate under a Redis optimistic
// transaction (WATCH/MULTI), and writes it back. mutate returns an error to abort.
func (s *SessionStore) casGlobal(ctx context.Context, xid string, mutate func(*globalRecord) error) error {
	key := globalKey(xid)
	return s.conn.Client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == goredis.Nil {
			return fmt.Errorf("global session %s not found", xid)
		}
		if err != nil {
			return err
		}
		var rec globalRecord
		if err := encoding.DefaultMarshaler.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		ba, err := encoding.DefaultMarshaler.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, ba, 0)
			return nil
		})
		return err
	}, key)
}

func (s *SessionStore) UpdateGlobalStatus(ctx context.Context, xid string, expected, next tcoord.GlobalStatus) error {
	return s.casGlobal(ctx, xid, func(rec *globalRecord) error {
		if rec.Status != expected {
			return fmt.Errorf("global session %s status is %v, expected %v", xid, rec.Status, expected)
		}
		rec.Status = next
		return nil
	})
}

func (s *SessionStore) InactivateGlobal(ctx context.Context, xid string) error {
	return s.casGlobal(ctx, xid, func(rec *globalRecord) error {
		rec.Active = false
		return nil
	})
}

func (s *SessionStore) RemoveGlobal(ctx context.Context, xid string) error {
	raw, err := s.conn.Client.Get(ctx, globalKey(xid)).Bytes()
	if err == goredis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	var rec globalRecord
	if err := encoding.DefaultMarshaler.Unmarshal(raw, &rec); err != nil {
		return err
	}
	branchIDs, err := s.conn.Client.LRange(ctx, branchListKey(xid), 0, -1).Result()
	if err != nil && err != goredis.Nil {
		return err
	}
	keys := []string{globalKey(xid), txIDKey(rec.TransactionID), branchListKey(xid)}
	for _, idStr := range branchIDs {
		keys = append(keys, branchKeyPrefix+idStr)
	}
	return s.conn.Client.Del(ctx, keys...).Err()
}

func (s *SessionStore) GetGlobal(ctx context.Context, xid string) (*tcoord.GlobalSession, error) {
	raw, err := s.conn.Client.Get(ctx, globalKey(xid)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec globalRecord
	if err := encoding.DefaultMarshaler.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	g := rec.toSession()
	branches, err := s.loadBranches(ctx, xid)
	if err != nil {
		return nil, err
	}
	g.Branches = branches
	return g, nil
}

// loadBranches pages through the branch-list key in windows of s.queryLimit
// entries rather than a single unwindowed LRANGE (spec.md §4.2 branch-list
// pagination). A correct implementation must terminate both when the returned
// window is empty and when its size is less than the requested page, since the
// window read is the normal end condition and an all-zero-length read can also
// happen on a list that was never written to.
func (s *SessionStore) loadBranches(ctx context.Context, xid string) ([]*tcoord.BranchSession, error) {
	key := branchListKey(xid)
	limit := int64(s.queryLimit)
	var branches []*tcoord.BranchSession
	for start := int64(0); ; start += limit {
		window, err := s.conn.Client.LRange(ctx, key, start, start+limit-1).Result()
		if err != nil && err != goredis.Nil {
			return nil, err
		}
		for _, idStr := range window {
			raw, err := s.conn.Client.Get(ctx, branchKeyPrefix+idStr).Bytes()
			if err == goredis.Nil {
				continue
			}
			if err != nil {
				return nil, err
			}
			var b tcoord.BranchSession
			if err := encoding.DefaultMarshaler.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
			branches = append(branches, &b)
		}
		if len(window) == 0 || int64(len(window)) < limit {
			break
		}
	}
	return branches, nil
}

func (s *SessionStore) AddBranch(ctx context.Context, xid string, b *tcoord.BranchSession) error {
	ba, err := encoding.DefaultMarshaler.Marshal(b)
	if err != nil {
		return err
	}
	if err := s.conn.Client.Set(ctx, branchKey(b.BranchID), ba, 0).Err(); err != nil {
		return err
	}
	return s.conn.Client.RPush(ctx, branchListKey(xid), b.BranchID).Err()
}

func (s *SessionStore) UpdateBranchStatus(ctx context.Context, xid string, branchID int64, expected, next tcoord.BranchStatus) error {
	key := branchKey(branchID)
	return s.conn.Client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == goredis.Nil {
			return fmt.Errorf("branch %d not found", branchID)
		}
		if err != nil {
			return err
		}
		var b tcoord.BranchSession
		if err := encoding.DefaultMarshaler.Unmarshal(raw, &b); err != nil {
			return err
		}
		if b.Status != expected {
			return fmt.Errorf("branch %d status is %v, expected %v", branchID, b.Status, expected)
		}
		b.Status = next
		ba, err := encoding.DefaultMarshaler.Marshal(b)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, ba, 0)
			return nil
		})
		return err
	}, key)
}

func (s *SessionStore) RemoveBranch(ctx context.Context, xid string, branchID int64) error {
	if err := s.conn.Client.LRem(ctx, branchListKey(xid), 1, branchID).Err(); err != nil {
		return err
	}
	return s.conn.Client.Del(ctx, branchKey(branchID)).Err()
}

// ScanByStatus iterates the global-session keyspace with Redis SCAN, filtering in
// application code since the KV backend keeps no secondary status index (spec.md §4.2
// Open Question on pagination; see DESIGN.md). A page ends at the first SCAN batch
// boundary after at least limit matches, so it can hold more than limit sessions.
// The returned NextCursor is the raw Redis scan cursor and should be fed back as
// SessionCondition.Cursor verbatim; it is empty once the scan has completed.
func (s *SessionStore) ScanByStatus(ctx context.Context, cond tcoord.SessionCondition) (tcoord.SessionPage, error) {
	limit := cond.Limit
	if limit <= 0 {
		limit = s.queryLimit
	}
	var cursor uint64
	if cond.Cursor != "" {
		parsed, err := strconv.ParseUint(cond.Cursor, 10, 64)
		if err != nil {
			return tcoord.SessionPage{}, fmt.Errorf("invalid cursor %q: %w", cond.Cursor, err)
		}
		cursor = parsed
	}

	page := tcoord.SessionPage{}
	for {
		keys, nextCursor, err := s.conn.Client.Scan(ctx, cursor, globalKeyPrefix+"*", int64(limit)).Result()
		if err != nil {
			return tcoord.SessionPage{}, err
		}
		for _, k := range keys {
			xid := k[len(globalKeyPrefix):]
			g, err := s.GetGlobal(ctx, xid)
			if err != nil || g == nil {
				continue
			}
			if cond.HasStatus && g.Status != cond.Status {
				continue
			}
			if cond.TransactionName != "" && g.TransactionName != cond.TransactionName {
				continue
			}
			page.Sessions = append(page.Sessions, g)
		}
		cursor = nextCursor
		if cursor == 0 {
			break
		}
		if len(page.Sessions) >= limit {
			page.NextCursor = strconv.FormatUint(cursor, 10)
			return page, nil
		}
	}
	return page, nil
}

// ReadByCondition resolves a single global session by precedence: XID, then
// TransactionID via the SEATA_TRANSACTION_ID_GLOBAL_ secondary index, then the
// first ScanByStatus match (spec.md §4.2 "readByCondition").
func (s *SessionStore) ReadByCondition(ctx context.Context, cond tcoord.SessionCondition) (*tcoord.GlobalSession, error) {
	if cond.XID != "" {
		return s.GetGlobal(ctx, cond.XID)
	}
	if cond.HasTransactionID {
		xid, err := s.conn.Client.Get(ctx, txIDKey(cond.TransactionID)).Result()
		if err == goredis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
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
