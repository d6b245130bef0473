package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sharedcode/tcoord"
)

const lockKeyPrefix = "SEATA_LOCK_"
const lockSetPrefix = "SEATA_LOCKS_XID_"

func formatLockKey(k string) string { return lockKeyPrefix + k }
func lockSetKey(xid string) string  { return lockSetPrefix + xid }

// LockProvider implements tcoord.LockProvider as a set-if-absent over Redis keys
// (spec.md §4.4 "global lock"), adapted from the teacher's optimistic
// SET-then-GET locking idiom.
type LockProvider struct {
	conn *Connection
}

// NewLockProvider wraps conn as a tcoord.LockProvider.
func NewLockProvider(conn *Connection) *LockProvider {
	return &LockProvider{conn: conn}
}

var _ tcoord.LockProvider = (*LockProvider)(nil)

func (l *LockProvider) AcquireLock(ctx context.Context, xid, lockKey string) (bool, error) {
	key := formatLockKey(lockKey)
	ok, err := l.conn.Client.SetNX(ctx, key, xid, 0).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		owner, err := l.conn.Client.Get(ctx, key).Result()
		if err != nil && err != goredis.Nil {
			return false, err
		}
		if owner != xid {
			return false, nil
		}
		// Already held by this xid; fall through to record membership.
	}
	if err := l.conn.Client.SAdd(ctx, lockSetKey(xid), lockKey).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (l *LockProvider) IsLockable(ctx context.Context, xid, lockKey string) (bool, error) {
	owner, err := l.conn.Client.Get(ctx, formatLockKey(lockKey)).Result()
	if err == goredis.Nil {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return owner == xid, nil
}

func (l *LockProvider) ReleaseLock(ctx context.Context, xid string) error {
	setKey := lockSetKey(xid)
	keys, err := l.conn.Client.SMembers(ctx, setKey).Result()
	if err != nil && err != goredis.Nil {
		return err
	}
	if len(keys) == 0 {
		return l.conn.Client.Del(ctx, setKey).Err()
	}
	toDelete := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		toDelete = append(toDelete, formatLockKey(k))
	}
	toDelete = append(toDelete, setKey)
	return l.conn.Client.Del(ctx, toDelete...).Err()
}
