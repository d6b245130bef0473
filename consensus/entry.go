// Package consensus adapts coordinator mutations to entries on an abstract
// consensus log and applies committed entries back onto a SessionStore
// (spec.md §4.4). The consensus service's own replication/election transport is out
// of scope (spec.md §1 Non-goals); this package models only propose/apply.
package consensus

import "encoding/json"

// MsgType tags a session-sync message (spec.md §4.4 "Entry format").
type MsgType string

const (
	MsgAddGlobalSession          MsgType = "ADD_GLOBAL_SESSION"
	MsgUpdateGlobalSessionStatus MsgType = "UPDATE_GLOBAL_SESSION_STATUS"
	MsgRemoveGlobalSession       MsgType = "REMOVE_GLOBAL_SESSION"
	MsgAddBranchSession          MsgType = "ADD_BRANCH_SESSION"
	MsgUpdateBranchSessionStatus MsgType = "UPDATE_BRANCH_SESSION_STATUS"
	MsgRemoveBranchSession       MsgType = "REMOVE_BRANCH_SESSION"
	MsgAcquireLock               MsgType = "ACQUIRE_LOCK"
	MsgReleaseGlobalSessionLock  MsgType = "RELEASE_GLOBAL_SESSION_LOCK"
	MsgDoCommit                 MsgType = "DO_COMMIT"
	MsgDoRollback                MsgType = "DO_ROLLBACK"
)

// SessionName names the destination session-manager map of the replicated store
// (spec.md §4.3); SessionRoot is used when the spec says "null ≡ root".
type SessionName string

const (
	SessionRoot             SessionName = "root"
	SessionAsyncCommitting  SessionName = "asyncCommitting"
	SessionRetryCommitting  SessionName = "retryCommitting"
	SessionRetryRollbacking SessionName = "retryRollbacking"
)

// Entry is a session-sync message (spec.md §4.4).
type Entry struct {
	MsgType     MsgType
	SessionName SessionName
	Payload     json.RawMessage
}

// Encode serializes e. A real deployment might use a language-neutral binary
// format (spec.md §6 mentions Hessian-2); JSON is used here since leader and
// follower are both this Go module and never need cross-language compatibility.
func (e Entry) Encode() ([]byte, error) { return json.Marshal(e) }

// DecodeEntry reverses Encode.
func DecodeEntry(data []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(data, &e)
	return e, err
}

func newEntry(msgType MsgType, sessionName SessionName, payload any) (Entry, error) {
	ba, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, err
	}
	return Entry{MsgType: msgType, SessionName: sessionName, Payload: ba}, nil
}

// AddGlobalSessionPayload carries a snapshotcodec-encoded GlobalSession.
type AddGlobalSessionPayload struct {
	Global []byte
}

// NewAddGlobalSession builds the ADD_GLOBAL_SESSION entry.
func NewAddGlobalSession(global []byte) (Entry, error) {
	return newEntry(MsgAddGlobalSession, SessionRoot, AddGlobalSessionPayload{Global: global})
}

// UpdateGlobalStatusPayload carries a CAS status transition.
type UpdateGlobalStatusPayload struct {
	XID      string
	Expected int
	Next     int
}

func NewUpdateGlobalStatus(xid string, expected, next int) (Entry, error) {
	return newEntry(MsgUpdateGlobalSessionStatus, SessionRoot, UpdateGlobalStatusPayload{XID: xid, Expected: expected, Next: next})
}

// RemoveGlobalSessionPayload names the global to remove.
type RemoveGlobalSessionPayload struct {
	XID string
}

func NewRemoveGlobalSession(xid string) (Entry, error) {
	return newEntry(MsgRemoveGlobalSession, SessionRoot, RemoveGlobalSessionPayload{XID: xid})
}

// AddBranchSessionPayload carries a snapshotcodec-encoded BranchSession.
type AddBranchSessionPayload struct {
	XID    string
	Branch []byte
}

func NewAddBranchSession(xid string, branch []byte) (Entry, error) {
	return newEntry(MsgAddBranchSession, SessionRoot, AddBranchSessionPayload{XID: xid, Branch: branch})
}

// UpdateBranchStatusPayload carries a CAS branch-status transition.
type UpdateBranchStatusPayload struct {
	XID      string
	BranchID int64
	Expected int
	Next     int
}

func NewUpdateBranchStatus(xid string, branchID int64, expected, next int) (Entry, error) {
	return newEntry(MsgUpdateBranchSessionStatus, SessionRoot, UpdateBranchStatusPayload{XID: xid, BranchID: branchID, Expected: expected, Next: next})
}

// RemoveBranchSessionPayload names the branch to remove.
type RemoveBranchSessionPayload struct {
	XID      string
	BranchID int64
}

func NewRemoveBranchSession(xid string, branchID int64) (Entry, error) {
	return newEntry(MsgRemoveBranchSession, SessionRoot, RemoveBranchSessionPayload{XID: xid, BranchID: branchID})
}

// AcquireLockPayload names the lock to acquire on behalf of xid.
type AcquireLockPayload struct {
	XID     string
	LockKey string
}

func NewAcquireLock(xid, lockKey string) (Entry, error) {
	return newEntry(MsgAcquireLock, SessionRoot, AcquireLockPayload{XID: xid, LockKey: lockKey})
}

// ReleaseLockPayload names the xid whose locks should be released.
type ReleaseLockPayload struct {
	XID string
}

func NewReleaseLock(xid string) (Entry, error) {
	return newEntry(MsgReleaseGlobalSessionLock, SessionRoot, ReleaseLockPayload{XID: xid})
}

// DoCommitOrRollbackPayload carries the terminal branch statuses the leader
// observed after driving phase two, for followers to replay (spec.md §4.4
// "Commit/rollback propagation").
type DoCommitOrRollbackPayload struct {
	XID            string
	BranchStatuses map[int64]int
}

func NewDoCommit(xid string, branchStatuses map[int64]int) (Entry, error) {
	return newEntry(MsgDoCommit, SessionRoot, DoCommitOrRollbackPayload{XID: xid, BranchStatuses: branchStatuses})
}

func NewDoRollback(xid string, branchStatuses map[int64]int) (Entry, error) {
	return newEntry(MsgDoRollback, SessionRoot, DoCommitOrRollbackPayload{XID: xid, BranchStatuses: branchStatuses})
}
