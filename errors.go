package tcoord

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the error taxonomy of spec.md §7.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// TransactionNotExist: operation references an unknown xid.
	TransactionNotExist
	// GlobalTransactionNotActive: branch register against a closed global.
	GlobalTransactionNotActive
	// LockConflict: the lock capability refused acquisition.
	LockConflict
	// BranchExecutionError: a branch-commit/rollback capability call returned a
	// retryable failure or threw.
	BranchExecutionError
	// UnretryableFailure: a branch-commit/rollback capability returned an unretryable
	// status; this is terminal for the global.
	UnretryableFailure
	// StoreError: the session store failed.
	StoreError
	// ConsensusError: propose/apply against the consensus log failed.
	ConsensusError
)

func (c ErrorCode) String() string {
	switch c {
	case TransactionNotExist:
		return "TransactionNotExist"
	case GlobalTransactionNotActive:
		return "GlobalTransactionNotActive"
	case LockConflict:
		return "LockConflict"
	case BranchExecutionError:
		return "BranchExecutionError"
	case UnretryableFailure:
		return "UnretryableFailure"
	case StoreError:
		return "StoreError"
	case ConsensusError:
		return "ConsensusError"
	default:
		return "Unknown"
	}
}

// Error is a TC-specific error carrying a code, the wrapped cause and optional
// caller-supplied context. Shaped after the teacher's generic sop.Error[T].
type Error[T any] struct {
	Code     ErrorCode
	Err      error
	UserData T
}

func (e Error[T]) Error() string {
	return fmt.Errorf("%s: %w (xid/context: %v)", e.Code, e.Err, e.UserData).Error()
}

func (e Error[T]) Unwrap() error {
	return e.Err
}

// NewError builds an Error[string] carrying xid (or other short context) as UserData.
func NewError(code ErrorCode, err error, context string) error {
	return Error[string]{Code: code, Err: err, UserData: context}
}

// Sentinel causes usable with errors.Is independent of the xid context they carry.
var (
	ErrTransactionNotExist        = errors.New("global transaction does not exist")
	ErrGlobalTransactionNotActive = errors.New("global transaction is not active")
	ErrLockConflict               = errors.New("lock conflict")
	ErrUnretryableFailure         = errors.New("branch reported an unretryable failure")
)

// CodeOf returns the ErrorCode carried by err, or Unknown if err isn't a tcoord.Error.
func CodeOf(err error) ErrorCode {
	var e Error[string]
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
