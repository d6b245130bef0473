package tcoord

import (
	"sync/atomic"

	"github.com/gocql/gocql"
)

// IdentitySource is the monotonic 64-bit id source for transactionId and branchId
// described in spec.md §4.5.
type IdentitySource interface {
	// NextTransactionID returns a fresh, process-wide unique, monotonically
	// increasing transactionId.
	NextTransactionID() int64
	// NextBranchID returns a fresh id unique within its owning global. Callers pass
	// the current branch count of the global so ids stay small and ordered per-global,
	// matching the "monotonic per global" requirement of branchRegister in spec.md §4.1.
	NextBranchID(existingBranchCount int) int64
}

// timeUUIDIdentitySource derives ids from a Cassandra-style time UUID, the technique
// the teacher's TransactionLog.NewUUID doc comment names ("Cassandra transaction
// logging uses gocql.UUIDFromTime"). The UUID's 60-bit timestamp grows with the
// clock, which orders ids across a single TC instance; an atomic counter
// disambiguates calls that land in the same clock tick.
type timeUUIDIdentitySource struct {
	counter atomic.Int64
}

// NewTimeUUIDIdentitySource returns an IdentitySource seeded from gocql time-UUIDs.
func NewTimeUUIDIdentitySource() IdentitySource {
	return &timeUUIDIdentitySource{}
}

func (s *timeUUIDIdentitySource) next() int64 {
	u := gocql.UUIDFromTime(Now())
	// Add a per-process counter to the 100ns-tick timestamp so that two calls within
	// the same Cassandra-clock tick still yield distinct, increasing values.
	return u.Timestamp() + s.counter.Add(1)
}

func (s *timeUUIDIdentitySource) NextTransactionID() int64 {
	return s.next()
}

func (s *timeUUIDIdentitySource) NextBranchID(existingBranchCount int) int64 {
	return s.next()
}

// uuidIdentitySource is the fallback the teacher names for non-Cassandra deployments
// ("SOP in file system should just use the general sop.NewUUID function"): it folds a
// randomly generated UUID instead of a time-UUID. Branch ids are kept monotonic per
// global by simply using the caller-supplied existing branch count as a tie-breaker
// floor, since random UUIDs carry no inherent order.
type uuidIdentitySource struct {
	counter atomic.Int64
}

// NewUUIDIdentitySource returns an IdentitySource seeded from random UUIDs.
func NewUUIDIdentitySource() IdentitySource {
	return &uuidIdentitySource{}
}

func (s *uuidIdentitySource) NextTransactionID() int64 {
	hi, lo := NewUUID().Split()
	v := int64((hi ^ lo) & 0x7fffffffffffffff)
	if v < 0 {
		v = -v
	}
	return v + s.counter.Add(1)
}

func (s *uuidIdentitySource) NextBranchID(existingBranchCount int) int64 {
	return int64(existingBranchCount+1) + s.counter.Add(1)
}
