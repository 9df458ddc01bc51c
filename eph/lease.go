package eph

import (
	"fmt"
	"time"
)

// Lease is the in-memory record of ownership over one partition, per spec §3.
//
// At most one host holds a non-expired Lease for a given PartitionID at any instant
// (invariant L1); Epoch strictly increases across acquisitions of the same partition
// (invariant L2). Token is an opaque handle assigned by the LeaseStore on a successful
// Acquire and must accompany every subsequent Renew/Release/UpdateLease call against
// that lease — it is the store's compare-and-set key.
type Lease struct {
	PartitionID string    `json:"partitionId"`
	Owner       string    `json:"owner"`
	Token       string    `json:"token"`
	Epoch       int64     `json:"epoch"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// NewLease builds an unowned lease for partitionID, as created by
// LeaseStore.CreateLeaseIfNotExists.
func NewLease(partitionID string) *Lease {
	return &Lease{PartitionID: partitionID}
}

// IsExpired reports whether the lease has passed its expiry and is therefore
// acquirable by anyone, regardless of the recorded Owner.
func (l *Lease) IsExpired() bool {
	if l.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().After(l.ExpiresAt)
}

// IsOwnedBy reports whether host currently holds a non-expired lease.
func (l *Lease) IsOwnedBy(host string) bool {
	return l.Owner == host && !l.IsExpired()
}

// IncrementEpoch advances the lease's fencing epoch and returns the new value.
// Called by a LeaseStore on every successful Acquire (including steals).
func (l *Lease) IncrementEpoch() int64 {
	l.Epoch++
	return l.Epoch
}

// Clone returns a shallow copy safe to hand to a LeaseStore call without aliasing the
// caller's copy — the store methods return a fresh Lease rather than mutate in place.
func (l *Lease) Clone() *Lease {
	cp := *l
	return &cp
}

func (l *Lease) String() string {
	return fmt.Sprintf("Lease{partition: %s, owner: %q, epoch: %d, expiresAt: %s}",
		l.PartitionID, l.Owner, l.Epoch, l.ExpiresAt.Format(time.RFC3339))
}
