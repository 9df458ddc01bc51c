package eph

import (
	"context"
	"sync"
	"time"

	"github.com/Azure/azure-amqp-common-go/v3/uuid"
	"github.com/pkg/errors"

	"github.com/partitionkeeper/eph/persist"
)

// memoryStore is an in-process LeaseStore + CheckpointStore used by tests and as a
// lightweight default for single-process demos. Grounded on the two independent
// eph-memory.go forks of the teacher's in-memory leaser/checkpointer, generalized to
// enforce real CAS rejection of a live foreign owner (the forks' AcquireLease always
// steals, which violates invariant L1 under concurrent hosts).
type memoryStore struct {
	owner string

	mu       sync.Mutex
	leases   map[string]*Lease
	checkpts map[string]persist.Checkpoint
}

// NewMemoryStore builds an in-memory LeaseStore/CheckpointStore pair. owner identifies
// the calling host for Acquire/Renew/Release/UpdateLease.
func NewMemoryStore(owner string) (LeaseStore, CheckpointStore) {
	s := &memoryStore{
		owner:    owner,
		leases:   make(map[string]*Lease),
		checkpts: make(map[string]persist.Checkpoint),
	}
	return s, s
}

func (s *memoryStore) EnsureStore(ctx context.Context) error {
	span, _ := startSpanFromContext(ctx, "eph.memoryStore.EnsureStore")
	defer span.Finish()
	return nil
}

func (s *memoryStore) CreateLeaseIfNotExists(ctx context.Context, partitionID string) (*Lease, error) {
	span, _ := startSpanFromContext(ctx, "eph.memoryStore.CreateLeaseIfNotExists")
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[partitionID]; ok {
		return l.Clone(), nil
	}
	l := NewLease(partitionID)
	s.leases[partitionID] = l
	return l.Clone(), nil
}

func (s *memoryStore) GetAllLeases(ctx context.Context) ([]*Lease, error) {
	span, _ := startSpanFromContext(ctx, "eph.memoryStore.GetAllLeases")
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l.Clone())
	}
	return out, nil
}

func (s *memoryStore) Acquire(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	span, _ := startSpanFromContext(ctx, "eph.memoryStore.Acquire")
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[lease.PartitionID]
	if !ok {
		return nil, NewStoreError(KindTransientIO, errors.New("lease is not in the store"))
	}

	if !current.IsExpired() && current.Owner != "" && current.Owner != s.owner {
		// invariant L1: a live foreign owner blocks acquisition.
		return nil, NewStoreError(KindConflict, errors.Errorf("partition %s is held by %s", lease.PartitionID, current.Owner))
	}

	token, err := uuid.NewV4()
	if err != nil {
		return nil, NewStoreError(KindTransientIO, err)
	}

	current.Owner = s.owner
	current.Token = token.String()
	current.IncrementEpoch()
	current.ExpiresAt = time.Now().Add(ttl)
	return current.Clone(), nil
}

func (s *memoryStore) Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	span, _ := startSpanFromContext(ctx, "eph.memoryStore.Renew")
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[lease.PartitionID]
	if !ok {
		return nil, NewStoreError(KindTransientIO, errors.New("lease is not in the store"))
	}

	if current.Token != lease.Token {
		return nil, NewStoreError(KindConflict, errors.Errorf("token mismatch for partition %s", lease.PartitionID))
	}

	current.ExpiresAt = time.Now().Add(ttl)
	return current.Clone(), nil
}

func (s *memoryStore) Release(ctx context.Context, lease *Lease) error {
	span, _ := startSpanFromContext(ctx, "eph.memoryStore.Release")
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[lease.PartitionID]
	if !ok {
		return NewStoreError(KindTransientIO, errors.New("lease is not in the store"))
	}

	if current.Token != lease.Token {
		return NewStoreError(KindConflict, errors.Errorf("token mismatch for partition %s", lease.PartitionID))
	}

	current.Owner = ""
	current.Token = ""
	current.ExpiresAt = time.Time{}
	return nil
}

func (s *memoryStore) UpdateLease(ctx context.Context, lease *Lease) (*Lease, error) {
	span, _ := startSpanFromContext(ctx, "eph.memoryStore.UpdateLease")
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[lease.PartitionID]
	if !ok {
		return nil, NewStoreError(KindTransientIO, errors.New("lease is not in the store"))
	}

	if current.Token != lease.Token {
		return nil, NewStoreError(KindConflict, errors.Errorf("token mismatch for partition %s", lease.PartitionID))
	}

	return current.Clone(), nil
}

func (s *memoryStore) Get(ctx context.Context, partitionID string) (persist.Checkpoint, bool, error) {
	span, _ := startSpanFromContext(ctx, "eph.memoryStore.Get")
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpts[partitionID]
	return cp, ok, nil
}

func (s *memoryStore) Update(ctx context.Context, lease *Lease, checkpoint persist.Checkpoint) error {
	span, _ := startSpanFromContext(ctx, "eph.memoryStore.Update")
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[lease.PartitionID]
	if !ok || current.Token != lease.Token || current.IsExpired() {
		// invariant C1: fenced by the presented lease's token.
		return NewStoreError(KindFenced, errors.Errorf("lease token stale for partition %s", lease.PartitionID))
	}

	s.checkpts[lease.PartitionID] = checkpoint
	return nil
}
