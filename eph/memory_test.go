package eph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/partitionkeeper/eph/persist"
)

// TestMemoryStore_MutualExclusion verifies invariant L1: a live foreign owner blocks
// acquisition by a second host (spec §8 property 1).
func TestMemoryStore_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	storeA, _ := NewMemoryStore("hostA")
	s := storeA.(*memoryStore)
	storeB := &memoryStore{owner: "hostB", leases: s.leases, checkpts: s.checkpts}

	_, err := storeA.CreateLeaseIfNotExists(ctx, "p0")
	require.NoError(t, err)

	leaseStub := NewLease("p0")
	acquiredA, err := storeA.Acquire(ctx, leaseStub, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "hostA", acquiredA.Owner)

	_, err = storeB.Acquire(ctx, leaseStub, time.Minute)
	require.Error(t, err)
	require.True(t, IsConflict(err))
}

// TestMemoryStore_EpochMonotonic verifies invariant L2: epoch strictly increases
// across successive acquisitions of the same partition (spec §8 property 2).
func TestMemoryStore_EpochMonotonic(t *testing.T) {
	ctx := context.Background()
	store, _ := NewMemoryStore("hostA")
	_, err := store.CreateLeaseIfNotExists(ctx, "p0")
	require.NoError(t, err)

	leaseStub := NewLease("p0")
	var lastEpoch int64
	for i := 0; i < 5; i++ {
		acquired, err := store.Acquire(ctx, leaseStub, time.Millisecond)
		require.NoError(t, err)
		require.Greater(t, acquired.Epoch, lastEpoch)
		lastEpoch = acquired.Epoch
		time.Sleep(2 * time.Millisecond) // let the lease expire before the next Acquire
	}
}

// TestMemoryStore_FencedCheckpoint verifies invariant C1/property 3: once a lease
// token is stale, a checkpoint write under that token is rejected.
func TestMemoryStore_FencedCheckpoint(t *testing.T) {
	ctx := context.Background()
	leaseStore, checkpointStore := NewMemoryStore("hostA")
	_, err := leaseStore.CreateLeaseIfNotExists(ctx, "p0")
	require.NoError(t, err)

	leaseStub := NewLease("p0")
	firstLease, err := leaseStore.Acquire(ctx, leaseStub, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond) // expire

	secondLease, err := leaseStore.Acquire(ctx, leaseStub, time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, firstLease.Token, secondLease.Token)

	err = checkpointStore.Update(ctx, firstLease, persist.NewCheckpoint("100", 7))
	require.Error(t, err)
	require.True(t, IsFenced(err))

	err = checkpointStore.Update(ctx, secondLease, persist.NewCheckpoint("100", 7))
	require.NoError(t, err)
}
