package eph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sharedMemoryStore builds N independent memoryStore handles (one per host name) that
// share the same underlying lease/checkpoint maps, the way N hosts in a real fleet
// share one remote LeaseStore/CheckpointStore.
func sharedMemoryStore(owners ...string) []*memoryStore {
	base, _ := NewMemoryStore(owners[0])
	s := base.(*memoryStore)
	out := []*memoryStore{s}
	for _, o := range owners[1:] {
		out = append(out, &memoryStore{owner: o, leases: s.leases, checkpts: s.checkpts})
	}
	return out
}

func testHostWithPartitions(t *testing.T, name string, store *memoryStore, partitionIDs []string) *Host {
	t.Helper()
	opts := defaultHostOptions()
	opts.ScanInterval = 20 * time.Millisecond
	opts.RenewInterval = 200 * time.Millisecond
	opts.LeaseDuration = 2 * time.Second
	opts.StartupScanDelay = 200 * time.Millisecond
	opts.ReceiveTimeout = 20 * time.Millisecond
	rf := newFakeReceiverFactory()
	for _, id := range partitionIDs {
		rf.receivers[id] = &fakeReceiver{failAt: -1}
	}
	pf := newFakeProcessorFactory()
	return &Host{
		name:             name,
		eventHubPath:     "test-hub",
		consumerGroup:    "$Default",
		partitionIDs:     partitionIDs,
		leaseStore:       store,
		checkpointStore:  store,
		receiverFactory:  rf,
		options:          opts,
		processorFactory: pf,
		leaseManager:     newLeaseManager(store, opts.LeaseDuration, opts.RenewRetries),
	}
}

// TestPartitionManager_SingleHostOwnsAll reproduces scenario S1: a lone host comes to
// own every partition within a bounded number of ticks.
func TestPartitionManager_SingleHostOwnsAll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stores := sharedMemoryStore("hostA")
	partitionIDs := []string{"p0", "p1", "p2", "p3"}
	host := testHostWithPartitions(t, "hostA", stores[0], partitionIDs)

	pm := newPartitionManager(host)
	host.pm = pm
	go pm.run(ctx)
	defer pm.stop()

	require.Eventually(t, func() bool {
		return len(pm.snapshot()) == 4
	}, time.Second, 10*time.Millisecond)
}

// TestPartitionManager_BalanceConvergence reproduces scenario S2/property 6: with two
// hosts and four partitions, ownership converges to 2/2 within a bounded number of
// ticks.
func TestPartitionManager_BalanceConvergence(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stores := sharedMemoryStore("hostA", "hostB")
	partitionIDs := []string{"p0", "p1", "p2", "p3"}

	hostA := testHostWithPartitions(t, "hostA", stores[0], partitionIDs)
	pmA := newPartitionManager(hostA)
	hostA.pm = pmA
	go pmA.run(ctx)
	defer pmA.stop()

	require.Eventually(t, func() bool {
		return len(pmA.snapshot()) == 4
	}, time.Second, 10*time.Millisecond)

	hostB := testHostWithPartitions(t, "hostB", stores[1], partitionIDs)
	pmB := newPartitionManager(hostB)
	hostB.pm = pmB
	go pmB.run(ctx)
	defer pmB.stop()

	require.Eventually(t, func() bool {
		return len(pmA.snapshot()) == 2 && len(pmB.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
