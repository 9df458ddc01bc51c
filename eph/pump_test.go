package eph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/partitionkeeper/eph/persist"
)

func testHost(t *testing.T, name string, leaseStore LeaseStore, checkpointStore CheckpointStore, rf ReceiverFactory, pf EventProcessorFactory) *Host {
	t.Helper()
	opts := defaultHostOptions()
	opts.ReceiveTimeout = 20 * time.Millisecond
	opts.RenewInterval = 50 * time.Millisecond
	opts.LeaseDuration = time.Second
	return &Host{
		name:             name,
		eventHubPath:     "test-hub",
		consumerGroup:    "$Default",
		partitionIDs:     []string{"p0"},
		leaseStore:       leaseStore,
		checkpointStore:  checkpointStore,
		receiverFactory:  rf,
		options:          opts,
		processorFactory: pf,
		leaseManager:     newLeaseManager(leaseStore, opts.LeaseDuration, opts.RenewRetries),
	}
}

// TestPump_LifecyclePairing verifies invariant P2 (exactly one Close per successful
// Open) and P1 (no concurrent OnEvents — enforced by fakeProcessor panicking if
// violated) across a batch of delivered events (spec §8 property 4).
func TestPump_LifecyclePairing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	leaseStore, checkpointStore := NewMemoryStore("hostA")
	_, err := leaseStore.CreateLeaseIfNotExists(ctx, "p0")
	require.NoError(t, err)

	rf := newFakeReceiverFactory()
	rf.receivers["p0"] = &fakeReceiver{
		failAt: -1,
		batches: [][]*EventData{
			{{Offset: "1", SequenceNumber: 1}, {Offset: "2", SequenceNumber: 2}},
			{{Offset: "3", SequenceNumber: 3}},
		},
	}
	pf := newFakeProcessorFactory()
	host := testHost(t, "hostA", leaseStore, checkpointStore, rf, pf)

	lease, ok, err := host.leaseManager.tryAcquire(ctx, NewLease("p0"))
	require.NoError(t, err)
	require.True(t, ok)

	pump := newPartitionPump(host, lease)
	go pump.run(ctx)

	time.Sleep(100 * time.Millisecond)
	pump.stop(CloseReasonShutdown)
	<-pump.done

	proc := pf.get("p0")
	require.NotNil(t, proc)
	require.True(t, proc.opened)
	require.True(t, proc.closed)
	require.Equal(t, CloseReasonShutdown, proc.closeReason)
	require.GreaterOrEqual(t, len(proc.batches), 1)
	require.Equal(t, PumpStateStopped, pump.State())
}

// TestPump_Resumption verifies property 5: after a committed checkpoint, a fresh
// pump resumes from the initial position derived from that checkpoint rather than
// stream start.
func TestPump_Resumption(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	leaseStore, checkpointStore := NewMemoryStore("hostA")
	_, err := leaseStore.CreateLeaseIfNotExists(ctx, "p0")
	require.NoError(t, err)

	lease, err := leaseStore.Acquire(ctx, NewLease("p0"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, checkpointStore.Update(ctx, lease, persist.NewCheckpoint("42", 9)))

	rf := newFakeReceiverFactory()
	rf.receivers["p0"] = &fakeReceiver{failAt: -1}

	pf := newFakeProcessorFactory()
	host := testHost(t, "hostA", leaseStore, checkpointStore, rf, pf)

	pump := newPartitionPump(host, lease)
	err = pump.start(ctx)
	require.NoError(t, err)

	cp, hasCP := pump.checkpoint.Load().(persist.Checkpoint)
	require.True(t, hasCP)
	require.Equal(t, "42", cp.Offset)
	require.EqualValues(t, 9, cp.SequenceNumber)
}

// TestPump_ProcessorFailure verifies the §7 ProcessorFailure propagation policy: an
// OnEvents error transitions the pump to Failed, releases the lease, and reports via
// OnError exactly once (spec §8 scenario S5).
func TestPump_ProcessorFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	leaseStore, checkpointStore := NewMemoryStore("hostA")
	_, err := leaseStore.CreateLeaseIfNotExists(ctx, "p0")
	require.NoError(t, err)

	rf := newFakeReceiverFactory()
	rf.receivers["p0"] = &fakeReceiver{
		failAt:  -1,
		batches: [][]*EventData{{{Offset: "1", SequenceNumber: 1}}},
	}
	pf := newFakeProcessorFactory()
	pf.openErr = nil
	host := testHost(t, "hostA", leaseStore, checkpointStore, rf, pf)

	lease, ok, err := host.leaseManager.tryAcquire(ctx, NewLease("p0"))
	require.NoError(t, err)
	require.True(t, ok)

	pump := newPartitionPump(host, lease)

	// Inject the failure by wiring the processor to error on first OnEvents. We can't
	// set onEventsErr before Create() runs, so drive start() then patch the processor.
	require.NoError(t, pump.start(ctx))
	proc := pf.get("p0")
	proc.onEventsErr = errRequestedFailure

	go pump.receiveLoop(ctx)
	require.Eventually(t, func() bool {
		return pump.State() == PumpStateFailed
	}, time.Second, 10*time.Millisecond)

	require.Len(t, proc.errs, 1)
	require.Equal(t, errRequestedFailure, proc.errs[0])

	leases, err := leaseStore.GetAllLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, "", leases[0].Owner)
}

var errRequestedFailure = errTestOnly("processor requested failure")

type errTestOnly string

func (e errTestOnly) Error() string { return string(e) }
