// Package eph implements the partition-coordination engine for a fleet of hosts
// sharing the partitions of an event-hub/consumer-group pair: lease acquisition and
// rebalancing, per-partition checkpointed pumps, and the EventProcessor lifecycle
// contract, independent of any specific broker client or lease backend.
package eph

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrAlreadyRegistered is returned by Register when called more than once on the
// same Host instance.
var ErrAlreadyRegistered = errors.New("eph: host is already registered")

// ErrUnregistered is returned by Register when called after Unregister has completed.
var ErrUnregistered = errors.New("eph: host has been unregistered and cannot re-register")

// ErrLeaseDurationTooShort is returned by Register when RenewInterval is not smaller
// than LeaseDuration.
var ErrLeaseDurationTooShort = errors.New("eph: renew interval must be smaller than lease duration")

type hostState int32

const (
	hostStateUnregistered hostState = iota
	hostStateRegistered
	hostStateUnregistering
	hostStateDone
)

// Host is the façade of spec §4.G: identity, wiring of the chosen LeaseStore /
// CheckpointStore / ReceiverFactory / EventProcessorFactory, and the PartitionManager
// control loop.
type Host struct {
	name          string
	eventHubPath  string
	consumerGroup string
	partitionIDs  []string

	leaseStore      LeaseStore
	checkpointStore CheckpointStore
	receiverFactory ReceiverFactory

	mu               sync.Mutex
	state            hostState
	options          *HostOptions
	processorFactory EventProcessorFactory
	leaseManager     *leaseManager
	pm               *partitionManager
	cancel           context.CancelFunc
}

// NewHost builds a Host identity. name must be unique within the consumer group (a
// precondition the core does not enforce, per spec §3).
func NewHost(name, eventHubPath, consumerGroup string, partitionIDs []string, leaseStore LeaseStore, checkpointStore CheckpointStore, receiverFactory ReceiverFactory) *Host {
	return &Host{
		name:            name,
		eventHubPath:    eventHubPath,
		consumerGroup:   consumerGroup,
		partitionIDs:    append([]string(nil), partitionIDs...),
		leaseStore:      leaseStore,
		checkpointStore: checkpointStore,
		receiverFactory: receiverFactory,
	}
}

// Name returns the host's identity string.
func (h *Host) Name() string { return h.name }

// EventHubPath returns the event hub this host reads from.
func (h *Host) EventHubPath() string { return h.eventHubPath }

// ConsumerGroup returns the consumer group this host reads under.
func (h *Host) ConsumerGroup() string { return h.consumerGroup }

// PartitionIDs returns the fixed partition set this host is aware of.
func (h *Host) PartitionIDs() []string { return append([]string(nil), h.partitionIDs...) }

// Register starts the control loop: EnsureStore, an initial scan bounded by
// StartupScanDelay, then a background PartitionManager that continues scanning at
// ScanInterval until Unregister is called. Register may be called at most once per
// Host instance; registering after a prior Unregister is rejected (§4.G, and the
// REDESIGN FLAGS §9 guidance to replace exception-for-control-flow with explicit
// state).
func (h *Host) Register(ctx context.Context, factory EventProcessorFactory, opts ...HostOption) error {
	h.mu.Lock()
	switch h.state {
	case hostStateRegistered, hostStateUnregistering:
		h.mu.Unlock()
		return ErrAlreadyRegistered
	case hostStateDone:
		h.mu.Unlock()
		return ErrUnregistered
	}

	options := defaultHostOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			h.mu.Unlock()
			return errors.Wrap(err, "applying host option")
		}
	}
	if options.RenewInterval >= options.LeaseDuration {
		h.mu.Unlock()
		return ErrLeaseDurationTooShort
	}

	h.options = options
	h.processorFactory = factory
	h.leaseManager = newLeaseManager(h.leaseStore, options.LeaseDuration, options.RenewRetries)
	h.state = hostStateRegistered
	h.mu.Unlock()

	if err := h.leaseStore.EnsureStore(ctx); err != nil {
		h.mu.Lock()
		h.state = hostStateUnregistered
		h.mu.Unlock()
		return errors.Wrap(err, "ensuring lease store")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancel = cancel
	pm := newPartitionManager(h)
	h.pm = pm
	h.mu.Unlock()

	go pm.run(runCtx)
	pm.awaitFirstScan(ctx, options.StartupScanDelay)

	return nil
}

// Unregister idempotently stops the control loop, transitions every pump to Stopping
// with CloseReasonShutdown, and blocks until all pumps reach a terminal state or
// UnregisterTimeout elapses (leases for any abandoned pump are left to expire
// naturally rather than force-released out from under a still-running callback).
func (h *Host) Unregister(ctx context.Context) error {
	h.mu.Lock()
	if h.state == hostStateUnregistered || h.state == hostStateDone {
		h.mu.Unlock()
		return nil
	}
	if h.state == hostStateUnregistering {
		h.mu.Unlock()
		return nil
	}
	h.state = hostStateUnregistering
	pm := h.pm
	cancel := h.cancel
	timeout := h.options.UnregisterTimeout
	h.mu.Unlock()

	if pm != nil {
		pm.stopAll(ctx, CloseReasonShutdown, timeout)
		pm.stop()
	}
	if cancel != nil {
		cancel()
	}

	h.mu.Lock()
	h.state = hostStateDone
	h.mu.Unlock()
	return nil
}

// Pumps returns a diagnostic snapshot of currently owned partition pumps, keyed by
// partition ID. Intended for tests and operational introspection, not for driving
// application logic (pump ownership can change between the call and its use).
func (h *Host) Pumps() map[string]PumpState {
	h.mu.Lock()
	pm := h.pm
	h.mu.Unlock()
	if pm == nil {
		return nil
	}
	out := make(map[string]PumpState)
	for id, p := range pm.snapshot() {
		out[id] = p.State()
	}
	return out
}
