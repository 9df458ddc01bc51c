package eph

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/partitionkeeper/eph/persist"
)

// PumpState is the lifecycle state of one partition's pump (spec §4.D).
type PumpState int32

const (
	PumpStateStarting PumpState = iota
	PumpStateRunning
	PumpStateStopping
	PumpStateStopped
	PumpStateFailed
)

func (s PumpState) String() string {
	switch s {
	case PumpStateStarting:
		return "Starting"
	case PumpStateRunning:
		return "Running"
	case PumpStateStopping:
		return "Stopping"
	case PumpStateStopped:
		return "Stopped"
	case PumpStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrNoCheckpointableEvent is returned by PartitionContext.Checkpoint when no event
// has been delivered to OnEvents yet during this pump's lifetime and the pump did not
// resume from a committed checkpoint.
var ErrNoCheckpointableEvent = errors.New("eph: no event has been delivered yet to checkpoint")

// partitionPump owns one partition's Receiver and EventProcessor for the pump's
// lifetime (spec §3 ownership summary). PartitionManager exclusively owns the set of
// partitionPumps; nothing outside this file mutates pump state directly.
type partitionPump struct {
	host        *Host
	partitionID string

	state      int32 // atomic PumpState
	lease      atomic.Value // *Lease
	checkpoint atomic.Value // persist.Checkpoint, last delivered (not yet necessarily committed), or the resumed one before the first delivery

	processor EventProcessor
	pc        *partitionContext
	receiver  Receiver

	// onEventsMu enforces invariant P1: at most one OnEvents in flight per partition.
	onEventsMu sync.Mutex

	stopOnce   sync.Once
	stopReason CloseReason
	cancel     context.CancelFunc
	done       chan struct{}

	renewFailures int32
}

func newPartitionPump(host *Host, lease *Lease) *partitionPump {
	p := &partitionPump{
		host:        host,
		partitionID: lease.PartitionID,
		done:        make(chan struct{}),
	}
	p.setState(PumpStateStarting)
	p.lease.Store(lease)
	p.pc = &partitionContext{pump: p}
	return p
}

func (p *partitionPump) State() PumpState {
	return PumpState(atomic.LoadInt32(&p.state))
}

func (p *partitionPump) setState(s PumpState) {
	atomic.StoreInt32(&p.state, int32(s))
}

func (p *partitionPump) currentLease() *Lease {
	return p.lease.Load().(*Lease)
}

// run drives Starting -> Running -> {Stopping -> Stopped | Failed}. It returns once
// the pump has reached a terminal state; the caller (PartitionManager) reaps it after.
func (p *partitionPump) run(parent context.Context) {
	defer close(p.done)

	ctx, cancel := context.WithCancel(withHostName(parent, p.host.name))
	p.cancel = cancel
	defer cancel()

	span, ctx := startSpanFromContext(ctx, "eph.partitionPump.run")
	defer span.Finish()

	if err := p.start(ctx); err != nil {
		For(ctx).WithError(err).WithField("partition", p.partitionID).Error("pump failed to start")
		p.fail(ctx, err)
		return
	}

	p.setState(PumpStateRunning)
	go p.renewalLoop(ctx)

	p.receiveLoop(ctx)
}

// start implements the Starting state: resume from the last committed checkpoint (or
// the configured initial position), open the Receiver, and call EventProcessor.Open.
// Any failure here transitions directly to Failed and releases the lease (P1 never
// begins because OnEvents has not yet been reachable).
func (p *partitionPump) start(ctx context.Context) error {
	opts := p.host.options
	lease := p.currentLease()

	cp, ok, err := p.host.checkpointStore.Get(ctx, p.partitionID)
	if err != nil {
		return errors.Wrap(err, "reading checkpoint")
	}

	startAfter := opts.InitialPosition
	if ok {
		startAfter = StartingPosition{Kind: StartingPositionOffset, Offset: cp.Offset, SequenceNumber: cp.SequenceNumber}
		p.checkpoint.Store(cp)
	}

	epoch := lease.Epoch
	receiver, err := p.host.receiverFactory.Open(ctx, p.partitionID, startAfter, opts.PrefetchCount, &epoch)
	if err != nil {
		return errors.Wrap(err, "opening receiver")
	}
	p.receiver = receiver

	processor, err := p.host.processorFactory.Create(p.pc)
	if err != nil {
		_ = receiver.Close(ctx)
		return errors.Wrap(err, "creating event processor")
	}
	p.processor = processor

	if err := processor.Open(ctx, p.pc); err != nil {
		_ = receiver.Close(ctx)
		return errors.Wrap(err, "EventProcessor.Open")
	}

	return nil
}

// receiveLoop implements the Running state: repeatedly receive up to MaxBatchSize
// events (or ReceiveTimeout), deliver non-empty batches, and optionally deliver empty
// ones when InvokeOnTimeout is set. It returns once stop() has been called or the
// receiver/processor fails.
func (p *partitionPump) receiveLoop(ctx context.Context) {
	opts := p.host.options

	for {
		select {
		case <-ctx.Done():
			p.drainAndClose(context.Background(), p.stopReason)
			return
		default:
		}

		if p.State() == PumpStateStopping {
			p.drainAndClose(context.Background(), p.stopReason)
			return
		}

		batch, err := p.receiver.Receive(ctx, opts.MaxBatchSize, opts.ReceiveTimeout)
		if err != nil {
			if p.State() == PumpStateStopping {
				p.drainAndClose(context.Background(), p.stopReason)
				return
			}
			p.processor.OnError(ctx, p.pc, err)
			p.fail(ctx, err)
			return
		}

		if len(batch) == 0 && !opts.InvokeOnTimeout {
			continue
		}

		if err := p.deliver(ctx, batch); err != nil {
			p.processor.OnError(ctx, p.pc, err)
			p.fail(ctx, err)
			return
		}
	}
}

// deliver invokes OnEvents under onEventsMu, satisfying invariant P1. It never runs
// once Stopping has begun for any *new* batch, but a batch already in flight when
// stop() is requested is allowed to complete (§4.D Stopping: "await completion of the
// in-flight onEvents").
func (p *partitionPump) deliver(ctx context.Context, batch []*EventData) error {
	p.onEventsMu.Lock()
	defer p.onEventsMu.Unlock()

	if err := p.processor.OnEvents(ctx, p.pc, batch); err != nil {
		return err
	}

	if len(batch) > 0 {
		last := batch[len(batch)-1]
		p.checkpoint.Store(persist.NewCheckpoint(last.Offset, last.SequenceNumber))
	}
	return nil
}

// stop requests a transition to Stopping with the given reason. Safe to call multiple
// times or from multiple goroutines (renewal loop vs. PartitionManager shutdown); only
// the first call's reason takes effect.
func (p *partitionPump) stop(reason CloseReason) {
	p.stopOnce.Do(func() {
		p.stopReason = reason
		p.setState(PumpStateStopping)
		if p.cancel != nil {
			// Unblock a pending Receive so receiveLoop notices Stopping promptly.
			// drainAndClose always runs against a fresh background context, so
			// this cancellation never reaches Close; an in-flight OnEvents still
			// runs to completion but sees its context cancelled.
			p.cancel()
		}
	})
}

// drainAndClose implements the Stopping -> Stopped transition: no further receives are
// issued (the caller already exited receiveLoop), the in-flight OnEvents (if any) has
// already returned by the time this runs because deliver holds onEventsMu for its
// duration, then EventProcessor.Close is called exactly once (invariant P2) and the
// lease is released, unless reason is CloseReasonLeaseLost (another host holds it).
func (p *partitionPump) drainAndClose(ctx context.Context, reason CloseReason) {
	// Wait for any in-flight OnEvents to finish before closing (invariant P3: no
	// checkpoint, and now no callback, survives past this point).
	p.onEventsMu.Lock()
	p.onEventsMu.Unlock() //nolint:staticcheck // intentional barrier, not a real critical section

	if p.receiver != nil {
		_ = p.receiver.Close(ctx)
	}

	if p.processor != nil {
		if err := p.processor.Close(ctx, p.pc, reason); err != nil {
			p.processor.OnError(ctx, p.pc, errors.Wrap(err, "EventProcessor.Close"))
		}
	}

	if reason != CloseReasonLeaseLost {
		_ = p.host.leaseManager.release(ctx, p.currentLease())
	}

	p.setState(PumpStateStopped)
}

// fail implements the Failed state: best-effort Close with ProcessorFailure, release
// the lease, and report upward. PartitionManager reaps the pump on its next tick.
func (p *partitionPump) fail(ctx context.Context, cause error) {
	p.onEventsMu.Lock()
	p.onEventsMu.Unlock() //nolint:staticcheck

	if p.receiver != nil {
		_ = p.receiver.Close(ctx)
	}

	if p.processor != nil {
		if err := p.processor.Close(ctx, p.pc, CloseReasonProcessorFailure); err != nil {
			For(ctx).WithError(err).Warn("processor close failed during pump failure teardown")
		}
	}

	_ = p.host.leaseManager.release(ctx, p.currentLease())
	p.setState(PumpStateFailed)
	For(ctx).WithError(cause).WithField("partition", p.partitionID).Error("pump failed")
}

// renewalLoop implements the "one renewal task per owned partition" placement chosen
// in DESIGN.md's Open Questions. On KindConflict it stops the pump with LeaseLost
// immediately, without waiting for the shared PartitionManager tick.
func (p *partitionPump) renewalLoop(ctx context.Context) {
	opts := p.host.options
	ticker := time.NewTicker(opts.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			if p.State() != PumpStateRunning {
				return
			}
			renewed, err := p.host.leaseManager.renew(ctx, p.currentLease())
			if err != nil {
				atomic.AddInt32(&p.renewFailures, 1)
				For(ctx).WithError(err).WithField("partition", p.partitionID).Warn("lease renewal failed")
				p.stop(CloseReasonLeaseLost)
				return
			}
			atomic.StoreInt32(&p.renewFailures, 0)
			p.lease.Store(renewed)
		}
	}
}

// partitionContext is the EventProcessor-facing handle for one pump.
type partitionContext struct {
	pump *partitionPump
}

func (c *partitionContext) PartitionID() string   { return c.pump.partitionID }
func (c *partitionContext) ConsumerGroup() string { return c.pump.host.consumerGroup }
func (c *partitionContext) EventHubPath() string  { return c.pump.host.eventHubPath }
func (c *partitionContext) Owner() string         { return c.pump.host.name }

func (c *partitionContext) Checkpoint(ctx context.Context) error {
	v := c.pump.checkpoint.Load()
	if v == nil {
		return ErrNoCheckpointableEvent
	}
	cp := v.(persist.Checkpoint)
	return c.checkpointAt(ctx, cp)
}

func (c *partitionContext) CheckpointAt(ctx context.Context, offset string, sequenceNumber int64) error {
	return c.checkpointAt(ctx, persist.NewCheckpoint(offset, sequenceNumber))
}

func (c *partitionContext) checkpointAt(ctx context.Context, cp persist.Checkpoint) error {
	// invariant P3: no checkpoint is attempted after Stopping has begun.
	if c.pump.State() != PumpStateRunning {
		return NewStoreError(KindCancelled, errors.New("pump is not running"))
	}
	return c.pump.host.checkpointStore.Update(ctx, c.pump.currentLease(), cp)
}
