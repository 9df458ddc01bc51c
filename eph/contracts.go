package eph

import (
	"context"
	"time"

	"github.com/partitionkeeper/eph/persist"
)

// LeaseStore is the abstract compare-and-set persistence primitive backing the
// LeaseManager (spec §4.A). All methods may fail with a *StoreError of kind
// KindTransientIO or KindConflict; callers distinguish with IsConflict/IsTransient.
//
// A concrete LeaseStore (storage.BlobLeaserCheckpointer, eph.memoryStore) supplies the
// fencing semantics: Acquire/Renew/Release/UpdateLease are rejected unless the caller's
// Token matches what the store currently considers valid for that partition.
type LeaseStore interface {
	// EnsureStore idempotently creates the underlying container/table.
	EnsureStore(ctx context.Context) error

	// CreateLeaseIfNotExists returns the existing lease record for partitionID, or
	// creates and returns a fresh unowned one.
	CreateLeaseIfNotExists(ctx context.Context, partitionID string) (*Lease, error)

	// GetAllLeases returns a snapshot of every known lease. No ordering is guaranteed.
	GetAllLeases(ctx context.Context) ([]*Lease, error)

	// Acquire attempts to take ownership of lease for the calling host. On success it
	// returns a new *Lease with a fresh Token, Owner set to the caller, Epoch bumped,
	// and ExpiresAt extended by ttl. It fails with KindConflict if another owner holds
	// a non-expired lease for the same partition.
	Acquire(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error)

	// Renew extends ExpiresAt by ttl. Fails with KindConflict if lease.Token no longer
	// matches the store's record (the lease was stolen or expired and reacquired).
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error)

	// Release clears ownership and invalidates the token. Requires a matching token.
	Release(ctx context.Context, lease *Lease) error

	// UpdateLease performs an opaque metadata write (e.g. persisting dirty checkpoint
	// state alongside the lease blob), gated on a matching token.
	UpdateLease(ctx context.Context, lease *Lease) (*Lease, error)
}

// CheckpointStore is the abstract durable progress primitive (spec §4.A). Update is
// fenced by the presented lease's token per invariant C1.
type CheckpointStore interface {
	// Get returns the last committed checkpoint for partitionID, and whether one
	// exists. When none exists, callers fall back to the processor's initial position.
	Get(ctx context.Context, partitionID string) (persist.Checkpoint, bool, error)

	// Update durably records checkpoint for the partition owned by lease. Fails with
	// KindFenced if lease's token is no longer current.
	Update(ctx context.Context, lease *Lease, checkpoint persist.Checkpoint) error
}

// StartingPositionKind enumerates the initialPosition configuration values (spec §6).
type StartingPositionKind int

const (
	// StartingPositionStart begins at the first available event in the partition.
	StartingPositionStart StartingPositionKind = iota
	// StartingPositionEnd begins after the last event present at open time.
	StartingPositionEnd
	// StartingPositionOffset begins immediately after a specific offset.
	StartingPositionOffset
	// StartingPositionSequence begins immediately after a specific sequence number.
	StartingPositionSequence
	// StartingPositionTime begins at the first event enqueued at or after a timestamp.
	StartingPositionTime
)

// StartingPosition selects where a fresh (no prior checkpoint) PartitionPump should
// start reading, per spec §6 `initialPosition`.
type StartingPosition struct {
	Kind           StartingPositionKind
	Offset         string
	SequenceNumber int64
	EnqueuedTime   time.Time
}

// StartOfStream is the default initial position: the beginning of the partition.
var StartOfStream = StartingPosition{Kind: StartingPositionStart}

// EndOfStream is the initial position that skips directly to the tail of the partition.
var EndOfStream = StartingPosition{Kind: StartingPositionEnd}

// EventData is the minimal event envelope the core depends on. The broker client
// (out of scope, spec §1) is responsible for populating it from wire frames.
type EventData struct {
	Offset         string
	SequenceNumber int64
	EnqueuedTime   time.Time
	Data           []byte
	Properties     map[string]interface{}
}

// Receiver is the abstract broker reader contract a ReceiverFactory produces. The
// concrete implementation (AMQP framing, prefetch, credit) lives outside the core.
type Receiver interface {
	// Receive blocks for up to timeout awaiting up to maxBatchSize events. It returns
	// a possibly-empty, never-nil batch; an empty batch with a nil error means the
	// timeout elapsed with nothing received.
	Receive(ctx context.Context, maxBatchSize int, timeout time.Duration) ([]*EventData, error)

	// Close releases the underlying broker link.
	Close(ctx context.Context) error
}

// ReceiverFactory opens a Receiver for one partition. epoch, when the broker supports
// epoch-based receiver precedence, is threaded from the owning Lease's Epoch field
// (see DESIGN.md's Open Questions) so a stale owner's receiver is fenced at the broker
// as well as in-process.
type ReceiverFactory interface {
	Open(ctx context.Context, partitionID string, startAfter StartingPosition, prefetchCount int, epoch *int64) (Receiver, error)
}

// PartitionContext is the per-partition handle an EventProcessor uses to checkpoint
// and to learn its own identity (spec §6).
type PartitionContext interface {
	PartitionID() string
	ConsumerGroup() string
	EventHubPath() string
	Owner() string

	// Checkpoint durably records progress at the last event delivered to onEvents, or,
	// before the first delivery, at the committed checkpoint the pump resumed from.
	// Returns ErrNoCheckpointableEvent if neither exists.
	Checkpoint(ctx context.Context) error

	// CheckpointAt durably records progress at an explicit offset/sequence number,
	// fenced by the pump's current lease token (invariant C1). No checkpoint is
	// accepted once the pump has entered Stopping (invariant P3).
	CheckpointAt(ctx context.Context, offset string, sequenceNumber int64) error
}

// EventProcessor is the user-supplied callback object whose lifecycle the
// PartitionPump drives: exactly one Open, then zero or more OnEvents, then exactly
// one Close (invariants P1, P2).
type EventProcessor interface {
	// Open is called once, strictly before the first OnEvents. An error aborts pump
	// startup (the pump transitions to Failed and the lease is released).
	Open(ctx context.Context, pc PartitionContext) error

	// OnEvents delivers a non-nil batch in broker order. The batch may be empty only
	// when HostOptions.InvokeOnTimeout is set and receiveTimeout elapsed with nothing
	// received. Never invoked concurrently for the same partition (invariant P1).
	OnEvents(ctx context.Context, pc PartitionContext, batch []*EventData) error

	// Close is called exactly once per successful Open, after the last in-flight
	// OnEvents returns.
	Close(ctx context.Context, pc PartitionContext, reason CloseReason) error

	// OnError is informational; it does not affect pump lifecycle.
	OnError(ctx context.Context, pc PartitionContext, err error)
}

// EventProcessorFactory constructs one EventProcessor per partition a host acquires.
type EventProcessorFactory interface {
	Create(pc PartitionContext) (EventProcessor, error)
}
