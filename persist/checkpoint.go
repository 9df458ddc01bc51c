// Package persist defines the durable progress record shared between a
// PartitionPump and its CheckpointStore.
package persist

import "fmt"

const (
	// StartOfStream is the checkpoint offset representing the beginning of a partition.
	StartOfStream = "-1"

	// EndOfStream is the checkpoint offset representing the end of a partition at the
	// time the position was resolved.
	EndOfStream = "@latest"
)

// Checkpoint is a partition's durable progress marker. A CheckpointStore persists one
// Checkpoint per partition, fenced by the owning Lease's token (see eph.CheckpointStore).
type Checkpoint struct {
	Offset         string `json:"offset"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// NewCheckpointFromStartOfStream builds the checkpoint used when a partition has never
// been checkpointed and the processor's initial position defaults to stream start.
func NewCheckpointFromStartOfStream() Checkpoint {
	return Checkpoint{Offset: StartOfStream, SequenceNumber: 0}
}

// NewCheckpointFromEndOfStream builds the checkpoint used when the processor's initial
// position is configured to skip straight to the end of the partition.
func NewCheckpointFromEndOfStream() Checkpoint {
	return Checkpoint{Offset: EndOfStream, SequenceNumber: 0}
}

// NewCheckpoint builds a checkpoint from an explicit offset and sequence number, as
// written by PartitionContext.Checkpoint.
func NewCheckpoint(offset string, sequenceNumber int64) Checkpoint {
	return Checkpoint{Offset: offset, SequenceNumber: sequenceNumber}
}

// IsStartOfStream reports whether the checkpoint is the sentinel representing "no
// progress has been recorded yet".
func (c Checkpoint) IsStartOfStream() bool {
	return c.Offset == StartOfStream
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("Checkpoint{Offset: %s, SequenceNumber: %d}", c.Offset, c.SequenceNumber)
}
