package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestBlobRecord_FreshRecordHasNoCheckpoint guards the fix for the bug where a
// freshly-seeded record (as written by CreateLeaseIfNotExists) was indistinguishable
// from one carrying a real checkpoint: HasCheckpoint must default to false and survive
// a JSON round trip as false until Update explicitly sets it, independent of whatever
// zero value Offset happens to hold.
func TestBlobRecord_FreshRecordHasNoCheckpoint(t *testing.T) {
	fresh := blobRecord{}

	body, err := json.Marshal(fresh)
	require.NoError(t, err)

	var roundTripped blobRecord
	require.NoError(t, json.Unmarshal(body, &roundTripped))
	require.False(t, roundTripped.HasCheckpoint)
	require.Equal(t, "", roundTripped.Offset)
}

// TestBlobRecord_CommittedCheckpointRoundTrips verifies a record written by Update
// (HasCheckpoint true, a real offset) round trips faithfully, the counterpart case to
// the fresh-record test above.
func TestBlobRecord_CommittedCheckpointRoundTrips(t *testing.T) {
	committed := blobRecord{
		Owner:          "hostA",
		Epoch:          3,
		HasCheckpoint:  true,
		Offset:         "42",
		SequenceNumber: 9,
	}

	body, err := json.Marshal(committed)
	require.NoError(t, err)

	var roundTripped blobRecord
	require.NoError(t, json.Unmarshal(body, &roundTripped))
	require.True(t, roundTripped.HasCheckpoint)
	require.Equal(t, "42", roundTripped.Offset)
	require.EqualValues(t, 9, roundTripped.SequenceNumber)
}
