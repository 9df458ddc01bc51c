// Package storage provides an Azure Blob Storage–backed implementation of
// eph.LeaseStore and eph.CheckpointStore: one blob per partition, the blob's own
// lease ID serving as the fencing Token spec.md's Lease model requires.
package storage

//	MIT License
//
//	Copyright (c) Microsoft Corporation. All rights reserved.
//
//	Permission is hereby granted, free of charge, to any person obtaining a copy
//	of this software and associated documentation files (the "Software"), to deal
//	in the Software without restriction, including without limitation the rights
//	to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
//	copies of the Software, and to permit persons to whom the Software is
//	furnished to do so, subject to the following conditions:
//
//	The above copyright notice and this permission notice shall be included in all
//	copies or substantial portions of the Software.
//
//	THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
//	IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
//	FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
//	AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
//	LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
//	OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
//	SOFTWARE

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/Azure/azure-amqp-common-go/v3/uuid"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/pkg/errors"

	"github.com/partitionkeeper/eph"
	"github.com/partitionkeeper/eph/persist"
)

// Credential wraps azblob.Credential so callers don't need to import azblob directly
// just to construct a BlobLeaserCheckpointer.
type Credential interface {
	azblob.Credential
}

// blobRecord is the JSON document stored in each partition's blob: the lease's
// metadata plus its last-committed checkpoint. HasCheckpoint distinguishes "never
// checkpointed" from an Offset that happens to be the empty string, since Offset alone
// cannot carry that distinction once a real sentinel value is written to it.
type blobRecord struct {
	Owner          string    `json:"owner"`
	Epoch          int64     `json:"epoch"`
	HasCheckpoint  bool      `json:"hasCheckpoint"`
	Offset         string    `json:"offset"`
	SequenceNumber int64     `json:"sequenceNumber"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// BlobLeaserCheckpointer implements eph.LeaseStore and eph.CheckpointStore against an
// Azure Storage container, one block blob per partition. The blob's native lease ID
// is used directly as the fencing Token: a blob lease acquire/renew/release already
// gives the exact CAS semantics invariant L1 requires, so no separate ETag dance is
// needed for ownership (the JSON body write in uploadRecord is likewise conditioned
// on the lease ID).
type BlobLeaserCheckpointer struct {
	ownerName     string
	leaseDuration time.Duration
	containerURL  *azblob.ContainerURL
	serviceURL    *azblob.ServiceURL

	mu     sync.Mutex
	tokens map[string]string // partitionID -> current blob lease ID, cached for Renew/Release
}

// NewBlobLeaserCheckpointer builds a store backed by accountName/containerName. owner
// identifies the calling host for Acquire/Renew/Release/UpdateLease.
func NewBlobLeaserCheckpointer(owner string, credential Credential, accountName, containerName string, env azure.Environment, leaseDuration time.Duration) (*BlobLeaserCheckpointer, error) {
	storageURL, err := url.Parse("https://" + accountName + ".blob." + env.StorageEndpointSuffix)
	if err != nil {
		return nil, errors.Wrap(err, "parsing storage account URL")
	}

	svURL := azblob.NewServiceURL(*storageURL, azblob.NewPipeline(credential, azblob.PipelineOptions{}))
	containerURL := svURL.NewContainerURL(containerName)

	return &BlobLeaserCheckpointer{
		ownerName:     owner,
		leaseDuration: leaseDuration,
		serviceURL:    &svURL,
		containerURL:  &containerURL,
		tokens:        make(map[string]string),
	}, nil
}

// EnsureStore creates the backing container if it does not already exist.
func (b *BlobLeaserCheckpointer) EnsureStore(ctx context.Context) error {
	span, ctx := eph.StartSpanFromContext(ctx, "storage.BlobLeaserCheckpointer.EnsureStore")
	defer span.Finish()

	_, err := b.containerURL.Create(ctx, azblob.Metadata{}, azblob.PublicAccessNone)
	if err != nil {
		if stgErr, ok := err.(azblob.StorageError); ok && stgErr.ServiceCode() == azblob.ServiceCodeContainerAlreadyExists {
			return nil
		}
		return eph.NewStoreError(eph.KindTransientIO, err)
	}
	return nil
}

// CreateLeaseIfNotExists creates an empty, unowned blob record for partitionID if one
// does not already exist, and returns the current lease either way.
func (b *BlobLeaserCheckpointer) CreateLeaseIfNotExists(ctx context.Context, partitionID string) (*eph.Lease, error) {
	span, ctx := eph.StartSpanFromContext(ctx, "storage.BlobLeaserCheckpointer.CreateLeaseIfNotExists")
	defer span.Finish()

	blobURL := b.containerURL.NewBlockBlobURL(partitionID)
	rec := blobRecord{}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling initial lease record")
	}

	_, err = blobURL.Upload(ctx, bytes.NewReader(body), azblob.BlobHTTPHeaders{}, azblob.Metadata{},
		azblob.BlobAccessConditions{ModifiedAccessConditions: azblob.ModifiedAccessConditions{IfNoneMatch: azblob.ETagAny}})
	if err != nil {
		if stgErr, ok := err.(azblob.StorageError); !ok || stgErr.ServiceCode() != azblob.ServiceCodeBlobAlreadyExists {
			return nil, eph.NewStoreError(eph.KindTransientIO, err)
		}
	}

	return b.readLease(ctx, partitionID)
}

// GetAllLeases returns a snapshot of every partition blob's current lease state.
func (b *BlobLeaserCheckpointer) GetAllLeases(ctx context.Context) ([]*eph.Lease, error) {
	span, ctx := eph.StartSpanFromContext(ctx, "storage.BlobLeaserCheckpointer.GetAllLeases")
	defer span.Finish()

	var leases []*eph.Lease
	marker := azblob.Marker{}
	for marker.NotDone() {
		res, err := b.containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{})
		if err != nil {
			return nil, eph.NewStoreError(eph.KindTransientIO, err)
		}
		for _, item := range res.Segment.BlobItems {
			lease, err := b.readLease(ctx, item.Name)
			if err != nil {
				return nil, err
			}
			leases = append(leases, lease)
		}
		marker = res.NextMarker
	}
	return leases, nil
}

// Acquire attempts to take the partition's blob lease for the calling host. Success
// bumps Epoch and returns the blob lease ID as the new Token.
func (b *BlobLeaserCheckpointer) Acquire(ctx context.Context, lease *eph.Lease, ttl time.Duration) (*eph.Lease, error) {
	span, ctx := eph.StartSpanFromContext(ctx, "storage.BlobLeaserCheckpointer.Acquire")
	defer span.Finish()

	blobURL := b.containerURL.NewBlockBlobURL(lease.PartitionID)
	proposed, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "generating proposed lease id")
	}

	_, err = blobURL.AcquireLease(ctx, proposed.String(), int32(ttl.Round(time.Second).Seconds()), azblob.ModifiedAccessConditions{})
	if err != nil {
		if stgErr, ok := err.(azblob.StorageError); ok && stgErr.ServiceCode() == azblob.ServiceCodeLeaseAlreadyPresent {
			return nil, eph.NewStoreError(eph.KindConflict, err)
		}
		return nil, eph.NewStoreError(eph.KindTransientIO, err)
	}

	current, err := b.readRecord(ctx, lease.PartitionID)
	if err != nil {
		return nil, err
	}
	current.Owner = b.ownerName
	current.Epoch++
	if err := b.uploadRecord(ctx, lease.PartitionID, proposed.String(), current); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.tokens[lease.PartitionID] = proposed.String()
	b.mu.Unlock()

	return &eph.Lease{
		PartitionID: lease.PartitionID,
		Owner:       b.ownerName,
		Token:       proposed.String(),
		Epoch:       current.Epoch,
		ExpiresAt:   time.Now().Add(ttl),
	}, nil
}

// Renew extends the blob lease's TTL. A mismatched/expired token surfaces as a
// KindConflict (someone else has since acquired the blob lease).
func (b *BlobLeaserCheckpointer) Renew(ctx context.Context, lease *eph.Lease, ttl time.Duration) (*eph.Lease, error) {
	span, ctx := eph.StartSpanFromContext(ctx, "storage.BlobLeaserCheckpointer.Renew")
	defer span.Finish()

	blobURL := b.containerURL.NewBlockBlobURL(lease.PartitionID)
	_, err := blobURL.RenewLease(ctx, lease.Token, azblob.ModifiedAccessConditions{})
	if err != nil {
		if stgErr, ok := err.(azblob.StorageError); ok && (stgErr.ServiceCode() == azblob.ServiceCodeLeaseIDMismatchWithLeaseOperation || stgErr.ServiceCode() == azblob.ServiceCodeLeaseNotPresentWithLeaseOperation) {
			return nil, eph.NewStoreError(eph.KindConflict, err)
		}
		return nil, eph.NewStoreError(eph.KindTransientIO, err)
	}

	renewed := lease.Clone()
	renewed.ExpiresAt = time.Now().Add(ttl)
	return renewed, nil
}

// Release clears ownership and releases the blob lease. Requires a matching token.
func (b *BlobLeaserCheckpointer) Release(ctx context.Context, lease *eph.Lease) error {
	span, ctx := eph.StartSpanFromContext(ctx, "storage.BlobLeaserCheckpointer.Release")
	defer span.Finish()

	blobURL := b.containerURL.NewBlockBlobURL(lease.PartitionID)

	current, err := b.readRecord(ctx, lease.PartitionID)
	if err == nil {
		current.Owner = ""
		_ = b.uploadRecord(ctx, lease.PartitionID, lease.Token, current)
	}

	_, err = blobURL.ReleaseLease(ctx, lease.Token, azblob.ModifiedAccessConditions{})
	if err != nil {
		if stgErr, ok := err.(azblob.StorageError); ok && stgErr.ServiceCode() == azblob.ServiceCodeLeaseIDMismatchWithLeaseOperation {
			return eph.NewStoreError(eph.KindConflict, err)
		}
		return eph.NewStoreError(eph.KindTransientIO, err)
	}

	b.mu.Lock()
	delete(b.tokens, lease.PartitionID)
	b.mu.Unlock()
	return nil
}

// UpdateLease writes no metadata of its own: it renews the blob lease, which is gated
// on a matching token.
func (b *BlobLeaserCheckpointer) UpdateLease(ctx context.Context, lease *eph.Lease) (*eph.Lease, error) {
	span, ctx := eph.StartSpanFromContext(ctx, "storage.BlobLeaserCheckpointer.UpdateLease")
	defer span.Finish()

	return b.Renew(ctx, lease, b.leaseDuration)
}

// Get returns the partition's last committed checkpoint, if any.
func (b *BlobLeaserCheckpointer) Get(ctx context.Context, partitionID string) (persist.Checkpoint, bool, error) {
	span, ctx := eph.StartSpanFromContext(ctx, "storage.BlobLeaserCheckpointer.Get")
	defer span.Finish()

	rec, err := b.readRecord(ctx, partitionID)
	if err != nil {
		return persist.Checkpoint{}, false, err
	}
	if !rec.HasCheckpoint {
		return persist.Checkpoint{}, false, nil
	}
	return persist.NewCheckpoint(rec.Offset, rec.SequenceNumber), true, nil
}

// Update durably writes checkpoint for the partition, fenced by lease.Token: the
// upload carries the blob lease ID as an access condition, so a stale owner's write is
// rejected by the storage service itself (invariant C1).
func (b *BlobLeaserCheckpointer) Update(ctx context.Context, lease *eph.Lease, checkpoint persist.Checkpoint) error {
	span, ctx := eph.StartSpanFromContext(ctx, "storage.BlobLeaserCheckpointer.Update")
	defer span.Finish()

	rec, err := b.readRecord(ctx, lease.PartitionID)
	if err != nil {
		return err
	}
	rec.HasCheckpoint = true
	rec.Offset = checkpoint.Offset
	rec.SequenceNumber = checkpoint.SequenceNumber
	rec.Owner = lease.Owner

	if err := b.uploadRecord(ctx, lease.PartitionID, lease.Token, rec); err != nil {
		return eph.NewStoreError(eph.KindFenced, err)
	}
	return nil
}

func (b *BlobLeaserCheckpointer) readLease(ctx context.Context, partitionID string) (*eph.Lease, error) {
	rec, err := b.readRecord(ctx, partitionID)
	if err != nil {
		return nil, err
	}

	blobURL := b.containerURL.NewBlockBlobURL(partitionID)
	props, err := blobURL.GetProperties(ctx, azblob.BlobAccessConditions{})
	if err != nil {
		return nil, eph.NewStoreError(eph.KindTransientIO, err)
	}

	lease := &eph.Lease{PartitionID: partitionID, Owner: rec.Owner, Epoch: rec.Epoch}
	if props.LeaseState() == azblob.LeaseStateLeased {
		lease.ExpiresAt = time.Now().Add(b.leaseDuration)
	}
	b.mu.Lock()
	lease.Token = b.tokens[partitionID]
	b.mu.Unlock()
	return lease, nil
}

func (b *BlobLeaserCheckpointer) readRecord(ctx context.Context, partitionID string) (blobRecord, error) {
	blobURL := b.containerURL.NewBlockBlobURL(partitionID)
	res, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false)
	if err != nil {
		return blobRecord{}, eph.NewStoreError(eph.KindTransientIO, err)
	}
	defer res.Response().Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(res.Response().Body); err != nil {
		return blobRecord{}, eph.NewStoreError(eph.KindTransientIO, err)
	}

	var rec blobRecord
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		return blobRecord{}, eph.NewStoreError(eph.KindTransientIO, err)
	}
	return rec, nil
}

func (b *BlobLeaserCheckpointer) uploadRecord(ctx context.Context, partitionID, leaseID string, rec blobRecord) error {
	rec.UpdatedAt = time.Now()
	body, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshalling lease record")
	}

	blobURL := b.containerURL.NewBlockBlobURL(partitionID)
	_, err = blobURL.Upload(ctx, bytes.NewReader(body), azblob.BlobHTTPHeaders{}, azblob.Metadata{}, azblob.BlobAccessConditions{
		LeaseAccessConditions: azblob.LeaseAccessConditions{LeaseID: leaseID},
	})
	if err != nil {
		return eph.NewStoreError(eph.KindTransientIO, err)
	}
	return nil
}

var (
	_ eph.LeaseStore      = (*BlobLeaserCheckpointer)(nil)
	_ eph.CheckpointStore = (*BlobLeaserCheckpointer)(nil)
)
