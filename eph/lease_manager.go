package eph

import (
	"context"
	"time"
)

// leaseManager wraps a LeaseStore with the acquire/renew/release/steal policies of
// spec §4.C: conflicts never trigger tight-loop retries, transient renewal failures
// get a bounded number of immediate retries before the lease is treated as lost, and
// steal is just an Acquire against a lease the caller believes is stealable (the
// store's CAS sorts out any race).
type leaseManager struct {
	store         LeaseStore
	leaseDuration time.Duration
	renewRetries  int
}

func newLeaseManager(store LeaseStore, leaseDuration time.Duration, renewRetries int) *leaseManager {
	return &leaseManager{store: store, leaseDuration: leaseDuration, renewRetries: renewRetries}
}

// tryAcquire attempts to take ownership of lease. A KindConflict is not an error to
// the caller — it simply means "not acquired this tick" (§4.C Acquire policy).
func (lm *leaseManager) tryAcquire(ctx context.Context, lease *Lease) (*Lease, bool, error) {
	acquired, err := lm.store.Acquire(ctx, lease, lm.leaseDuration)
	if err != nil {
		if IsConflict(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return acquired, true, nil
}

// trySteal is acquire under another name: stealing a lease the rebalance policy
// selected as a victim is implemented identically to acquiring an unowned one. The
// store's CAS is what makes this safe under concurrent stealers.
func (lm *leaseManager) trySteal(ctx context.Context, lease *Lease) (*Lease, bool, error) {
	return lm.tryAcquire(ctx, lease)
}

// renew extends lease by one TTL window, making up to renewRetries attempts in total
// (at least one) on KindTransientIO before surfacing the failure as lost. A KindConflict is returned
// immediately — the caller has already lost the lease and further retries cannot help.
func (lm *leaseManager) renew(ctx context.Context, lease *Lease) (*Lease, error) {
	var lastErr error
	attempts := lm.renewRetries
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		renewed, err := lm.store.Renew(ctx, lease, lm.leaseDuration)
		if err == nil {
			return renewed, nil
		}
		if IsConflict(err) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, lastErr
}

// release clears ownership of lease. Safe to call on an already-expired lease; the
// store rejects the token mismatch case but that outcome is not actionable here.
func (lm *leaseManager) release(ctx context.Context, lease *Lease) error {
	err := lm.store.Release(ctx, lease)
	if err != nil && IsConflict(err) {
		// already lost to someone else; nothing further to release.
		return nil
	}
	return err
}
