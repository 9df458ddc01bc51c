package eph

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// partitionManager is the fleet-wide scan/acquire/steal/renew/reap control loop of
// spec §4.E. One instance runs per Host. It exclusively owns the set of
// partitionPumps (spec §3 ownership summary); every other task observes pump state
// through the pump's own atomics.
type partitionManager struct {
	host *Host
	lm   *leaseManager

	mu    sync.Mutex
	pumps map[string]*partitionPump

	stopCh chan struct{}
	doneCh chan struct{}

	firstScanDone chan struct{}
	firstScanOnce sync.Once
}

func newPartitionManager(host *Host) *partitionManager {
	return &partitionManager{
		host:          host,
		lm:            newLeaseManager(host.leaseStore, host.options.LeaseDuration, host.options.RenewRetries),
		pumps:         make(map[string]*partitionPump),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		firstScanDone: make(chan struct{}),
	}
}

// run executes the scan/acquire/steal/renew/reap loop at ScanInterval cadence until
// stop is requested. It never tears down pumps on its own TransientIO (§7: "log, skip
// this tick; never tear down pumps").
func (pm *partitionManager) run(ctx context.Context) {
	defer close(pm.doneCh)

	ctx = withHostName(ctx, pm.host.name)
	ticker := time.NewTicker(pm.host.options.ScanInterval)
	defer ticker.Stop()

	pm.tick(ctx)
	pm.firstScanOnce.Do(func() { close(pm.firstScanDone) })

	for {
		select {
		case <-pm.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.tick(ctx)
		}
	}
}

// awaitFirstScan blocks until the first tick has completed or the startup scan delay
// elapses, whichever comes first — the bound Register uses before returning readiness.
func (pm *partitionManager) awaitFirstScan(ctx context.Context, budget time.Duration) {
	select {
	case <-pm.firstScanDone:
	case <-time.After(budget):
	case <-ctx.Done():
	}
}

func (pm *partitionManager) tick(ctx context.Context) {
	span, ctx := startSpanFromContext(ctx, "eph.partitionManager.tick")
	defer span.Finish()

	leases, err := pm.host.leaseStore.GetAllLeases(ctx)
	if err != nil {
		if IsTransient(err) {
			For(ctx).WithError(err).Warn("scan: transient failure enumerating leases, skipping tick")
			return
		}
		For(ctx).WithError(err).Error("scan: failed enumerating leases")
		return
	}

	known := make(map[string]bool, len(pm.host.partitionIDs))
	byPartition := make(map[string]*Lease, len(leases))
	for _, l := range leases {
		byPartition[l.PartitionID] = l
	}
	for _, id := range pm.host.partitionIDs {
		known[id] = true
		if _, ok := byPartition[id]; !ok {
			created, err := pm.host.leaseStore.CreateLeaseIfNotExists(ctx, id)
			if err != nil {
				For(ctx).WithError(err).WithField("partition", id).Warn("scan: failed to ensure lease record")
				continue
			}
			byPartition[id] = created
		}
	}

	var owned, unownedOrExpired []*Lease
	ownedCountByHost := map[string]int{pm.host.name: 0}
	for _, id := range pm.host.partitionIDs {
		l := byPartition[id]
		switch {
		case l.IsOwnedBy(pm.host.name):
			owned = append(owned, l)
			ownedCountByHost[pm.host.name]++
		case l.IsExpired() || l.Owner == "":
			unownedOrExpired = append(unownedOrExpired, l)
		default:
			ownedCountByHost[l.Owner]++
		}
	}

	pm.acquireUnowned(ctx, unownedOrExpired)
	pm.rebalance(ctx, ownedCountByHost, byPartition)
	pm.renewAndReap(ctx)
}

// acquireUnowned attempts Acquire against every unowned/expired lease, starting a pump
// for each success (§4.E step 4).
func (pm *partitionManager) acquireUnowned(ctx context.Context, candidates []*Lease) {
	if len(candidates) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]*Lease, len(candidates))
	for i, lease := range candidates {
		i, lease := i, lease
		g.Go(func() error {
			acquired, ok, err := pm.lm.tryAcquire(gctx, lease)
			if err != nil {
				For(ctx).WithError(err).WithField("partition", lease.PartitionID).Warn("scan: acquire failed")
				return nil
			}
			if ok {
				results[i] = acquired
			}
			return nil
		})
	}
	_ = g.Wait()

	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, acquired := range results {
		if acquired == nil {
			continue
		}
		if _, exists := pm.pumps[acquired.PartitionID]; exists {
			continue
		}
		pump := newPartitionPump(pm.host, acquired)
		pm.pumps[acquired.PartitionID] = pump
		go pump.run(ctx)
	}
}

// rebalance implements the equal-share steal rule of §4.E step 5: total partitions
// divided by observed distinct owners, remainder distributed deterministically by
// sorted host name, at most one steal attempt per tick to damp oscillation.
func (pm *partitionManager) rebalance(ctx context.Context, ownedCountByHost map[string]int, byPartition map[string]*Lease) {
	total := len(pm.host.partitionIDs)
	hosts := make([]string, 0, len(ownedCountByHost))
	for h := range ownedCountByHost {
		hosts = append(hosts, h)
	}
	if len(hosts) == 0 {
		return
	}
	sort.Strings(hosts)

	base := total / len(hosts)
	remainder := total % len(hosts)
	target := make(map[string]int, len(hosts))
	for i, h := range hosts {
		t := base
		if i < remainder {
			t++
		}
		target[h] = t
	}

	self := pm.host.name
	if ownedCountByHost[self] >= target[self] {
		return
	}

	var mostLoadedHost string
	mostLoadedCount := -1
	for _, h := range hosts {
		if h == self {
			continue
		}
		if ownedCountByHost[h] > target[h]+1 && ownedCountByHost[h] > mostLoadedCount {
			mostLoadedHost = h
			mostLoadedCount = ownedCountByHost[h]
		}
	}
	if mostLoadedHost == "" {
		return
	}

	var victimID string
	for _, id := range pm.host.partitionIDs {
		l, ok := byPartition[id]
		if !ok || l.Owner != mostLoadedHost || l.IsExpired() {
			continue
		}
		if victimID == "" || id < victimID {
			victimID = id
		}
	}
	if victimID == "" {
		return
	}

	victim := byPartition[victimID]
	acquired, ok, err := pm.lm.trySteal(ctx, victim)
	if err != nil {
		For(ctx).WithError(err).WithField("partition", victimID).Warn("scan: steal failed")
		return
	}
	if !ok {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, exists := pm.pumps[acquired.PartitionID]; exists {
		return
	}
	pump := newPartitionPump(pm.host, acquired)
	pm.pumps[acquired.PartitionID] = pump
	go pump.run(ctx)
}

// renewAndReap removes pumps that reached Stopped/Failed (§4.E step 7). Renewal itself
// runs on each pump's own renewalLoop (DESIGN.md's Open Questions); this step only
// reaps terminal pumps so the next tick's ownership view is accurate.
func (pm *partitionManager) renewAndReap(_ context.Context) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for id, p := range pm.pumps {
		switch p.State() {
		case PumpStateStopped, PumpStateFailed:
			delete(pm.pumps, id)
		}
	}
}

// stopAll transitions every owned pump to Stopping with reason and blocks (up to
// deadline) until each has reached a terminal state. It releases no leases itself;
// each pump's drainAndClose/fail does that. Used by Host.Unregister.
func (pm *partitionManager) stopAll(ctx context.Context, reason CloseReason, deadline time.Duration) {
	pm.mu.Lock()
	pumps := make([]*partitionPump, 0, len(pm.pumps))
	for _, p := range pm.pumps {
		pumps = append(pumps, p)
	}
	pm.mu.Unlock()

	for _, p := range pumps {
		p.stop(reason)
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	for _, p := range pumps {
		select {
		case <-p.done:
		case <-deadlineCtx.Done():
			For(ctx).WithField("partition", p.partitionID).Warn("unregister: pump did not drain before deadline, abandoning")
		}
	}
}

func (pm *partitionManager) stop() {
	close(pm.stopCh)
	<-pm.doneCh
}

// snapshot returns the pumps currently tracked, for tests and diagnostics.
func (pm *partitionManager) snapshot() map[string]*partitionPump {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make(map[string]*partitionPump, len(pm.pumps))
	for k, v := range pm.pumps {
		out[k] = v
	}
	return out
}
