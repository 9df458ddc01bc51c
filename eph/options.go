package eph

import "time"

// Default configuration values per spec §6.
const (
	DefaultLeaseDuration     = 30 * time.Second
	DefaultRenewInterval     = 10 * time.Second
	DefaultScanInterval      = 10 * time.Second
	DefaultStartupScanDelay  = 30 * time.Second
	DefaultMaxBatchSize      = 10
	DefaultReceiveTimeout    = 60 * time.Second
	DefaultPrefetchCount     = 300
	DefaultInvokeOnTimeout   = false
	DefaultUnregisterTimeout = 10 * time.Minute
	defaultRenewRetries      = 3
)

// HostOptions collects the tunables of §6, set via functional HostOption values
// following the teacher's HubMgmtOption/NamespaceMgmtOption convention.
type HostOptions struct {
	LeaseDuration     time.Duration
	RenewInterval     time.Duration
	ScanInterval      time.Duration
	StartupScanDelay  time.Duration
	MaxBatchSize      int
	ReceiveTimeout    time.Duration
	PrefetchCount     int
	InvokeOnTimeout   bool
	InitialPosition   StartingPosition
	UnregisterTimeout time.Duration
	RenewRetries      int
}

// HostOption configures a HostOptions value.
type HostOption func(*HostOptions) error

// defaultHostOptions returns the §6 defaults.
func defaultHostOptions() *HostOptions {
	return &HostOptions{
		LeaseDuration:     DefaultLeaseDuration,
		RenewInterval:     DefaultRenewInterval,
		ScanInterval:      DefaultScanInterval,
		StartupScanDelay:  DefaultStartupScanDelay,
		MaxBatchSize:      DefaultMaxBatchSize,
		ReceiveTimeout:    DefaultReceiveTimeout,
		PrefetchCount:     DefaultPrefetchCount,
		InvokeOnTimeout:   DefaultInvokeOnTimeout,
		InitialPosition:   StartOfStream,
		UnregisterTimeout: DefaultUnregisterTimeout,
		RenewRetries:      defaultRenewRetries,
	}
}

// WithLeaseDuration overrides the TTL written on acquire/renew. Must be greater than
// RenewInterval or Register will reject it.
func WithLeaseDuration(d time.Duration) HostOption {
	return func(o *HostOptions) error {
		o.LeaseDuration = d
		return nil
	}
}

// WithRenewInterval overrides the per-partition renewal cadence. Recommended to be
// at most LeaseDuration/3.
func WithRenewInterval(d time.Duration) HostOption {
	return func(o *HostOptions) error {
		o.RenewInterval = d
		return nil
	}
}

// WithScanInterval overrides the PartitionManager control-loop tick period.
func WithScanInterval(d time.Duration) HostOption {
	return func(o *HostOptions) error {
		o.ScanInterval = d
		return nil
	}
}

// WithStartupScanDelay caps how long Register waits for the first scan before
// returning.
func WithStartupScanDelay(d time.Duration) HostOption {
	return func(o *HostOptions) error {
		o.StartupScanDelay = d
		return nil
	}
}

// WithMaxBatchSize overrides how many events a pump asks the Receiver for at once.
func WithMaxBatchSize(n int) HostOption {
	return func(o *HostOptions) error {
		o.MaxBatchSize = n
		return nil
	}
}

// WithReceiveTimeout overrides how long a pump waits for at least one event before
// considering the receive a timeout.
func WithReceiveTimeout(d time.Duration) HostOption {
	return func(o *HostOptions) error {
		o.ReceiveTimeout = d
		return nil
	}
}

// WithPrefetchCount overrides the Receiver's prefetch window.
func WithPrefetchCount(n int) HostOption {
	return func(o *HostOptions) error {
		o.PrefetchCount = n
		return nil
	}
}

// WithInvokeOnTimeout causes OnEvents to be called with an empty batch when
// ReceiveTimeout elapses with nothing received.
func WithInvokeOnTimeout(invoke bool) HostOption {
	return func(o *HostOptions) error {
		o.InvokeOnTimeout = invoke
		return nil
	}
}

// WithInitialPosition overrides where a pump starts reading when no checkpoint exists.
func WithInitialPosition(pos StartingPosition) HostOption {
	return func(o *HostOptions) error {
		o.InitialPosition = pos
		return nil
	}
}

// WithUnregisterTimeout bounds how long Unregister waits for pumps to drain before
// abandoning them (leases are left to expire naturally).
func WithUnregisterTimeout(d time.Duration) HostOption {
	return func(o *HostOptions) error {
		o.UnregisterTimeout = d
		return nil
	}
}

// WithRenewRetries bounds the total number of attempts (at least one) a renewal makes
// against KindTransientIO before treating the lease as lost.
func WithRenewRetries(n int) HostOption {
	return func(o *HostOptions) error {
		o.RenewRetries = n
		return nil
	}
}
