package eph

import (
	"github.com/pkg/errors"
)

// Kind categorizes the abstract error families a LeaseStore, CheckpointStore, or
// RequestResponseChannel can surface, per the error handling design.
type Kind int

const (
	// KindTransientIO indicates a retryable failure of the underlying store or broker.
	KindTransientIO Kind = iota
	// KindConflict indicates a lease CAS rejection: someone else holds the token.
	KindConflict
	// KindLeaseLost indicates a previously-owned lease could no longer be renewed.
	KindLeaseLost
	// KindFenced indicates a checkpoint write was rejected because the presented
	// lease token no longer matches the store's current token for that partition.
	KindFenced
	// KindProcessorFailure indicates a user EventProcessor callback returned an error.
	KindProcessorFailure
	// KindProtocolFatal indicates an unrecoverable AMQP link-level failure.
	KindProtocolFatal
	// KindCancelled indicates a graceful, caller-requested stop.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "TransientIO"
	case KindConflict:
		return "Conflict"
	case KindLeaseLost:
		return "LeaseLost"
	case KindFenced:
		return "Fenced"
	case KindProcessorFailure:
		return "ProcessorFailure"
	case KindProtocolFatal:
		return "ProtocolFatal"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// StoreError wraps an underlying cause with the Kind a LeaseManager or PartitionPump
// needs in order to decide how to react (§7 propagation policy).
type StoreError struct {
	kind  Kind
	cause error
}

// NewStoreError builds a StoreError of the given kind, wrapping cause with pkg/errors
// so a stack trace is preserved for logging.
func NewStoreError(kind Kind, cause error) *StoreError {
	return &StoreError{kind: kind, cause: errors.WithStack(cause)}
}

func (e *StoreError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

// Unwrap allows errors.Is/errors.As (and pkg/errors.Cause) to reach the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.cause
}

// Kind returns the error's classification.
func (e *StoreError) Kind() Kind {
	return e.kind
}

// IsConflict reports whether err is (or wraps) a KindConflict StoreError.
func IsConflict(err error) bool {
	return kindOf(err) == KindConflict
}

// IsTransient reports whether err is (or wraps) a KindTransientIO StoreError.
func IsTransient(err error) bool {
	return kindOf(err) == KindTransientIO
}

// IsFenced reports whether err is (or wraps) a KindFenced StoreError.
func IsFenced(err error) bool {
	return kindOf(err) == KindFenced
}

func kindOf(err error) Kind {
	var se *StoreError
	for err != nil {
		if s, ok := err.(*StoreError); ok {
			se = s
			break
		}
		err = errors.Unwrap(err)
	}
	if se == nil {
		return -1
	}
	return se.kind
}

// CloseReason is passed to EventProcessor.Close, naming why the pump stopped.
type CloseReason int

const (
	// CloseReasonShutdown is used when the host called Unregister.
	CloseReasonShutdown CloseReason = iota
	// CloseReasonLeaseLost is used when renewal failed or the lease was stolen.
	CloseReasonLeaseLost
	// CloseReasonProcessorFailure is used when open/onEvents returned an error.
	CloseReasonProcessorFailure
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonShutdown:
		return "Shutdown"
	case CloseReasonLeaseLost:
		return "LeaseLost"
	case CloseReasonProcessorFailure:
		return "ProcessorFailure"
	default:
		return "Unknown"
	}
}
