package eph

import (
	"context"
	"sync"
	"time"
)

// fakeReceiver delivers a fixed sequence of batches, then blocks (timing out) until
// closed. Grounded on the receive-loop shape exercised by pump_test.go.
type fakeReceiver struct {
	mu      sync.Mutex
	batches [][]*EventData
	idx     int
	closed  bool
	failAt  int // if >=0, Receive returns an error once idx reaches this value
	failErr error
}

func (r *fakeReceiver) Receive(ctx context.Context, maxBatchSize int, timeout time.Duration) ([]*EventData, error) {
	r.mu.Lock()
	if r.failAt >= 0 && r.idx == r.failAt {
		err := r.failErr
		r.mu.Unlock()
		return nil, err
	}
	if r.idx < len(r.batches) {
		b := r.batches[r.idx]
		r.idx++
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return []*EventData{}, nil
	}
}

func (r *fakeReceiver) Close(_ context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeReceiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeReceiverFactory struct {
	mu        sync.Mutex
	receivers map[string]*fakeReceiver
	openErr   error
	epochs    map[string]int64
}

func newFakeReceiverFactory() *fakeReceiverFactory {
	return &fakeReceiverFactory{receivers: make(map[string]*fakeReceiver), epochs: make(map[string]int64)}
}

func (f *fakeReceiverFactory) Open(_ context.Context, partitionID string, _ StartingPosition, _ int, epoch *int64) (Receiver, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if epoch != nil {
		f.epochs[partitionID] = *epoch
	}
	r, ok := f.receivers[partitionID]
	if !ok {
		r = &fakeReceiver{failAt: -1}
		f.receivers[partitionID] = r
	}
	return r, nil
}

// fakeProcessor records lifecycle calls for assertions and enforces invariant P1 by
// failing loudly (panicking the test goroutine) if OnEvents is reentered.
type fakeProcessor struct {
	mu          sync.Mutex
	opened      bool
	closed      bool
	closeReason CloseReason
	batches     [][]*EventData
	errs        []error
	inEvents    bool
	onEventsErr error
	openErr     error
}

func (p *fakeProcessor) Open(_ context.Context, _ PartitionContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = true
	return p.openErr
}

func (p *fakeProcessor) OnEvents(_ context.Context, _ PartitionContext, batch []*EventData) error {
	p.mu.Lock()
	if p.inEvents {
		p.mu.Unlock()
		panic("concurrent OnEvents invocation: invariant P1 violated")
	}
	p.inEvents = true
	p.mu.Unlock()

	time.Sleep(time.Millisecond)

	p.mu.Lock()
	p.batches = append(p.batches, batch)
	p.inEvents = false
	err := p.onEventsErr
	p.mu.Unlock()
	return err
}

func (p *fakeProcessor) Close(_ context.Context, _ PartitionContext, reason CloseReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeReason = reason
	return nil
}

func (p *fakeProcessor) OnError(_ context.Context, _ PartitionContext, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

type fakeProcessorFactory struct {
	mu         sync.Mutex
	processors map[string]*fakeProcessor
	openErr    error
}

func newFakeProcessorFactory() *fakeProcessorFactory {
	return &fakeProcessorFactory{processors: make(map[string]*fakeProcessor)}
}

func (f *fakeProcessorFactory) Create(pc PartitionContext) (EventProcessor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProcessor{openErr: f.openErr}
	f.processors[pc.PartitionID()] = p
	return p, nil
}

func (f *fakeProcessorFactory) get(partitionID string) *fakeProcessor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processors[partitionID]
}
