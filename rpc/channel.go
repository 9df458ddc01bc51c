// Package rpc implements a correlated request/reply channel multiplexed over a pair
// of unidirectional AMQP links that share one session (spec §4.F). It backs
// out-of-band control operations (metadata queries, CBS token refresh) the way the
// Event Hubs client family layers request/response RPC on top of plain AMQP links.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/Azure/go-amqp"
	"github.com/Azure/azure-amqp-common-go/v3/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// State is the channel's externally observable lifecycle state.
type State int

const (
	// Opening: both links exist but at least one local/remote endpoint is still Uninitialized.
	Opening State = iota
	// Opened: all four endpoints (local/remote x sender/receiver) are Active.
	Opened
	// Closing: a local or remote close has started but not all four endpoints are Closed.
	Closing
	// Closed: both remote links have reached Closed.
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "Opening"
	case Opened:
		return "Opened"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// OnOpen is invoked exactly once, after both remote ends reach Active, with either a
// nil error or the first non-nil error encountered opening either link.
type OnOpen func(err error)

// OnClose is invoked exactly once, when both links reach Closed involuntarily.
type OnClose func(err error)

// ResponseFunc receives the reply message matching a Request's correlation ID, or the
// error that caused every in-flight request to be abandoned.
type ResponseFunc func(msg *amqp.Message, err error)

type pendingRequest struct {
	id       string
	send     *amqp.Message
	onResp   ResponseFunc
	resultCh chan error // only used for the synchronous enqueue ack, not the reply
}

type completion struct {
	id  string
	msg *amqp.Message
	err error
}

// Channel multiplexes correlated request/reply messages over one sender link and one
// receiver link, with a single-threaded dispatcher owning the in-flight table so no
// locking is needed to add/remove entries (spec §4.F "Implementation-critical
// details").
type Channel struct {
	session *amqp.Session

	sendAddr  string
	recvAddr  string
	replyTo   string

	sender   *amqp.Sender
	receiver *amqp.Receiver

	stateMu sync.Mutex
	state   State

	openRefcount  int32 // starts at 2; decrement-to-zero fires onOpen
	closeRefcount int32 // starts at 2; decrement-to-zero fires onClose/onGraceful

	requestCh  chan *pendingRequest
	completeCh chan completion
	errorCh    chan error
	doneCh     chan struct{}

	closeRequested int32
}

// NewChannel builds a Channel over session, with sendAddr the remote node the sender
// attaches to and recvAddr the remote node the receiver attaches to. replyTo is this
// channel's private reply address, set on every outgoing request's ReplyTo field.
func NewChannel(session *amqp.Session, sendAddr, recvAddr string) (*Channel, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "generating reply-to address")
	}

	return &Channel{
		session:    session,
		sendAddr:   sendAddr,
		recvAddr:   recvAddr,
		replyTo:    fmt.Sprintf("%s-reply-%s", recvAddr, id.String()),
		state:      Opening,
		requestCh:  make(chan *pendingRequest),
		completeCh: make(chan completion),
		errorCh:    make(chan error, 2),
		doneCh:     make(chan struct{}),
	}, nil
}

// Open opens both links. onOpen fires exactly once with the first error encountered,
// or nil if both links reached Active. onClose fires exactly once if the links later
// close involuntarily (link failure, not a caller-initiated Close).
func (c *Channel) Open(ctx context.Context, onOpen OnOpen, onClose OnClose) error {
	atomic.StoreInt32(&c.openRefcount, 2)
	atomic.StoreInt32(&c.closeRefcount, 2)

	var mu sync.Mutex
	var firstErr error

	openDone := func(err error) {
		mu.Lock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		if atomic.AddInt32(&c.openRefcount, -1) == 0 {
			if firstErr == nil {
				c.setState(Opened)
			}
			if onOpen != nil {
				onOpen(firstErr)
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sender, err := c.session.NewSender(ctx, c.sendAddr, nil)
		if err == nil {
			c.sender = sender
		}
		openDone(err)
	}()

	go func() {
		defer wg.Done()
		receiver, err := c.session.NewReceiver(ctx, c.recvAddr, nil)
		if err == nil {
			c.receiver = receiver
		}
		openDone(err)
	}()

	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	go c.dispatch(ctx, onClose)
	return nil
}

// Close initiates a local close of both links. onGraceful fires exactly once after
// both local closes complete.
func (c *Channel) Close(ctx context.Context, onGraceful func(err error)) error {
	atomic.StoreInt32(&c.closeRequested, 1)
	c.setState(Closing)

	var mu sync.Mutex
	var firstErr error

	closeDone := func(err error) {
		mu.Lock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		if atomic.AddInt32(&c.closeRefcount, -1) == 0 {
			c.setState(Closed)
			if onGraceful != nil {
				onGraceful(firstErr)
			}
		}
	}

	go closeDone(c.sender.Close(ctx))
	go closeDone(c.receiver.Close(ctx))

	<-c.doneCh
	return firstErr
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Request sends msg and arranges for onResponse to be invoked exactly once: either
// with the reply message whose CorrelationID matches the issued request ID, or with
// the error that terminated the channel. msg must have nil MessageID and ReplyTo — the
// channel assigns both.
func (c *Channel) Request(ctx context.Context, msg *amqp.Message, onResponse ResponseFunc) error {
	if msg.Properties == nil {
		msg.Properties = &amqp.MessageProperties{}
	}
	if msg.Properties.MessageID != nil || msg.Properties.ReplyTo != nil {
		return errors.New("rpc: request message must not set MessageID or ReplyTo")
	}

	id, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "generating request id")
	}
	requestID := id.String()

	replyTo := c.replyTo
	msg.Properties.MessageID = requestID
	msg.Properties.ReplyTo = &replyTo

	req := &pendingRequest{id: requestID, send: msg, onResp: onResponse, resultCh: make(chan error, 1)}

	select {
	case c.requestCh <- req:
	case <-c.doneCh:
		return errors.New("rpc: channel is closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch is the channel's single-threaded context: it owns the in-flight table
// exclusively, eliminating the need for a lock around it (spec §4.F). It multiplexes
// three event sources — outbound Request calls, inbound replies, and link errors.
func (c *Channel) dispatch(ctx context.Context, onClose OnClose) {
	defer close(c.doneCh)

	inflight := make(map[string]ResponseFunc)

	go c.receiveLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			c.failAll(inflight, ctx.Err())
			return

		case req := <-c.requestCh:
			err := c.sender.Send(ctx, req.send, nil)
			if err != nil {
				req.resultCh <- err
				continue
			}
			inflight[req.id] = req.onResp
			// One flow(1) per outbound request bounds reply-side memory.
			if err := c.receiver.IssueCredit(1); err != nil {
				log.WithError(err).Warn("rpc: failed to issue receive credit")
			}
			req.resultCh <- nil

		case comp := <-c.completeCh:
			if comp.err != nil {
				c.failAll(inflight, comp.err)
				if onClose != nil && atomic.LoadInt32(&c.closeRequested) == 0 {
					onClose(comp.err)
				}
				return
			}
			onResp, ok := inflight[comp.id]
			if !ok {
				log.WithField("correlationId", comp.id).Warn("rpc: reply with unknown correlation id")
				continue
			}
			delete(inflight, comp.id)
			onResp(comp.msg, nil)

		case err := <-c.errorCh:
			c.failAll(inflight, err)
			if onClose != nil && atomic.LoadInt32(&c.closeRequested) == 0 {
				onClose(err)
			}
			return
		}
	}
}

// receiveLoop pulls replies off the receiver link and hands them to the dispatcher via
// completeCh, matching by CorrelationID (spec §4.F).
func (c *Channel) receiveLoop(ctx context.Context) {
	for {
		msg, err := c.receiver.Receive(ctx, nil)
		if err != nil {
			select {
			case c.errorCh <- err:
			case <-c.doneCh:
			}
			return
		}

		correlationID, _ := msg.Properties.CorrelationID.(string)
		select {
		case c.completeCh <- completion{id: correlationID, msg: msg}:
		case <-c.doneCh:
			return
		}
		_ = c.receiver.AcceptMessage(ctx, msg)
	}
}

// failAll delivers err to every pending onResponse exactly once, per the link-error
// propagation policy of spec §4.F / §7 (ProtocolFatal completes all in-flight).
func (c *Channel) failAll(inflight map[string]ResponseFunc, err error) {
	for id, onResp := range inflight {
		delete(inflight, id)
		onResp(nil, err)
	}
}
