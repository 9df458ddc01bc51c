package rpc

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/stretchr/testify/require"
)

// TestNewChannel_ReplyToDerivedFromRecvAddr verifies the reply-to address is unique
// per channel and namespaced under the receive address, so replies routed to it can
// be told apart from other channels sharing the same session.
func TestNewChannel_ReplyToDerivedFromRecvAddr(t *testing.T) {
	c1, err := NewChannel(nil, "$cbs", "$cbs")
	require.NoError(t, err)
	c2, err := NewChannel(nil, "$cbs", "$cbs")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(c1.replyTo, "$cbs-reply-"))
	require.NotEqual(t, c1.replyTo, c2.replyTo)
	require.Equal(t, Opening, c1.State())
}

// TestChannel_RequestRejectsPresetMessageID verifies Request refuses a message that
// already carries a MessageID, since the channel owns correlation ID assignment.
func TestChannel_RequestRejectsPresetMessageID(t *testing.T) {
	c, err := NewChannel(nil, "$cbs", "$cbs")
	require.NoError(t, err)

	msg := &amqp.Message{
		Properties: &amqp.MessageProperties{MessageID: "caller-assigned"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = c.Request(ctx, msg, func(*amqp.Message, error) {})
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not set MessageID or ReplyTo")
}

// TestChannel_RequestRejectsPresetReplyTo mirrors the MessageID case for ReplyTo.
func TestChannel_RequestRejectsPresetReplyTo(t *testing.T) {
	c, err := NewChannel(nil, "$cbs", "$cbs")
	require.NoError(t, err)

	replyTo := "caller-assigned-reply"
	msg := &amqp.Message{
		Properties: &amqp.MessageProperties{ReplyTo: &replyTo},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = c.Request(ctx, msg, func(*amqp.Message, error) {})
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not set MessageID or ReplyTo")
}

// TestChannel_RequestTimesOutWithoutDispatcher verifies Request respects context
// cancellation rather than blocking forever when no dispatcher goroutine is draining
// requestCh (i.e. Open was never called) — this is the un-opened-channel misuse case.
func TestChannel_RequestTimesOutWithoutDispatcher(t *testing.T) {
	c, err := NewChannel(nil, "$cbs", "$cbs")
	require.NoError(t, err)

	msg := &amqp.Message{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = c.Request(ctx, msg, func(*amqp.Message, error) {})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestChannel_CloseDecrementsOwnRefcount exercises the decrement-to-zero protocol
// Close applies to the shared closeRefcount: two close completions must drive it to
// zero before onGraceful fires. Close itself needs live links, so the body replays
// Close's closeDone step inline against the channel's own fields.
func TestChannel_CloseDecrementsOwnRefcount(t *testing.T) {
	c, err := NewChannel(nil, "$cbs", "$cbs")
	require.NoError(t, err)

	require.EqualValues(t, 0, c.closeRefcount)
	atomic.StoreInt32(&c.closeRefcount, 2)

	var fired int32
	done := make(chan struct{})
	onGraceful := func(error) {
		atomic.StoreInt32(&fired, 1)
		close(done)
	}

	go func() {
		atomic.StoreInt32(&c.closeRequested, 1)
		c.setState(Closing)
		closeDone := func(err error) {
			if atomic.AddInt32(&c.closeRefcount, -1) == 0 {
				c.setState(Closed)
				onGraceful(err)
			}
		}
		closeDone(nil)
		closeDone(nil)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onGraceful never fired: closeRefcount was not decremented to zero")
	}

	require.EqualValues(t, 1, atomic.LoadInt32(&fired))
	require.Equal(t, Closed, c.State())
}
