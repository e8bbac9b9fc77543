// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package nats

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

type fakePublisher struct {
	published []*nats.Msg
	err       error
}

func (p *fakePublisher) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.published = append(p.published, m)
	return &nats.PubAck{Stream: "RECOVERBUS", Sequence: uint64(len(p.published))}, nil
}

func operation(id, dest string, headers map[string]string, body []byte) messaging.TransportOperations {
	msg := messaging.NewOutgoingMessage(id, headers, body)
	return messaging.NewTransportOperations(messaging.NewTransportOperation(msg, messaging.NewUnicastRoutingStrategy(dest)))
}

func TestDispatchPublishesToPrefixedSubject(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, "recoverbus.")

	err := d.Dispatch(context.Background(), operation("m-1", "orders", map[string]string{"k": "v"}, []byte("body")))
	require.NoError(t, err)
	require.Len(t, pub.published, 1)

	m := pub.published[0]
	assert.Equal(t, "recoverbus.orders", m.Subject)
	assert.Equal(t, "v", m.Header.Get("k"))
	assert.Equal(t, "m-1", m.Header.Get(messaging.HeaderMessageID))
	assert.Equal(t, []byte("body"), m.Data)
}

func TestDispatchMapsMissingStreamToDestinationNotFound(t *testing.T) {
	for _, cause := range []error{nats.ErrNoResponders, nats.ErrNoStreamResponse} {
		d := NewDispatcher(&fakePublisher{err: cause}, "recoverbus.")
		err := d.Dispatch(context.Background(), operation("m-1", "orders", nil, nil))
		assert.True(t, messaging.IsDestinationNotFound(err), cause.Error())
		assert.ErrorIs(t, err, cause)
	}

	d := NewDispatcher(&fakePublisher{err: nats.ErrConnectionClosed}, "recoverbus.")
	err := d.Dispatch(context.Background(), operation("m-1", "orders", nil, nil))
	require.Error(t, err)
	assert.False(t, messaging.IsDestinationNotFound(err))
}

// scriptedFetcher returns its batches in order, then times out until ctx is cancelled.
type scriptedFetcher struct {
	mu      sync.Mutex
	batches [][]*nats.Msg
	cancel  context.CancelFunc
}

func (f *scriptedFetcher) Fetch(int, ...nats.PullOpt) ([]*nats.Msg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		if f.cancel != nil {
			f.cancel()
		}
		return nil, nats.ErrTimeout
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func natsMsg(id string, body string) *nats.Msg {
	m := nats.NewMsg("recoverbus.orders")
	m.Header.Set(messaging.HeaderMessageID, id)
	m.Data = []byte(body)
	return m
}

type settled struct {
	mu  sync.Mutex
	ops []string
}

func (s *settled) record(op string) func(*nats.Msg) error {
	return func(m *nats.Msg) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.ops = append(s.ops, op+":"+m.Header.Get(messaging.HeaderMessageID))
		return nil
	}
}

func newTestReceiver(f Fetcher, s *settled) *Receiver {
	r := newReceiver(f, "orders", 10, 0, zap.NewNop())
	r.ack = s.record("ack")
	r.nak = s.record("nak")
	return r
}

func TestReceiverAcksCompletedAndNaksAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &scriptedFetcher{batches: [][]*nats.Msg{{natsMsg("a", "1"), natsMsg("b", "2")}}, cancel: cancel}
	s := &settled{}

	var bodies []string
	err := newTestReceiver(f, s).Run(ctx, func(_ context.Context, rc *messaging.ReceiveContext) error {
		bodies = append(bodies, string(rc.Message.Body))
		assert.Equal(t, "orders", rc.LocalAddress)
		if rc.Message.MessageID == "b" {
			rc.AbortReceiveOperation()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, bodies)
	assert.Equal(t, []string{"ack:a", "nak:b"}, s.ops)
}

func TestReceiverStopsOnError(t *testing.T) {
	f := &scriptedFetcher{batches: [][]*nats.Msg{{natsMsg("a", "1"), natsMsg("b", "2")}}}
	s := &settled{}
	boom := errors.New("escalation")

	err := newTestReceiver(f, s).Run(context.Background(), func(context.Context, *messaging.ReceiveContext) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"nak:a", "nak:b"}, s.ops)
}

type failingFetcher struct{ err error }

func (f failingFetcher) Fetch(int, ...nats.PullOpt) ([]*nats.Msg, error) { return nil, f.err }

func TestReceiverReportsFetchFailure(t *testing.T) {
	r := newTestReceiver(failingFetcher{err: nats.ErrConnectionClosed}, &settled{})
	err := r.Run(context.Background(), func(context.Context, *messaging.ReceiveContext) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestFromNATSMsgFallsBackToNatsMsgID(t *testing.T) {
	m := nats.NewMsg("recoverbus.orders")
	m.Header.Set(nats.MsgIdHdr, "dedup-id")
	assert.Equal(t, "dedup-id", fromNATSMsg(m).MessageID)
}

func TestConfigValidation(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.URL = " "
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.FetchBatch = 0
	assert.Error(t, cfg.Validate())

	assert.Equal(t, "recoverbus_orders_timeouts", durableName("recoverbus.orders.timeouts"))
	assert.Equal(t, "recoverbus.orders", DefaultConfig().subject("orders"))
}
