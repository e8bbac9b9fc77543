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

package inmemory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBroker(queues ...string) *Broker {
	return NewBroker(queues, WithLogger(zap.NewNop()))
}

func runAsync(ctx context.Context, r *Receiver, onMessage messaging.OnMessage) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, onMessage) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not stop")
		return nil
	}
}

func TestDispatchToUnknownQueue(t *testing.T) {
	b := newTestBroker("orders")
	defer b.Close()

	_, err := b.Send(context.Background(), "missing", nil, []byte("x"))
	require.Error(t, err)
	assert.True(t, messaging.IsDestinationNotFound(err))
}

func TestDispatchBatchIsAllOrNothing(t *testing.T) {
	b := newTestBroker("orders")
	defer b.Close()

	ops := messaging.NewTransportOperations(
		messaging.NewTransportOperation(messaging.NewOutgoingMessage("1", nil, nil), messaging.NewUnicastRoutingStrategy("orders")),
		messaging.NewTransportOperation(messaging.NewOutgoingMessage("2", nil, nil), messaging.NewUnicastRoutingStrategy("missing")),
	)
	err := b.Dispatch(context.Background(), ops)
	assert.True(t, messaging.IsDestinationNotFound(err))
	assert.Equal(t, 0, b.Depth("orders"))
}

func TestReceiveCompletesMessage(t *testing.T) {
	b := newTestBroker()
	defer b.Close()
	r := b.Receiver("orders", 1)

	id, err := b.Send(context.Background(), "orders", map[string]string{"k": "v"}, []byte("body"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *messaging.IncomingMessage, 1)
	done := runAsync(ctx, r, func(_ context.Context, rc *messaging.ReceiveContext) error {
		assert.Equal(t, "orders", rc.LocalAddress)
		got <- rc.Message
		return nil
	})

	msg := <-got
	assert.Equal(t, id, msg.MessageID)
	assert.Equal(t, "v", msg.Headers["k"])
	assert.Equal(t, []byte("body"), msg.Body)

	cancel()
	assert.NoError(t, waitErr(t, done))
	assert.Equal(t, 0, b.Depth("orders"))
}

func TestAbortedReceiveIsRedelivered(t *testing.T) {
	b := newTestBroker("orders")
	defer b.Close()
	r := b.Receiver("orders", 1)
	_, err := b.Send(context.Background(), "orders", nil, []byte("body"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var attempts atomic.Int32
	completed := make(chan struct{})
	done := runAsync(ctx, r, func(_ context.Context, rc *messaging.ReceiveContext) error {
		if attempts.Add(1) < 3 {
			rc.AbortReceiveOperation()
			return nil
		}
		close(completed)
		return nil
	})

	<-completed
	cancel()
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 0, b.Depth("orders"))
}

func TestErrorStopsLoopAndKeepsMessage(t *testing.T) {
	b := newTestBroker("orders")
	defer b.Close()
	r := b.Receiver("orders", 2)
	_, err := b.Send(context.Background(), "orders", nil, nil)
	require.NoError(t, err)

	boom := errors.New("escalation")
	done := runAsync(context.Background(), r, func(context.Context, *messaging.ReceiveContext) error {
		return boom
	})

	err = waitErr(t, done)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, b.Depth("orders"))
}

func TestScheduleRedeliveryDelaysMessage(t *testing.T) {
	b := newTestBroker("orders")
	defer b.Close()

	msg := messaging.NewOutgoingMessage("m-1", map[string]string{messaging.HeaderRetries: "1"}, []byte("body"))
	require.NoError(t, b.ScheduleRedelivery(context.Background(), msg, "orders", 20*time.Millisecond))
	assert.Equal(t, 0, b.Depth("orders"))

	assert.Eventually(t, func() bool { return b.Depth("orders") == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduleRedeliveryUnknownQueue(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	err := b.ScheduleRedelivery(context.Background(), messaging.NewOutgoingMessage("m-1", nil, nil), "missing", time.Millisecond)
	assert.True(t, messaging.IsDestinationNotFound(err))
}

func TestCloseCancelsPendingRedeliveries(t *testing.T) {
	b := newTestBroker("orders")
	require.NoError(t, b.ScheduleRedelivery(context.Background(), messaging.NewOutgoingMessage("m-1", nil, nil), "orders", time.Hour))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Send(context.Background(), "orders", nil, nil)
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestConcurrentWorkersReceiveEveryMessage(t *testing.T) {
	b := newTestBroker("orders")
	defer b.Close()
	const n = 50
	for i := 0; i < n; i++ {
		_, err := b.Send(context.Background(), "orders", nil, nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	seen := map[string]int{}
	all := make(chan struct{})
	done := runAsync(ctx, b.Receiver("orders", 4), func(_ context.Context, rc *messaging.ReceiveContext) error {
		mu.Lock()
		defer mu.Unlock()
		seen[rc.Message.MessageID]++
		if len(seen) == n {
			close(all)
		}
		return nil
	})

	<-all
	cancel()
	require.NoError(t, waitErr(t, done))
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}
