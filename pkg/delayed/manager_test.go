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

package delayed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/messaging"
	"github.com/innovationmech/recoverbus/pkg/recoverability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// routeDispatcher records operations per destination and fails for destinations in fail.
type routeDispatcher struct {
	mu    sync.Mutex
	sent  map[string][]*messaging.OutgoingMessage
	fail  map[string]error
	calls int
}

func newRouteDispatcher() *routeDispatcher {
	return &routeDispatcher{sent: map[string][]*messaging.OutgoingMessage{}, fail: map[string]error{}}
}

func (d *routeDispatcher) Dispatch(_ context.Context, ops messaging.TransportOperations) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	for _, op := range ops {
		dest := op.UnicastDestination()
		if err := d.fail[dest]; err != nil {
			return err
		}
		d.sent[dest] = append(d.sent[dest], op.Message)
	}
	return nil
}

func (d *routeDispatcher) to(dest string) []*messaging.OutgoingMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent[dest]
}

type criticalRecorder struct {
	mu     sync.Mutex
	labels []string
}

func (c *criticalRecorder) Raise(label string, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.labels = append(c.labels, label)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(store Store, d messaging.Dispatcher, clock *fixedClock) *Manager {
	return NewManager(store, d, ManagerConfig{Address: "orders.timeouts", PollInterval: 5 * time.Millisecond},
		WithManagerLogger(zap.NewNop()), WithClock(clock.Now))
}

func satellite(m *Manager, d messaging.Dispatcher, critical recoverability.CriticalErrorRaiser) *recoverability.SatelliteRecovery {
	forwarder := recoverability.NewErrorForwarder("error", d, nil)
	return recoverability.NewSatelliteRecovery(m.Address(), recoverability.DefaultSatelliteMaxRetries, forwarder, critical, nil,
		recoverability.WithFailedMessage(OriginalMessage))
}

func TestScheduleRedeliveryAndDispatch(t *testing.T) {
	store := NewMemoryStore()
	d := newRouteDispatcher()
	clock := &fixedClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newTestManager(store, d, clock)
	ctx := context.Background()

	msg := messaging.NewOutgoingMessage("m-1", map[string]string{messaging.HeaderRetries: "1"}, []byte("body"))
	require.NoError(t, m.ScheduleRedelivery(ctx, msg, "orders", 10*time.Second))
	require.Equal(t, 1, store.Len())

	handler := recoverability.Chain(recoverability.HandlerFunc(m.dispatchTimeout), satellite(m, d, &criticalRecorder{}))

	require.NoError(t, m.Poll(ctx, handler))
	assert.Empty(t, d.to("orders"), "not due yet")

	clock.Advance(10 * time.Second)
	require.NoError(t, m.Poll(ctx, handler))

	sent := d.to("orders")
	require.Len(t, sent, 1)
	assert.Equal(t, "m-1", sent[0].MessageID)
	assert.Equal(t, []byte("body"), sent[0].Body)
	assert.Equal(t, map[string]string{messaging.HeaderRetries: "1"}, sent[0].Headers)
	assert.Equal(t, 0, store.Len())
}

func TestTimeoutDispatchFailureIsForwardedAfterRetries(t *testing.T) {
	store := NewMemoryStore()
	d := newRouteDispatcher()
	d.fail["orders"] = messaging.NewDestinationNotFoundError("orders", nil)
	clock := &fixedClock{now: time.Now()}
	m := newTestManager(store, d, clock)
	ctx := context.Background()

	require.NoError(t, m.ScheduleRedelivery(ctx, messaging.NewOutgoingMessage("m-1", nil, []byte("body")), "orders", 0))

	handler := recoverability.Chain(recoverability.HandlerFunc(m.dispatchTimeout), satellite(m, d, &criticalRecorder{}))
	require.NoError(t, m.Poll(ctx, handler))

	failed := d.to("error")
	require.Len(t, failed, 1)
	assert.Equal(t, []byte("body"), failed[0].Body)
	assert.Equal(t, "orders.timeouts", failed[0].Headers[messaging.HeaderFailedQ])
	assert.Equal(t, "m-1", failed[0].MessageID)
	assert.NotContains(t, failed[0].Headers, headerTimeoutDestination)
	assert.NotContains(t, failed[0].Headers, headerTimeoutMessageID)
	// five attempts at the destination plus the forward
	assert.Equal(t, 6, d.calls)
	assert.Equal(t, 0, store.Len())
}

func TestOriginalMessage(t *testing.T) {
	tm := timeoutMessage(Timeout{ID: "t-1", Destination: "orders", MessageID: "m-1",
		Headers: map[string]string{"h": "1"}, Body: []byte("body")})
	assert.Equal(t, "t-1", tm.MessageID)

	orig := OriginalMessage(tm)
	assert.Equal(t, "m-1", orig.MessageID)
	assert.Equal(t, map[string]string{"h": "1"}, orig.Headers)
	assert.Equal(t, []byte("body"), orig.Body)
	assert.Equal(t, "orders", tm.Headers[headerTimeoutDestination], "input left untouched")

	plain := messaging.NewIncomingMessage("x", map[string]string{"h": "2"}, nil)
	assert.Same(t, plain, OriginalMessage(plain))
}

func TestRunTerminatesWhenErrorQueueIsUnreachable(t *testing.T) {
	store := NewMemoryStore()
	d := newRouteDispatcher()
	d.fail["orders"] = errors.New("orders unreachable")
	d.fail["error"] = errors.New("error queue unreachable")
	clock := &fixedClock{now: time.Now()}
	m := newTestManager(store, d, clock)
	critical := &criticalRecorder{}

	require.NoError(t, m.ScheduleRedelivery(context.Background(), messaging.NewOutgoingMessage("m-1", nil, nil), "orders", 0))

	err := m.Run(context.Background(), satellite(m, d, critical))
	require.Error(t, err)
	assert.True(t, messaging.IsEscalationFailure(err))
	assert.Equal(t, []string{recoverability.LabelForwardFailed}, critical.labels)
	assert.Equal(t, 1, store.Len(), "timeout stays for a later run")
}

func TestRunStopsOnCancel(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	d := newRouteDispatcher()
	m := newTestManager(NewMemoryStore(), d, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, satellite(m, d, &criticalRecorder{})) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestScheduleRedeliveryStoreFailure(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())
	m := newTestManager(store, newRouteDispatcher(), &fixedClock{now: time.Now()})

	err := m.ScheduleRedelivery(context.Background(), messaging.NewOutgoingMessage("m-1", nil, nil), "orders", time.Second)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(NewMemoryStore(), newRouteDispatcher(), ManagerConfig{}, WithManagerLogger(zap.NewNop()))
	assert.Equal(t, DefaultManagerConfig(), m.cfg)
}
