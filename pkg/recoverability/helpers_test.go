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

package recoverability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

var errHandler = errors.New("simulated handler failure")

// fakeDispatcher records dispatched operations and can be made to fail.
type fakeDispatcher struct {
	mu  sync.Mutex
	ops messaging.TransportOperations
	err error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, ops messaging.TransportOperations) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ops = append(d.ops, ops...)
	return nil
}

func (d *fakeDispatcher) dispatched() messaging.TransportOperations {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append(messaging.TransportOperations(nil), d.ops...)
}

type scheduled struct {
	msg         *messaging.OutgoingMessage
	destination string
	delay       time.Duration
}

// fakeDeferred records scheduled redeliveries.
type fakeDeferred struct {
	mu    sync.Mutex
	items []scheduled
	err   error
}

func (d *fakeDeferred) ScheduleRedelivery(_ context.Context, msg *messaging.OutgoingMessage, destination string, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.items = append(d.items, scheduled{msg: msg, destination: destination, delay: delay})
	return nil
}

func (d *fakeDeferred) all() []scheduled {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]scheduled(nil), d.items...)
}

type raisedError struct {
	label string
	cause error
}

type fakeCritical struct {
	mu     sync.Mutex
	raised []raisedError
}

func (c *fakeCritical) Raise(label string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raised = append(c.raised, raisedError{label: label, cause: cause})
}

func (c *fakeCritical) all() []raisedError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]raisedError(nil), c.raised...)
}

// countingHandler fails the first failures invocations and counts every call.
type countingHandler struct {
	mu       sync.Mutex
	calls    int
	failures int // negative fails forever
}

func (h *countingHandler) Handle(context.Context, *messaging.ReceiveContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.failures < 0 || h.calls <= h.failures {
		return errHandler
	}
	return nil
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// deliver plays the role of a transport: it redelivers the message for as long as
// the pipeline aborts the receive. It returns the number of physical deliveries.
func deliver(ctx context.Context, onMessage messaging.OnMessage, queue string, msg func() *messaging.IncomingMessage) (int, error) {
	for n := 1; ; n++ {
		rc := messaging.NewReceiveContext(msg(), queue)
		if err := onMessage(ctx, rc); err != nil {
			return n, err
		}
		if !rc.ReceiveOperationAborted() {
			return n, nil
		}
		if n > 1000 {
			return n, errors.New("redelivery loop did not settle")
		}
	}
}

func incoming(id string, headers map[string]string, body []byte) func() *messaging.IncomingMessage {
	return func() *messaging.IncomingMessage {
		return messaging.NewIncomingMessage(id, headers, body)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ErrorQueueAddress = "error"
	cfg.SecondLevelRetries.TimeIncrease = time.Millisecond
	return cfg
}
