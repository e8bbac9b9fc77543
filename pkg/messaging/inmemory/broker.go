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

// Package inmemory is a process-local transport with named queues and native
// delayed delivery. It backs tests and the default serve configuration.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/logger"
	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// ErrBrokerClosed is returned by operations on a closed Broker.
var ErrBrokerClosed = errors.New("inmemory broker closed")

type envelope struct {
	messageID string
	headers   map[string]string
	body      []byte
}

type queue struct {
	mu     sync.Mutex
	items  []envelope
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) push(e envelope) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.signal()
}

// requeue puts e back at the head so it is the next message received.
func (q *queue) requeue(e envelope) {
	q.mu.Lock()
	q.items = append([]envelope{e}, q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) pop() (envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return envelope{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return e, true
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Broker holds named queues. Queues must be declared before they can be
// dispatched to; dispatching to an unknown queue fails with a destination not
// found error.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	timers map[*time.Timer]struct{}
	closed bool
	logger *zap.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBroker creates a Broker with the given queues declared.
func NewBroker(queues []string, opts ...Option) *Broker {
	b := &Broker{
		queues: make(map[string]*queue),
		timers: make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logger.Named("inmemory")
	}
	for _, name := range queues {
		b.queues[name] = newQueue()
	}
	return b
}

// DeclareQueue creates the queue if it does not exist.
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = newQueue()
	}
}

// Depth returns the number of messages waiting in the queue.
func (b *Broker) Depth(name string) int {
	q, err := b.lookup(name)
	if err != nil {
		return 0
	}
	return q.depth()
}

func (b *Broker) lookup(name string) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, messaging.NewDestinationNotFoundError(name, nil)
	}
	return q, nil
}

// Dispatch implements messaging.Dispatcher. Every destination is checked before
// any message is enqueued, so a batch is delivered whole or not at all.
func (b *Broker) Dispatch(ctx context.Context, ops messaging.TransportOperations) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	targets := make([]*queue, len(ops))
	for i, op := range ops {
		dest := op.UnicastDestination()
		if dest == "" {
			return fmt.Errorf("inmemory: operation %d has no unicast destination", i)
		}
		q, err := b.lookup(dest)
		if err != nil {
			return err
		}
		targets[i] = q
	}
	for i, op := range ops {
		targets[i].push(toEnvelope(op.Message))
	}
	return nil
}

// Send enqueues body with headers on destination and returns the message id.
func (b *Broker) Send(ctx context.Context, destination string, headers map[string]string, body []byte) (string, error) {
	msg := messaging.NewOutgoingMessage(uuid.NewString(), headers, body)
	op := messaging.NewTransportOperation(msg, messaging.NewUnicastRoutingStrategy(destination))
	if err := b.Dispatch(ctx, messaging.NewTransportOperations(op)); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

// ScheduleRedelivery implements recoverability.DeferredDelivery with a timer
// per message.
func (b *Broker) ScheduleRedelivery(_ context.Context, msg *messaging.OutgoingMessage, destination string, delay time.Duration) error {
	q, err := b.lookup(destination)
	if err != nil {
		return err
	}
	e := toEnvelope(msg)
	if delay <= 0 {
		q.push(e)
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		_, pending := b.timers[timer]
		delete(b.timers, timer)
		b.mu.Unlock()
		if pending {
			q.push(e)
		}
	})
	b.timers[timer] = struct{}{}
	return nil
}

// Close stops pending redeliveries and rejects further operations.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = map[*time.Timer]struct{}{}
	return nil
}

func toEnvelope(msg *messaging.OutgoingMessage) envelope {
	return envelope{
		messageID: msg.MessageID,
		headers:   messaging.CopyHeaders(msg.Headers),
		body:      append([]byte(nil), msg.Body...),
	}
}
