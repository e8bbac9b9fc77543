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
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind names a recovery decision observable from outside the pipeline.
type EventKind string

const (
	EventRetrying                 EventKind = "retrying"
	EventGivingUpFirstLevel       EventKind = "givingUpFirstLevel"
	EventScheduledForDelayedRetry EventKind = "scheduledForDelayedRetry"
	EventGivingUpSecondLevel      EventKind = "givingUpSecondLevel"
	EventSentToErrorQueue         EventKind = "sentToErrorQueue"
)

// Event describes one recovery decision. Fields that do not apply to Kind are zero.
type Event struct {
	Kind      EventKind
	MessageID string

	// Attempt is the FLR failure count for retrying, the number of failed
	// attempts for givingUpFirstLevel and the SLR attempt for
	// scheduledForDelayedRetry and givingUpSecondLevel.
	Attempt int

	// Delay is set for scheduledForDelayedRetry.
	Delay time.Duration

	Err error

	// Headers, Body and Destination describe the envelope sent to the error queue.
	Headers     map[string]string
	Body        []byte
	Destination string
}

// Subscriber receives events synchronously on the raising goroutine.
type Subscriber func(Event)

// Notifications is a multi-subscriber callback registry. Events are delivered in
// raise order, to subscribers in subscription order. Raising with no subscriber is a no-op.
type Notifications struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	logger *zap.Logger
}

type subscription struct {
	id   uint64
	kind EventKind // empty means all kinds
	fn   Subscriber
}

// NewNotifications creates an empty registry. A nil logger discards panics silently.
func NewNotifications(l *zap.Logger) *Notifications {
	if l == nil {
		l = zap.NewNop()
	}
	return &Notifications{logger: l}
}

// Subscribe registers fn for events of kind and returns a function that removes it.
func (n *Notifications) Subscribe(kind EventKind, fn Subscriber) (unsubscribe func()) {
	return n.add(kind, fn)
}

// SubscribeAll registers fn for every event kind.
func (n *Notifications) SubscribeAll(fn Subscriber) (unsubscribe func()) {
	return n.add("", fn)
}

func (n *Notifications) add(kind EventKind, fn Subscriber) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscription{id: id, kind: kind, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, s := range n.subs {
				if s.id == id {
					n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Raise delivers e to the matching subscribers. A panicking subscriber is logged
// and does not prevent delivery to the others.
func (n *Notifications) Raise(e Event) {
	if n == nil {
		return
	}
	n.mu.RLock()
	subs := n.subs
	n.mu.RUnlock()

	for _, s := range subs {
		if s.kind != "" && s.kind != e.Kind {
			continue
		}
		n.deliver(s.fn, e)
	}
}

func (n *Notifications) deliver(fn Subscriber, e Event) {
	defer func() {
		if p := recover(); p != nil {
			n.logger.Warn("notification subscriber panicked",
				zap.String("event", string(e.Kind)),
				zap.String("message_id", e.MessageID),
				zap.Error(fmt.Errorf("panic: %v", p)))
		}
	}()
	fn(e)
}
