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
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// Fetcher is the part of a pull nats.Subscription the receiver uses.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// Receiver is a receive loop over a durable pull consumer. Completed receives
// are acked, aborted ones are nacked for immediate redelivery.
type Receiver struct {
	sub     Fetcher
	address string
	batch   int
	wait    time.Duration
	logger  *zap.Logger

	ack func(*nats.Msg) error
	nak func(*nats.Msg) error
}

func newReceiver(sub Fetcher, address string, batch int, wait time.Duration, l *zap.Logger) *Receiver {
	if l == nil {
		l = zap.NewNop()
	}
	return &Receiver{
		sub:     sub,
		address: address,
		batch:   batch,
		wait:    wait,
		logger:  l,
		ack:     func(m *nats.Msg) error { return m.Ack() },
		nak:     func(m *nats.Msg) error { return m.Nak() },
	}
}

// Address implements messaging.MessageSource.
func (r *Receiver) Address() string { return r.address }

// Run implements messaging.MessageSource.
func (r *Receiver) Run(ctx context.Context, onMessage messaging.OnMessage) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := r.sub.Fetch(r.batch, nats.MaxWait(r.wait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return messaging.NewConnectionError(fmt.Sprintf("fetch from %s failed", r.address), err)
		}

		for i, m := range msgs {
			if ctx.Err() != nil {
				r.nakAll(msgs[i:])
				return nil
			}
			rc := messaging.NewReceiveContext(fromNATSMsg(m), r.address)
			if err := onMessage(ctx, rc); err != nil {
				r.nakAll(msgs[i:])
				return fmt.Errorf("queue %s: %w", r.address, err)
			}
			if rc.ReceiveOperationAborted() {
				r.settle(r.nak, m, "nak")
				continue
			}
			r.settle(r.ack, m, "ack")
		}
	}
}

func (r *Receiver) nakAll(msgs []*nats.Msg) {
	for _, m := range msgs {
		r.settle(r.nak, m, "nak")
	}
}

func (r *Receiver) settle(fn func(*nats.Msg) error, m *nats.Msg, op string) {
	if err := fn(m); err != nil {
		r.logger.Warn("failed to settle message", zap.String("op", op), zap.String("queue", r.address), zap.Error(err))
	}
}
