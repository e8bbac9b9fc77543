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
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// Receiver is a receive loop over one broker queue.
type Receiver struct {
	broker      *Broker
	address     string
	concurrency int
}

// Receiver returns a message source for queue, declaring it if needed.
// concurrency is the number of messages processed at once; values below one mean one.
func (b *Broker) Receiver(address string, concurrency int) *Receiver {
	if concurrency < 1 {
		concurrency = 1
	}
	b.DeclareQueue(address)
	return &Receiver{broker: b, address: address, concurrency: concurrency}
}

// Address implements messaging.MessageSource.
func (r *Receiver) Address() string { return r.address }

// Run implements messaging.MessageSource. An aborted receive puts the message
// back at the head of the queue. An error from onMessage puts it back and stops
// every worker.
func (r *Receiver) Run(ctx context.Context, onMessage messaging.OnMessage) error {
	q, err := r.broker.lookup(r.address)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		g.Go(func() error { return r.work(gctx, q, onMessage) })
	}
	err = g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (r *Receiver) work(ctx context.Context, q *queue, onMessage messaging.OnMessage) error {
	for {
		e, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.notify:
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			q.requeue(e)
			return err
		}

		rc := messaging.NewReceiveContext(messaging.NewIncomingMessage(e.messageID, e.headers, e.body), r.address)
		if err := onMessage(ctx, rc); err != nil {
			q.requeue(e)
			r.broker.logger.Error("receive loop stopped", zap.String("queue", r.address),
				zap.String("message_id", e.messageID), zap.Error(err))
			return fmt.Errorf("queue %s: %w", r.address, err)
		}
		if rc.ReceiveOperationAborted() {
			q.requeue(e)
		}
	}
}
