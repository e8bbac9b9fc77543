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

package rabbitmq

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// Receiver consumes one queue with manual acknowledgements. An aborted receive
// is rejected with requeue.
type Receiver struct {
	open     ChannelOpener
	address  string
	prefetch int
	logger   *zap.Logger
}

// NewReceiver creates a receiver for address.
func NewReceiver(open ChannelOpener, address string, prefetch int, l *zap.Logger) *Receiver {
	if prefetch <= 0 {
		prefetch = 1
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Receiver{open: open, address: address, prefetch: prefetch, logger: l}
}

// Address implements messaging.MessageSource.
func (r *Receiver) Address() string { return r.address }

// Run implements messaging.MessageSource.
func (r *Receiver) Run(ctx context.Context, onMessage messaging.OnMessage) error {
	ch, err := r.open()
	if err != nil {
		return messaging.NewConnectionError("failed to open channel", err)
	}
	defer ch.Close()

	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		return messaging.NewConnectionError("failed to set prefetch", err)
	}
	deliveries, err := ch.Consume(r.address, "", false, false, false, false, nil)
	if err != nil {
		return messaging.NewConnectionError(fmt.Sprintf("failed to consume %s", r.address), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return messaging.NewConnectionError(fmt.Sprintf("delivery channel for %s closed", r.address), nil)
			}
			if err := r.handle(ctx, d, onMessage); err != nil {
				return err
			}
		}
	}
}

func (r *Receiver) handle(ctx context.Context, d amqp.Delivery, onMessage messaging.OnMessage) error {
	rc := messaging.NewReceiveContext(fromDelivery(d), r.address)
	if err := onMessage(ctx, rc); err != nil {
		r.settle(d.Nack(false, true), d, "nack")
		return fmt.Errorf("queue %s: %w", r.address, err)
	}
	if rc.ReceiveOperationAborted() {
		r.settle(d.Nack(false, true), d, "nack")
		return nil
	}
	r.settle(d.Ack(false), d, "ack")
	return nil
}

func (r *Receiver) settle(err error, d amqp.Delivery, op string) {
	if err != nil {
		r.logger.Warn("failed to settle delivery", zap.String("op", op), zap.String("queue", r.address),
			zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}
