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

package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/innovationmech/recoverbus/pkg/logger"
	"github.com/innovationmech/recoverbus/pkg/messaging"
	"github.com/innovationmech/recoverbus/pkg/resilience"
)

// Intent values carried in messaging.HeaderMessageIntent.
const (
	IntentSubscribe   = "Subscribe"
	IntentUnsubscribe = "Unsubscribe"
)

// ErrNoPublishers is returned when no publisher is known for a message type.
var ErrNoPublishers = errors.New("no publishers registered for message type")

// Manager sends subscription control messages. Dispatches are retried while a
// publisher queue does not exist yet.
type Manager struct {
	publishers *Publishers
	replyTo    string
	endpoint   string
	dispatcher messaging.Dispatcher
	retry      resilience.RetryingDispatcherConfig
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRetry sets the default retry settings for missing publisher queues.
func WithRetry(cfg resilience.RetryingDispatcherConfig) Option {
	return func(m *Manager) { m.retry = cfg }
}

// WithClock replaces time.Now for the TimeSent header.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager for the endpoint whose input queue is replyTo.
func NewManager(publishers *Publishers, replyTo, endpoint string, dispatcher messaging.Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		publishers: publishers,
		replyTo:    replyTo,
		endpoint:   endpoint,
		dispatcher: dispatcher,
		retry:      resilience.DefaultRetryingDispatcherConfig(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.Named("subscriptions")
	}
	return m
}

// CallOption overrides retry settings for one call.
type CallOption func(*resilience.RetryingDispatcherConfig)

// MaxRetries bounds the retries of one call.
func MaxRetries(n int) CallOption {
	return func(c *resilience.RetryingDispatcherConfig) { c.MaxRetries = n }
}

// RetryDelay sets the wait between retries of one call.
func RetryDelay(d time.Duration) CallOption {
	return func(c *resilience.RetryingDispatcherConfig) { c.RetryDelay = d }
}

// Subscribe asks every publisher of messageType to send it to this endpoint.
func (m *Manager) Subscribe(ctx context.Context, messageType string, opts ...CallOption) error {
	return m.send(ctx, IntentSubscribe, messageType, opts)
}

// Unsubscribe asks every publisher of messageType to stop sending it.
func (m *Manager) Unsubscribe(ctx context.Context, messageType string, opts ...CallOption) error {
	return m.send(ctx, IntentUnsubscribe, messageType, opts)
}

func (m *Manager) send(ctx context.Context, intent, messageType string, opts []CallOption) error {
	publishers := m.publishers.Lookup(messageType)
	if len(publishers) == 0 {
		return fmt.Errorf("%s %s: %w", intent, messageType, ErrNoPublishers)
	}

	cfg := m.retry
	for _, opt := range opts {
		opt(&cfg)
	}
	dispatcher, err := resilience.NewRetryingDispatcher(m.dispatcher, cfg, m.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, address := range publishers {
		msg := m.controlMessage(intent, messageType)
		op := messaging.NewTransportOperation(msg, messaging.NewUnicastRoutingStrategy(address))
		g.Go(func() error {
			if err := dispatcher.Dispatch(gctx, messaging.NewTransportOperations(op)); err != nil {
				return fmt.Errorf("%s %s at %s: %w", intent, messageType, address, err)
			}
			m.logger.Debug("subscription message sent",
				zap.String("intent", intent),
				zap.String("message_type", messageType),
				zap.String("publisher", address))
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) controlMessage(intent, messageType string) *messaging.OutgoingMessage {
	headers := map[string]string{
		messaging.HeaderMessageIntent:           intent,
		messaging.HeaderSubscriptionMessageType: messageType,
		messaging.HeaderReplyToAddress:          m.replyTo,
		messaging.HeaderSubscriberEndpoint:      m.endpoint,
		messaging.HeaderTimeSent:                messaging.ToWireFormattedString(m.now()),
		messaging.HeaderVersion:                 messaging.Version,
	}
	return messaging.NewOutgoingMessage(uuid.NewString(), headers, nil)
}
