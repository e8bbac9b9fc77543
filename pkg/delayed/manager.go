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
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/logger"
	"github.com/innovationmech/recoverbus/pkg/messaging"
	"github.com/innovationmech/recoverbus/pkg/recoverability"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Address names the satellite in logs and in the failed queue header of
	// timeouts that could not be dispatched.
	Address string `mapstructure:"address" yaml:"address"`
	// PollInterval is the wait between polls of the store.
	PollInterval time.Duration `mapstructure:"pollInterval" yaml:"pollInterval"`
	// BatchSize bounds the timeouts fetched per poll.
	BatchSize int `mapstructure:"batchSize" yaml:"batchSize"`
}

// DefaultManagerConfig returns the default settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Address:      "timeouts",
		PollInterval: time.Second,
		BatchSize:    100,
	}
}

// Manager schedules redeliveries into a Store and runs the timeout dispatcher
// satellite that sends them back once due.
type Manager struct {
	cfg        ManagerConfig
	store      Store
	dispatcher messaging.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager storing timeouts in store and dispatching due
// timeouts through dispatcher.
func NewManager(store Store, dispatcher messaging.Dispatcher, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	def := DefaultManagerConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	m := &Manager{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.Named("timeouts")
	}
	return m
}

// Address returns the satellite address.
func (m *Manager) Address() string { return m.cfg.Address }

// ScheduleRedelivery implements recoverability.DeferredDelivery.
func (m *Manager) ScheduleRedelivery(ctx context.Context, msg *messaging.OutgoingMessage, destination string, delay time.Duration) error {
	t := Timeout{
		ID:          m.newID(),
		Destination: destination,
		MessageID:   msg.MessageID,
		Headers:     messaging.CopyHeaders(msg.Headers),
		Body:        append([]byte(nil), msg.Body...),
		DueAt:       m.now().Add(delay),
	}
	if err := m.store.Add(ctx, t); err != nil {
		return fmt.Errorf("schedule redelivery of %s: %w", msg.MessageID, err)
	}
	m.logger.Debug("timeout scheduled",
		zap.String("timeout_id", t.ID),
		zap.String("message_id", t.MessageID),
		zap.String("destination", destination),
		zap.Time("due_at", t.DueAt))
	return nil
}

// Run is the timeout dispatcher loop. Each due timeout is dispatched to its
// destination under recovery.
// Run returns nil when ctx is done and the escalation error when recovery gives up.
func (m *Manager) Run(ctx context.Context, recovery recoverability.Stage) error {
	onMessage := recoverability.Chain(recoverability.HandlerFunc(m.dispatchTimeout), recovery)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.logger.Info("timeout dispatcher started", zap.String("address", m.cfg.Address))
	for {
		if err := m.Poll(ctx, onMessage); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			m.logger.Info("timeout dispatcher stopped", zap.String("address", m.cfg.Address))
			return nil
		case <-ticker.C:
		}
	}
}

// Poll processes the timeouts due now through handler. A timeout whose receive
// is aborted is delivered again immediately, as a queue would; a completed one is
// removed from the store.
func (m *Manager) Poll(ctx context.Context, handler recoverability.Handler) error {
	due, err := m.store.Due(ctx, m.now(), m.cfg.BatchSize)
	if err != nil {
		m.logger.Warn("failed to fetch due timeouts", zap.Error(err))
		return nil
	}
	for _, t := range due {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			rc := messaging.NewReceiveContext(timeoutMessage(t), m.cfg.Address)
			if err := handler.Handle(ctx, rc); err != nil {
				return err
			}
			if !rc.ReceiveOperationAborted() {
				break
			}
		}
		m.complete(ctx, t.ID)
	}
	return nil
}

// complete removes a handled timeout. A removal failure only risks a duplicate
// dispatch on the next poll.
func (m *Manager) complete(ctx context.Context, id string) {
	if err := m.store.Remove(ctx, id); err != nil {
		m.logger.Warn("failed to remove handled timeout", zap.String("timeout_id", id), zap.Error(err))
	}
}

// dispatchTimeout sends the timeout to its destination.
func (m *Manager) dispatchTimeout(ctx context.Context, rc *messaging.ReceiveContext) error {
	msg := rc.Message
	t := Timeout{
		ID:          msg.MessageID,
		Destination: msg.Headers[headerTimeoutDestination],
		MessageID:   msg.Headers[headerTimeoutMessageID],
	}
	headers := messaging.CopyHeaders(msg.Headers)
	delete(headers, headerTimeoutDestination)
	delete(headers, headerTimeoutMessageID)

	out := messaging.NewOutgoingMessage(t.MessageID, headers, msg.Body)
	op := messaging.NewTransportOperation(out, messaging.NewUnicastRoutingStrategy(t.Destination))
	if err := m.dispatcher.Dispatch(ctx, messaging.NewTransportOperations(op)); err != nil {
		return fmt.Errorf("dispatch timeout %s to %s: %w", t.ID, t.Destination, err)
	}
	return nil
}

const (
	headerTimeoutDestination = "Recoverbus.Timeout.Destination"
	headerTimeoutMessageID   = "Recoverbus.Timeout.MessageId"
)

// OriginalMessage turns a timeout presented by the dispatcher loop back into the
// message that was scheduled: its own id, without the timeout headers.
func OriginalMessage(msg *messaging.IncomingMessage) *messaging.IncomingMessage {
	id, ok := msg.Headers[headerTimeoutMessageID]
	if !ok {
		return msg
	}
	headers := messaging.CopyHeaders(msg.Headers)
	delete(headers, headerTimeoutDestination)
	delete(headers, headerTimeoutMessageID)
	return messaging.NewIncomingMessage(id, headers, msg.OriginalBody())
}

// timeoutMessage presents a timeout as a received message keyed by the timeout id.
func timeoutMessage(t Timeout) *messaging.IncomingMessage {
	headers := messaging.CopyHeaders(t.Headers)
	headers[headerTimeoutDestination] = t.Destination
	headers[headerTimeoutMessageID] = t.MessageID
	return messaging.NewIncomingMessage(t.ID, headers, t.Body)
}
