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
	"fmt"

	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// DefaultSatelliteMaxRetries is the number of immediate retries a satellite gets.
const DefaultSatelliteMaxRetries = 4

// SatelliteRecovery protects an auxiliary receive loop, such as the timeout
// dispatcher, that has no delayed retries of its own. Failed messages are retried
// immediately; once more than maxRetries attempts failed, the next delivery is
// forwarded to the error queue without being attempted.
//
// If that forward fails the error is raised on the critical error hub and
// returned, which terminates the satellite loop.
type SatelliteRecovery struct {
	address    string
	maxRetries int
	tracker    *FailureTracker
	forwarder  *ErrorForwarder
	critical   CriticalErrorRaiser
	logger     *zap.Logger
	failed     func(*messaging.IncomingMessage) *messaging.IncomingMessage
}

// SatelliteOption configures a SatelliteRecovery.
type SatelliteOption func(*SatelliteRecovery)

// WithFailedMessage maps the received message to the one moved to the error
// queue, e.g. to restore the original message id of a satellite envelope.
func WithFailedMessage(fn func(*messaging.IncomingMessage) *messaging.IncomingMessage) SatelliteOption {
	return func(s *SatelliteRecovery) { s.failed = fn }
}

// NewSatelliteRecovery creates the stage for the satellite listening on address.
func NewSatelliteRecovery(address string, maxRetries int, forwarder *ErrorForwarder, critical CriticalErrorRaiser, l *zap.Logger, opts ...SatelliteOption) *SatelliteRecovery {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if l == nil {
		l = zap.NewNop()
	}
	s := &SatelliteRecovery{
		address:    address,
		maxRetries: maxRetries,
		tracker:    NewFailureTracker(),
		forwarder:  forwarder,
		critical:   critical,
		logger:     l,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Stage.
func (s *SatelliteRecovery) Name() string { return "satellite-recovery:" + s.address }

// Tracker exposes the failure counts kept by the stage.
func (s *SatelliteRecovery) Tracker() *FailureTracker { return s.tracker }

// Wrap implements Stage.
func (s *SatelliteRecovery) Wrap(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, rc *messaging.ReceiveContext) error {
		id := rc.Message.MessageID
		record := s.tracker.GetFailureInfo(id)

		if record.NumberOfFailedAttempts <= s.maxRetries {
			err := next.Handle(ctx, rc)
			if err == nil {
				if !rc.ReceiveOperationAborted() {
					s.tracker.Clear(id)
				}
				return nil
			}
			if ctx.Err() != nil {
				rc.AbortReceiveOperation()
				return nil
			}
			record = s.tracker.RecordFailure(id, err)
			s.logger.Debug(fmt.Sprintf("Going to retry message '%s' from satellite '%s' because of an exception", id, s.address),
				zap.Int("attempt", record.NumberOfFailedAttempts),
				zap.Error(err))
			rc.AbortReceiveOperation()
			return nil
		}

		s.tracker.Clear(id)
		s.logger.Debug(fmt.Sprintf("Giving up Retries for message '%s' from satellite '%s' after %d attempts.",
			id, s.address, record.NumberOfFailedAttempts))

		msg := rc.Message
		if s.failed != nil {
			msg = s.failed(msg)
		}
		if err := s.forwarder.Forward(ctx, msg, record.LastError, s.address); err != nil {
			s.critical.Raise(LabelForwardFailed, err)
			return messaging.NewEscalationError(messaging.ErrCodeForwardFailed, LabelForwardFailed, err)
		}
		return nil
	})
}
