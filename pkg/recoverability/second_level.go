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
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// SecondLevelRetry takes over once first level retries are exhausted. It hands the
// original message to a DeferredDelivery so that it reappears on the input queue
// after the delay computed by the retry policy. The attempt number travels with the
// message in the retries header, so it survives restarts.
type SecondLevelRetry struct {
	policy        RetryPolicy
	deferred      DeferredDelivery
	tracker       *FailureTracker
	notifications *Notifications
	logger        *zap.Logger
	now           func() time.Time
}

// NewSecondLevelRetry creates the stage.
func NewSecondLevelRetry(policy RetryPolicy, deferred DeferredDelivery, notifications *Notifications, l *zap.Logger) *SecondLevelRetry {
	if l == nil {
		l = zap.NewNop()
	}
	return &SecondLevelRetry{
		policy:        policy,
		deferred:      deferred,
		tracker:       NewFailureTracker(),
		notifications: notifications,
		logger:        l,
		now:           time.Now,
	}
}

// Name implements Stage.
func (s *SecondLevelRetry) Name() string { return "second-level-retry" }

// Tracker exposes the failures recorded by the stage.
func (s *SecondLevelRetry) Tracker() *FailureTracker { return s.tracker }

// Wrap implements Stage.
func (s *SecondLevelRetry) Wrap(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, rc *messaging.ReceiveContext) error {
		err := next.Handle(ctx, rc)
		if err == nil {
			if !rc.ReceiveOperationAborted() {
				s.tracker.Clear(rc.Message.MessageID)
			}
			return nil
		}
		if messaging.IsEscalationFailure(err) {
			return err
		}
		return s.handleFailure(ctx, rc, err)
	})
}

func (s *SecondLevelRetry) handleFailure(ctx context.Context, rc *messaging.ReceiveContext, cause error) error {
	msg := rc.Message
	id := msg.MessageID
	attempt := messaging.RetriesFromHeaders(msg.Headers) + 1
	s.tracker.RecordFailure(id, cause)

	delay := s.policy(msg)
	if delay == StopRetrying {
		s.tracker.Clear(id)
		s.logger.Warn(fmt.Sprintf("Giving up Second Level Retries for message '%s'.", id))
		s.notifications.Raise(Event{Kind: EventGivingUpSecondLevel, MessageID: id, Attempt: attempt, Err: cause})
		return cause
	}
	if delay < 0 {
		delay = 0
	}

	msg.RevertToOriginalBodyIfNeeded()
	headers := messaging.CopyHeaders(msg.Headers)
	headers[messaging.HeaderRetries] = strconv.Itoa(attempt)
	if _, ok := headers[messaging.HeaderRetriesTimestamp]; !ok {
		headers[messaging.HeaderRetriesTimestamp] = messaging.ToWireFormattedString(s.now())
	}
	out := messaging.NewOutgoingMessage(id, headers, msg.Body)

	if err := s.deferred.ScheduleRedelivery(ctx, out, rc.LocalAddress, delay); err != nil {
		return messaging.NewEscalationError(messaging.ErrCodeScheduleFailed, LabelScheduleFailed, err)
	}

	s.logger.Warn(fmt.Sprintf("Second Level Retry will reschedule message '%s' after a delay of %s because of an exception", id, delay),
		zap.Int("attempt", attempt),
		zap.Error(cause))
	s.notifications.Raise(Event{
		Kind:      EventScheduledForDelayedRetry,
		MessageID: id,
		Attempt:   attempt,
		Delay:     delay,
		Err:       cause,
	})
	return nil
}
