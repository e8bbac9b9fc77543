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

// DefaultFirstLevelMaxRetries is the number of immediate retries after the first delivery.
const DefaultFirstLevelMaxRetries = 5

// FirstLevelRetry retries a failed message immediately by aborting the receive so
// the transport delivers it again. After maxRetries failed retries the error is
// returned to the enclosing stage.
type FirstLevelRetry struct {
	maxRetries    int
	tracker       *FailureTracker
	notifications *Notifications
	logger        *zap.Logger
}

// NewFirstLevelRetry creates the stage. A negative maxRetries is treated as zero.
func NewFirstLevelRetry(maxRetries int, notifications *Notifications, l *zap.Logger) *FirstLevelRetry {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &FirstLevelRetry{
		maxRetries:    maxRetries,
		tracker:       NewFailureTracker(),
		notifications: notifications,
		logger:        l,
	}
}

// Name implements Stage.
func (s *FirstLevelRetry) Name() string { return "first-level-retry" }

// Tracker exposes the failure counts kept by the stage.
func (s *FirstLevelRetry) Tracker() *FailureTracker { return s.tracker }

// Wrap implements Stage.
func (s *FirstLevelRetry) Wrap(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, rc *messaging.ReceiveContext) error {
		id := rc.Message.MessageID

		err := next.Handle(ctx, rc)
		if err == nil {
			if !rc.ReceiveOperationAborted() {
				s.tracker.Clear(id)
			}
			return nil
		}

		// An attempt cut short by shutdown is neither a success nor a failure.
		if ctx.Err() != nil {
			rc.AbortReceiveOperation()
			return nil
		}

		if failed := s.tracker.GetFailureInfo(id).NumberOfFailedAttempts; failed >= s.maxRetries {
			s.tracker.Clear(id)
			s.logger.Info(fmt.Sprintf("Giving up First Level Retries for message '%s'.", id),
				zap.Int("attempts", failed+1))
			s.notifications.Raise(Event{Kind: EventGivingUpFirstLevel, MessageID: id, Attempt: failed + 1, Err: err})
			return err
		}

		record := s.tracker.RecordFailure(id, err)
		s.logger.Info(fmt.Sprintf("First Level Retry is going to retry message '%s' because of an exception", id),
			zap.Int("attempt", record.NumberOfFailedAttempts),
			zap.Error(err))
		s.notifications.Raise(Event{
			Kind:      EventRetrying,
			MessageID: id,
			Attempt:   record.NumberOfFailedAttempts,
			Err:       err,
		})
		rc.AbortReceiveOperation()
		return nil
	})
}
