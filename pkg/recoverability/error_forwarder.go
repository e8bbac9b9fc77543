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
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// ErrorForwarder sends a failed message, annotated with exception headers, to the
// error queue. The forwarded body is always the body as received.
type ErrorForwarder struct {
	errorQueue    string
	dispatcher    messaging.Dispatcher
	notifications *Notifications
}

// NewErrorForwarder creates a forwarder targeting errorQueue.
func NewErrorForwarder(errorQueue string, dispatcher messaging.Dispatcher, notifications *Notifications) *ErrorForwarder {
	return &ErrorForwarder{
		errorQueue:    errorQueue,
		dispatcher:    dispatcher,
		notifications: notifications,
	}
}

// ErrorQueue returns the address messages are forwarded to.
func (f *ErrorForwarder) ErrorQueue() string { return f.errorQueue }

// Forward dispatches msg to the error queue. failedQueue is recorded in the headers
// as the queue processing failed on. The dispatch error, if any, is returned as is.
func (f *ErrorForwarder) Forward(ctx context.Context, msg *messaging.IncomingMessage, cause error, failedQueue string) error {
	msg.RevertToOriginalBodyIfNeeded()

	headers := messaging.CopyHeaders(msg.Headers)
	messaging.SetExceptionHeaders(headers, cause, failedQueue)
	out := messaging.NewOutgoingMessage(msg.MessageID, headers, msg.Body)

	op := messaging.NewTransportOperation(out, messaging.NewUnicastRoutingStrategy(f.errorQueue))
	if err := f.dispatcher.Dispatch(ctx, messaging.NewTransportOperations(op)); err != nil {
		return err
	}

	f.notifications.Raise(Event{
		Kind:        EventSentToErrorQueue,
		MessageID:   msg.MessageID,
		Err:         cause,
		Headers:     messaging.CopyHeaders(out.Headers),
		Body:        msg.OriginalBody(),
		Destination: f.errorQueue,
	})
	return nil
}

// MoveToErrorQueue is the outermost stage of the main pipeline. Any error reaching
// it is a processing failure all retries gave up on, or an escalation failure from
// an inner stage. Escalations and failed forwards go to the critical error hub.
type MoveToErrorQueue struct {
	forwarder *ErrorForwarder
	critical  CriticalErrorRaiser
	logger    *zap.Logger
}

// NewMoveToErrorQueue creates the stage.
func NewMoveToErrorQueue(forwarder *ErrorForwarder, critical CriticalErrorRaiser, l *zap.Logger) *MoveToErrorQueue {
	if l == nil {
		l = zap.NewNop()
	}
	return &MoveToErrorQueue{forwarder: forwarder, critical: critical, logger: l}
}

// Name implements Stage.
func (s *MoveToErrorQueue) Name() string { return "move-to-error-queue" }

// Wrap implements Stage.
func (s *MoveToErrorQueue) Wrap(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, rc *messaging.ReceiveContext) error {
		err := next.Handle(ctx, rc)
		if err == nil {
			return nil
		}
		if messaging.IsEscalationFailure(err) {
			s.critical.Raise(escalationLabel(err), err)
			return err
		}

		id := rc.Message.MessageID
		s.logger.Error(fmt.Sprintf("Moving message '%s' to the error queue because processing failed due to an exception", id),
			zap.String("error_queue", s.forwarder.ErrorQueue()),
			zap.Error(err))

		if ferr := s.forwarder.Forward(ctx, rc.Message, err, rc.LocalAddress); ferr != nil {
			s.critical.Raise(LabelForwardFailed, ferr)
			return messaging.NewEscalationError(messaging.ErrCodeForwardFailed, LabelForwardFailed, ferr)
		}
		return nil
	})
}

func escalationLabel(err error) string {
	var me *messaging.BaseMessagingError
	if errors.As(err, &me) && me.Type == messaging.ErrorTypeEscalation {
		return me.Message
	}
	return err.Error()
}
