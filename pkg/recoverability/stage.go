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

// Package recoverability decides what happens to a message whose processing failed:
// retry it immediately, retry it after a delay, move it to the error queue or
// escalate to the critical error hub.
package recoverability

import (
	"context"
	"time"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// Handler processes one receive.
type Handler interface {
	Handle(ctx context.Context, rc *messaging.ReceiveContext) error
}

// HandlerFunc is a function adapter that implements Handler.
type HandlerFunc func(ctx context.Context, rc *messaging.ReceiveContext) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, rc *messaging.ReceiveContext) error {
	return f(ctx, rc)
}

// Stage wraps the processing of a message with a recovery behavior.
type Stage interface {
	// Name returns the stage name for identification and debugging.
	Name() string
	// Wrap returns a Handler that runs next under this stage.
	Wrap(next Handler) Handler
}

// Chain composes stages around a handler. The first stage is the outermost.
func Chain(handler Handler, stages ...Stage) Handler {
	for i := len(stages) - 1; i >= 0; i-- {
		handler = stages[i].Wrap(handler)
	}
	return handler
}

// DeferredDelivery makes a message reappear on destination after delay.
type DeferredDelivery interface {
	ScheduleRedelivery(ctx context.Context, msg *messaging.OutgoingMessage, destination string, delay time.Duration) error
}

// CriticalErrorRaiser receives failures that happened while recovering.
type CriticalErrorRaiser interface {
	Raise(label string, cause error)
}

// Critical error labels.
const (
	LabelForwardFailed  = "Failed to forward message to error queue"
	LabelScheduleFailed = "Failed to schedule delayed retry"
)
