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

// Package handler holds the message handler run by the recoverbus serve command.
package handler

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/logger"
	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// HeaderFailWith makes the handler fail with the header value as error message.
// It lets operators exercise retries and the error queue end to end.
const HeaderFailWith = "Recoverbus.Demo.FailWith"

// Logging logs every message it handles and fails on request.
type Logging struct {
	logger  *zap.Logger
	handled atomic.Int64
	failed  atomic.Int64
}

// NewLogging creates the handler. A nil logger uses the global one.
func NewLogging(l *zap.Logger) *Logging {
	if l == nil {
		l = logger.Named("handler")
	}
	return &Logging{logger: l}
}

// Handle implements recoverability.Handler.
func (h *Logging) Handle(_ context.Context, rc *messaging.ReceiveContext) error {
	msg := rc.Message
	if reason, ok := msg.Headers[HeaderFailWith]; ok {
		h.failed.Add(1)
		h.logger.Debug("failing message on request",
			zap.String("message_id", msg.MessageID),
			zap.String("reason", reason))
		return errors.New(reason)
	}
	h.handled.Add(1)
	h.logger.Info("message handled",
		zap.String("message_id", msg.MessageID),
		zap.String("queue", rc.LocalAddress),
		zap.Int("body_bytes", len(msg.Body)))
	return nil
}

// Handled returns how many messages completed.
func (h *Logging) Handled() int64 { return h.handled.Load() }

// Failed returns how many attempts failed on request.
func (h *Logging) Failed() int64 { return h.failed.Load() }
