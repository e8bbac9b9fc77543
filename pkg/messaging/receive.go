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

package messaging

import (
	"context"
	"sync/atomic"
)

// ReceiveContext carries one physical receive of a message through the pipeline.
type ReceiveContext struct {
	Message *IncomingMessage

	// LocalAddress is the input queue the message was received from.
	LocalAddress string

	aborted atomic.Bool
}

// NewReceiveContext creates a ReceiveContext for msg received on localAddress.
func NewReceiveContext(msg *IncomingMessage, localAddress string) *ReceiveContext {
	return &ReceiveContext{Message: msg, LocalAddress: localAddress}
}

// AbortReceiveOperation asks the message source to roll back the receive so the
// same message is delivered again.
func (rc *ReceiveContext) AbortReceiveOperation() {
	rc.aborted.Store(true)
}

// ReceiveOperationAborted reports whether AbortReceiveOperation was called.
func (rc *ReceiveContext) ReceiveOperationAborted() bool {
	return rc.aborted.Load()
}

// OnMessage processes one receive. Returning nil completes the receive unless it
// was aborted. Returning an error aborts the receive and stops the loop.
type OnMessage func(ctx context.Context, rc *ReceiveContext) error

// MessageSource is a receive loop over one input queue.
type MessageSource interface {
	// Address returns the input queue name.
	Address() string
	// Run delivers messages to onMessage until ctx is done or onMessage returns an error.
	Run(ctx context.Context, onMessage OnMessage) error
}
