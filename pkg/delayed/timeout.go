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

// Package delayed implements deferred delivery: messages scheduled for a delayed
// retry are persisted as timeouts and dispatched back to their destination once
// due by a satellite receive loop.
package delayed

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by stores after Close.
var ErrStoreClosed = errors.New("timeout store is closed")

// Timeout is a message waiting to be dispatched to Destination at DueAt.
type Timeout struct {
	ID          string            `json:"id"`
	Destination string            `json:"destination"`
	MessageID   string            `json:"message_id"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body"`
	DueAt       time.Time         `json:"due_at"`
}

// Store persists timeouts.
type Store interface {
	// Add persists t.
	Add(ctx context.Context, t Timeout) error
	// Due returns at most limit timeouts due at or before now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Timeout, error)
	// Remove deletes the timeout with id. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error
	// Close releases the store resources.
	Close() error
}
