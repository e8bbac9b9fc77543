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

import "context"

// AddressTag describes where a transport operation is delivered. It is implemented
// only by types in this package.
type AddressTag interface {
	isAddressTag()
}

// UnicastAddressTag delivers a message to one named queue.
type UnicastAddressTag struct {
	Destination string
}

func (UnicastAddressTag) isAddressTag() {}

// UnicastRoutingStrategy routes every message to a single destination.
type UnicastRoutingStrategy struct {
	destination string
}

// NewUnicastRoutingStrategy creates a one-shot strategy for destination.
func NewUnicastRoutingStrategy(destination string) UnicastRoutingStrategy {
	return UnicastRoutingStrategy{destination: destination}
}

// Apply returns the address tag for a message with the given headers.
func (s UnicastRoutingStrategy) Apply(map[string]string) AddressTag {
	return UnicastAddressTag{Destination: s.destination}
}

// TransportOperation pairs an outgoing message with where it goes.
type TransportOperation struct {
	Message    *OutgoingMessage
	AddressTag AddressTag
}

// NewTransportOperation creates an operation routed by strategy.
func NewTransportOperation(msg *OutgoingMessage, strategy UnicastRoutingStrategy) TransportOperation {
	return TransportOperation{Message: msg, AddressTag: strategy.Apply(msg.Headers)}
}

// TransportOperations is a batch handed to a Dispatcher in one call.
type TransportOperations []TransportOperation

// NewTransportOperations builds a batch from ops.
func NewTransportOperations(ops ...TransportOperation) TransportOperations {
	return TransportOperations(ops)
}

// UnicastDestination returns the destination of op, or "" when op is not unicast.
func (op TransportOperation) UnicastDestination() string {
	if tag, ok := op.AddressTag.(UnicastAddressTag); ok {
		return tag.Destination
	}
	return ""
}

// Dispatcher sends batches of transport operations. Implementations signal a missing
// destination with an error for which IsDestinationNotFound reports true.
type Dispatcher interface {
	Dispatch(ctx context.Context, ops TransportOperations) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, ops TransportOperations) error

// Dispatch calls f(ctx, ops).
func (f DispatcherFunc) Dispatch(ctx context.Context, ops TransportOperations) error {
	return f(ctx, ops)
}
