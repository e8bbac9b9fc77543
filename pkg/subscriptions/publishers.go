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

// Package subscriptions sends subscribe and unsubscribe control messages to the
// publishers of a message type.
package subscriptions

import (
	"sort"
	"sync"
)

// Publishers maps message types to the addresses of the endpoints publishing them.
type Publishers struct {
	mu     sync.RWMutex
	byType map[string]map[string]struct{}
}

// NewPublishers creates an empty registry.
func NewPublishers() *Publishers {
	return &Publishers{byType: make(map[string]map[string]struct{})}
}

// AddByAddress registers address as a publisher of each message type.
func (p *Publishers) AddByAddress(address string, messageTypes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, mt := range messageTypes {
		set, ok := p.byType[mt]
		if !ok {
			set = make(map[string]struct{})
			p.byType[mt] = set
		}
		set[address] = struct{}{}
	}
}

// Lookup returns the publisher addresses of messageType in sorted order.
func (p *Publishers) Lookup(messageType string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.byType[messageType]
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
