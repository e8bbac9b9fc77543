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
	"hash/fnv"
	"sync"
)

const trackerShards = 32

// FailureRecord is the failure history of one message.
type FailureRecord struct {
	MessageID              string
	NumberOfFailedAttempts int
	LastError              error
}

// FailureTracker keeps per-message failure counts in memory. Records are keyed by
// message id only, are lost on restart and are never evicted by the tracker itself.
//
// The map is sharded so that unrelated message ids never contend on one lock.
type FailureTracker struct {
	shards [trackerShards]trackerShard
}

type trackerShard struct {
	mu      sync.Mutex
	records map[string]FailureRecord
}

// NewFailureTracker creates an empty tracker.
func NewFailureTracker() *FailureTracker {
	t := &FailureTracker{}
	for i := range t.shards {
		t.shards[i].records = make(map[string]FailureRecord)
	}
	return t
}

// RecordFailure increments the failure count of messageID, stores err and returns
// the updated record.
func (t *FailureTracker) RecordFailure(messageID string, err error) FailureRecord {
	s := t.shardFor(messageID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.records[messageID]
	r.MessageID = messageID
	r.NumberOfFailedAttempts++
	r.LastError = err
	s.records[messageID] = r
	return r
}

// GetFailureInfo returns the record for messageID, or a zero record if none exists.
func (t *FailureTracker) GetFailureInfo(messageID string) FailureRecord {
	s := t.shardFor(messageID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[messageID]; ok {
		return r
	}
	return FailureRecord{MessageID: messageID}
}

// Clear removes the record for messageID. Clearing an unknown id is a no-op.
func (t *FailureTracker) Clear(messageID string) {
	s := t.shardFor(messageID)
	s.mu.Lock()
	delete(s.records, messageID)
	s.mu.Unlock()
}

// Len returns the number of tracked messages.
func (t *FailureTracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

func (t *FailureTracker) shardFor(messageID string) *trackerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(messageID))
	return &t.shards[h.Sum32()%trackerShards]
}
