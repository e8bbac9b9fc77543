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

package criticalerror

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	labels []string
}

func (r *recorder) action(label string, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, label)
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.labels...)
}

func TestRaisesBeforeArmingAreReplayedInOrder(t *testing.T) {
	h := NewHub(WithLogger(zap.NewNop()))
	rec := &recorder{}

	h.Raise("first", errors.New("a"))
	h.Raise("second", errors.New("b"))
	assert.Equal(t, Unarmed, h.State())
	assert.Equal(t, 2, h.Pending())
	assert.Empty(t, rec.snapshot())

	require.NoError(t, h.Arm(rec.action))
	assert.Equal(t, Armed, h.State())
	assert.Equal(t, 0, h.Pending())
	assert.Equal(t, []string{"first", "second"}, rec.snapshot())
}

func TestRaisesAfterArmingAreDeliveredImmediately(t *testing.T) {
	h := NewHub(WithLogger(zap.NewNop()))
	rec := &recorder{}
	require.NoError(t, h.Arm(rec.action))

	h.Raise("late", errors.New("c"))
	assert.Equal(t, []string{"late"}, rec.snapshot())
	assert.Equal(t, 0, h.Pending())
}

func TestActionMayRaiseWhileBufferedErrorsReplay(t *testing.T) {
	h := NewHub(WithLogger(zap.NewNop()))
	rec := &recorder{}
	h.Raise("startup", errors.New("a"))

	armed := make(chan error, 1)
	go func() {
		armed <- h.Arm(func(label string, cause error) error {
			if label == "startup" {
				h.Raise("from-action", cause)
			}
			return rec.action(label, cause)
		})
	}()

	select {
	case err := <-armed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Arm did not return; delivered=%v", rec.snapshot())
	}
	assert.Equal(t, []string{"startup", "from-action"}, rec.snapshot())
	assert.Equal(t, 0, h.Pending())

	h.Raise("late", nil)
	assert.Equal(t, []string{"startup", "from-action", "late"}, rec.snapshot())
}

func TestArmOnlyOnce(t *testing.T) {
	h := NewHub(WithLogger(zap.NewNop()))
	assert.ErrorIs(t, h.Arm(nil), ErrNilAction)
	assert.Equal(t, Unarmed, h.State())

	require.NoError(t, h.Arm(func(string, error) error { return nil }))
	assert.ErrorIs(t, h.Arm(func(string, error) error { return nil }), ErrAlreadyArmed)
}

func TestFailingActionDoesNotAffectRaise(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := NewHub(WithLogger(zap.New(core)))

	calls := 0
	require.NoError(t, h.Arm(func(label string, _ error) error {
		calls++
		if label == "panic" {
			panic("boom")
		}
		return errors.New("action failed")
	}))

	assert.NotPanics(t, func() { h.Raise("error", errors.New("x")) })
	assert.NotPanics(t, func() { h.Raise("panic", errors.New("y")) })
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, logs.FilterMessage("critical error action failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("critical error action panicked").Len())
	assert.Equal(t, 2, logs.FilterMessage("critical error raised").Len())
}

func TestConcurrentRaiseAndArmNeitherDropsNorDuplicates(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := NewHub(WithLogger(zap.NewNop()))
		rec := &recorder{}

		const raisers, perRaiser = 8, 25
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < raisers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				for j := 0; j < perRaiser; j++ {
					h.Raise(fmt.Sprintf("%d-%d", i, j), nil)
				}
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, h.Arm(rec.action))
		}()
		close(start)
		wg.Wait()

		got := rec.snapshot()
		require.Len(t, got, raisers*perRaiser)
		seen := make(map[string]bool, len(got))
		for _, l := range got {
			assert.False(t, seen[l], "duplicate %s", l)
			seen[l] = true
		}

		// Per raiser the delivery order matches the raise order.
		last := make(map[int]int)
		for _, l := range got {
			var i, j int
			_, err := fmt.Sscanf(l, "%d-%d", &i, &j)
			require.NoError(t, err)
			if prev, ok := last[i]; ok {
				assert.Greater(t, j, prev)
			}
			last[i] = j
		}
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewHub(WithLogger(zap.NewNop()), WithRegisterer(reg))

	h.Raise("a", nil)
	require.NoError(t, h.Arm(func(label string, _ error) error {
		if label == "b" {
			return errors.New("nope")
		}
		return nil
	}))
	h.Raise("b", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WithLabelValues("buffered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WithLabelValues("action_failed")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unarmed", Unarmed.String())
	assert.Equal(t, "armed", Armed.String())
	assert.Equal(t, "unknown", State(7).String())
}
