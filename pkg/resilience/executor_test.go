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

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecutor_Do_Fixed_NoRetry(t *testing.T) {
	ex, err := NewExecutor(Fixed(0, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("new executor error: %v", err)
	}

	calls := 0
	op := func(context.Context) error {
		calls++
		return errors.New("fail")
	}

	if err := ex.Do(context.Background(), op); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestExecutor_Do_BoundedRetries(t *testing.T) {
	var retries []int
	exhaustedAfter := -1
	ex, err := NewExecutor(Fixed(3, time.Millisecond),
		WithOnRetry(func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }),
		WithOnExhausted(func(_ error, n int) { exhaustedAfter = n }))
	if err != nil {
		t.Fatalf("new executor error: %v", err)
	}

	calls := 0
	failure := errors.New("fail")
	err = ex.Do(context.Background(), func(context.Context) error {
		calls++
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
	if len(retries) != 3 || retries[2] != 3 {
		t.Fatalf("unexpected retry callbacks %v", retries)
	}
	if exhaustedAfter != 3 {
		t.Fatalf("expected exhausted after 3 retries, got %d", exhaustedAfter)
	}
}

func TestExecutor_Do_Unlimited(t *testing.T) {
	ex, err := NewExecutor(Fixed(UnlimitedRetries, 0))
	if err != nil {
		t.Fatalf("new executor error: %v", err)
	}

	calls := 0
	err = ex.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 50 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 50 {
		t.Fatalf("expected 50 calls, got %d", calls)
	}
}

func TestExecutor_Do_NonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	ex, err := NewExecutor(Fixed(5, time.Millisecond),
		WithShouldRetry(func(err error) bool { return !errors.Is(err, permanent) }))
	if err != nil {
		t.Fatalf("new executor error: %v", err)
	}

	calls := 0
	err = ex.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected single call returning permanent error, got calls=%d err=%v", calls, err)
	}
}

func TestExecutor_Do_ContextCanceledDuringDelay(t *testing.T) {
	ex, err := NewExecutor(Fixed(UnlimitedRetries, time.Hour))
	if err != nil {
		t.Fatalf("new executor error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	err = ex.Do(ctx, func(context.Context) error {
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExecutor_Do_Linear(t *testing.T) {
	var delays []time.Duration
	ex, err := NewExecutor(Linear(2, time.Millisecond),
		WithOnRetry(func(_ int, _ error, delay time.Duration) { delays = append(delays, delay) }))
	if err != nil {
		t.Fatalf("new executor error: %v", err)
	}

	calls := 0
	err = ex.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(delays) != 2 || delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Fatalf("unexpected delays %v", delays)
	}
}

func TestExecutor_Do_NoneStrategy(t *testing.T) {
	ex, err := NewExecutor(Config{MaxRetries: 5, Strategy: StrategyNone})
	if err != nil {
		t.Fatalf("new executor error: %v", err)
	}
	calls := 0
	_ = ex.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestConfig_Validate(t *testing.T) {
	bad := []Config{
		{MaxRetries: -2},
		{InitialDelay: -1},
		{MaxDelay: -1},
		{Strategy: "EXPONENTIAL"},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}

	good := Fixed(UnlimitedRetries, time.Second)
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !good.Unlimited() {
		t.Fatalf("expected unlimited")
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(" linear "); err != nil || s != StrategyLinear {
		t.Fatalf("got %q, %v", s, err)
	}
	if s, err := ParseStrategy(""); err != nil || s != StrategyFixed {
		t.Fatalf("got %q, %v", s, err)
	}
	if _, err := ParseStrategy("bogus"); err == nil {
		t.Fatalf("expected error")
	}
}
