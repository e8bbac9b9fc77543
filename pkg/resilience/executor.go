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
	"time"
)

// ShouldRetryFn reports whether an error is retryable.
type ShouldRetryFn func(error) bool

// OnRetryFn is invoked before each retry with the retry number and planned delay.
type OnRetryFn func(attempt int, err error, delay time.Duration)

// OnExhaustedFn is invoked when the executor stops retrying a failing operation.
type OnExhaustedFn func(err error, retries int)

// Executor retries operations according to a Config.
type Executor struct {
	cfg         Config
	calc        *Calculator
	shouldRetry ShouldRetryFn
	onRetry     OnRetryFn
	onExhausted OnExhaustedFn
}

// NewExecutor creates a new Executor after validating the provided Config.
func NewExecutor(cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ex := &Executor{
		cfg:  cfg,
		calc: NewCalculator(cfg),
		shouldRetry: func(err error) bool {
			// Do not retry on context cancellation/deadline errors
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
	}
	for _, opt := range opts {
		opt(ex)
	}
	return ex, nil
}

// Option configures an Executor optional behavior.
type Option func(*Executor)

// WithShouldRetry overrides the retryable error decision function.
func WithShouldRetry(fn ShouldRetryFn) Option {
	return func(e *Executor) { e.shouldRetry = fn }
}

// WithOnRetry sets the retry callback.
func WithOnRetry(fn OnRetryFn) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// WithOnExhausted sets the on-exhausted callback.
func WithOnExhausted(fn OnExhaustedFn) Option {
	return func(e *Executor) { e.onExhausted = fn }
}

// Do runs op and retries it while it fails with a retryable error and retries
// remain. The last error of op is returned unchanged.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		if !e.shouldRetry(err) || e.exhausted(retries) {
			if e.onExhausted != nil {
				e.onExhausted(err, retries)
			}
			return err
		}

		retries++
		delay := e.calc.Delay(retries)
		if e.onRetry != nil {
			e.onRetry(retries, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (e *Executor) exhausted(retries int) bool {
	if e.cfg.Strategy == StrategyNone {
		return true
	}
	return !e.cfg.Unlimited() && retries >= e.cfg.MaxRetries
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
