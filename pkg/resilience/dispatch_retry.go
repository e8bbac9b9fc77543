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
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// DefaultDispatchRetryDelay is the wait between attempts when a destination is missing.
const DefaultDispatchRetryDelay = 5 * time.Second

// RetryingDispatcherConfig configures NewRetryingDispatcher.
type RetryingDispatcherConfig struct {
	// MaxRetries bounds the retries after the first dispatch. UnlimitedRetries (the default) disables the bound.
	MaxRetries int `mapstructure:"maxRetries" yaml:"maxRetries"`
	// RetryDelay is waited before each retry.
	RetryDelay time.Duration `mapstructure:"retryDelay" yaml:"retryDelay"`
}

// DefaultRetryingDispatcherConfig retries forever every DefaultDispatchRetryDelay.
func DefaultRetryingDispatcherConfig() RetryingDispatcherConfig {
	return RetryingDispatcherConfig{MaxRetries: UnlimitedRetries, RetryDelay: DefaultDispatchRetryDelay}
}

// RetryingDispatcher retries dispatches that fail because a destination does not
// exist yet. Any other error is returned at once. When retries run out the
// destination-not-found error is returned unchanged.
type RetryingDispatcher struct {
	inner    messaging.Dispatcher
	executor *Executor
}

// NewRetryingDispatcher wraps inner. MaxRetries below UnlimitedRetries is rejected.
func NewRetryingDispatcher(inner messaging.Dispatcher, cfg RetryingDispatcherConfig, l *zap.Logger) (*RetryingDispatcher, error) {
	if l == nil {
		l = zap.NewNop()
	}
	executor, err := NewExecutor(Fixed(cfg.MaxRetries, cfg.RetryDelay),
		WithShouldRetry(messaging.IsDestinationNotFound),
		WithOnRetry(func(attempt int, err error, delay time.Duration) {
			l.Info("destination not found, retrying dispatch",
				zap.Int("retry", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}),
		WithOnExhausted(func(err error, retries int) {
			if messaging.IsDestinationNotFound(err) {
				l.Warn("destination still not found, giving up dispatch",
					zap.Int("retries", retries),
					zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return &RetryingDispatcher{inner: inner, executor: executor}, nil
}

// Dispatch implements messaging.Dispatcher.
func (d *RetryingDispatcher) Dispatch(ctx context.Context, ops messaging.TransportOperations) error {
	return d.executor.Do(ctx, func(ctx context.Context) error {
		return d.inner.Dispatch(ctx, ops)
	})
}
