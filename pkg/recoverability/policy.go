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
	"math"
	"time"

	"github.com/innovationmech/recoverbus/pkg/messaging"
	"github.com/innovationmech/recoverbus/pkg/resilience"
)

// StopRetrying is returned by a RetryPolicy to move the message to the error queue.
const StopRetrying = time.Duration(math.MinInt64)

// Defaults of the delayed retry policy.
const (
	DefaultSecondLevelMaxRetries   = 3
	DefaultSecondLevelTimeIncrease = 10 * time.Second
)

// RetryPolicy computes how long to wait before the next delayed retry of msg.
// Returning StopRetrying ends delayed retries.
type RetryPolicy func(msg *messaging.IncomingMessage) time.Duration

// DefaultRetryPolicy delays attempt n by n × timeIncrease and stops after maxRetries.
// The attempt number comes from the retries header carried by the message.
func DefaultRetryPolicy(maxRetries int, timeIncrease time.Duration) RetryPolicy {
	backoff := resilience.NewCalculator(resilience.Linear(maxRetries, timeIncrease))
	return func(msg *messaging.IncomingMessage) time.Duration {
		attempt := messaging.RetriesFromHeaders(msg.Headers) + 1
		if attempt > maxRetries {
			return StopRetrying
		}
		return backoff.Delay(attempt)
	}
}
