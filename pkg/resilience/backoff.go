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
	"math"
	"time"
)

// Strategy names how the delay grows between retries.
type Strategy string

const (
	StrategyFixed  Strategy = "FIXED"
	StrategyLinear Strategy = "LINEAR"
	// StrategyNone never retries.
	StrategyNone Strategy = "NONE"
)

// maxDelay bounds computed delays so that large attempt counts never overflow.
const maxDelay = time.Duration(math.MaxInt64)

// Calculator computes the delay before each retry.
type Calculator struct {
	cfg Config
}

// NewCalculator creates a Calculator for cfg.
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Delay returns the delay before retry number attempt (attempt >= 1).
func (c *Calculator) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := float64(c.cfg.InitialDelay)
	switch c.cfg.Strategy {
	case StrategyLinear:
		base *= float64(attempt)
	case StrategyNone:
		return 0
	default:
		// fixed
	}

	d := clamp(base)
	if c.cfg.MaxDelay > 0 && d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return d
}

func clamp(d float64) time.Duration {
	switch {
	case math.IsNaN(d) || d <= 0:
		return 0
	case d >= float64(maxDelay):
		return maxDelay
	default:
		return time.Duration(d)
	}
}
