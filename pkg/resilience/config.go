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
	"fmt"
	"strings"
	"time"
)

// UnlimitedRetries makes an Executor retry until the operation succeeds, returns a
// non-retryable error or the context is done.
const UnlimitedRetries = -1

// Config describes how an Executor retries.
type Config struct {
	// MaxRetries is the number of retries after the first attempt. UnlimitedRetries disables the bound.
	MaxRetries int `mapstructure:"maxRetries" yaml:"maxRetries"`

	// InitialDelay is the delay before the first retry and the step of the linear strategy.
	InitialDelay time.Duration `mapstructure:"initialDelay" yaml:"initialDelay"`

	// MaxDelay caps a single delay (0 means no cap).
	MaxDelay time.Duration `mapstructure:"maxDelay" yaml:"maxDelay"`

	Strategy Strategy `mapstructure:"strategy" yaml:"strategy"`
}

// Fixed returns a configuration that waits delay between retries.
func Fixed(maxRetries int, delay time.Duration) Config {
	return Config{
		MaxRetries:   maxRetries,
		InitialDelay: delay,
		Strategy:     StrategyFixed,
	}
}

// Linear returns a configuration that waits n × step before retry n.
func Linear(maxRetries int, step time.Duration) Config {
	return Config{
		MaxRetries:   maxRetries,
		InitialDelay: step,
		Strategy:     StrategyLinear,
	}
}

// Unlimited reports whether retries are unbounded.
func (c *Config) Unlimited() bool {
	return c.MaxRetries == UnlimitedRetries
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxRetries < UnlimitedRetries {
		return fmt.Errorf("maxRetries must be >= 0 or %d for unlimited", UnlimitedRetries)
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("initialDelay cannot be negative")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("maxDelay cannot be negative")
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	return nil
}

// ParseStrategy parses a strategy name case-insensitively. Empty means fixed.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case "":
		return StrategyFixed, nil
	case StrategyFixed, StrategyLinear, StrategyNone:
		return st, nil
	default:
		return "", fmt.Errorf("unknown retry strategy %q", s)
	}
}
