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
	"fmt"
	"time"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// Config holds the recoverability settings of an endpoint.
type Config struct {
	// ErrorQueueAddress is where messages go once every retry gave up. Required.
	ErrorQueueAddress string `mapstructure:"errorQueueAddress" yaml:"errorQueueAddress"`

	FirstLevelRetries  FirstLevelRetriesConfig  `mapstructure:"firstLevelRetries" yaml:"firstLevelRetries"`
	SecondLevelRetries SecondLevelRetriesConfig `mapstructure:"secondLevelRetries" yaml:"secondLevelRetries"`
	SatelliteRetries   SatelliteRetriesConfig   `mapstructure:"satelliteRetries" yaml:"satelliteRetries"`
}

// FirstLevelRetriesConfig configures immediate retries.
type FirstLevelRetriesConfig struct {
	MaxAttempts int `mapstructure:"maxAttempts" yaml:"maxAttempts"`
}

// SecondLevelRetriesConfig configures delayed retries.
type SecondLevelRetriesConfig struct {
	MaxAttempts  int           `mapstructure:"maxAttempts" yaml:"maxAttempts"`
	TimeIncrease time.Duration `mapstructure:"timeIncrease" yaml:"timeIncrease"`

	// CustomPolicy replaces the linear policy built from MaxAttempts and TimeIncrease.
	CustomPolicy RetryPolicy `mapstructure:"-" yaml:"-"`
}

// SatelliteRetriesConfig configures retries of auxiliary receive loops.
type SatelliteRetriesConfig struct {
	MaxAttempts int `mapstructure:"maxAttempts" yaml:"maxAttempts"`
}

// DefaultConfig returns the default settings. ErrorQueueAddress is left empty.
func DefaultConfig() Config {
	return Config{
		FirstLevelRetries: FirstLevelRetriesConfig{MaxAttempts: DefaultFirstLevelMaxRetries},
		SecondLevelRetries: SecondLevelRetriesConfig{
			MaxAttempts:  DefaultSecondLevelMaxRetries,
			TimeIncrease: DefaultSecondLevelTimeIncrease,
		},
		SatelliteRetries: SatelliteRetriesConfig{MaxAttempts: DefaultSatelliteMaxRetries},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ErrorQueueAddress == "" {
		return messaging.NewConfigError("recoverability.errorQueueAddress is required")
	}
	if c.FirstLevelRetries.MaxAttempts < 0 {
		return messaging.NewConfigError(fmt.Sprintf("recoverability.firstLevelRetries.maxAttempts must not be negative, got %d", c.FirstLevelRetries.MaxAttempts))
	}
	if c.SecondLevelRetries.MaxAttempts < 0 {
		return messaging.NewConfigError(fmt.Sprintf("recoverability.secondLevelRetries.maxAttempts must not be negative, got %d", c.SecondLevelRetries.MaxAttempts))
	}
	if c.SecondLevelRetries.TimeIncrease < 0 {
		return messaging.NewConfigError(fmt.Sprintf("recoverability.secondLevelRetries.timeIncrease must not be negative, got %s", c.SecondLevelRetries.TimeIncrease))
	}
	if c.SatelliteRetries.MaxAttempts < 0 {
		return messaging.NewConfigError(fmt.Sprintf("recoverability.satelliteRetries.maxAttempts must not be negative, got %d", c.SatelliteRetries.MaxAttempts))
	}
	return nil
}

// RetryPolicy returns the custom policy if set, otherwise the linear default.
func (c SecondLevelRetriesConfig) RetryPolicy() RetryPolicy {
	if c.CustomPolicy != nil {
		return c.CustomPolicy
	}
	return DefaultRetryPolicy(c.MaxAttempts, c.TimeIncrease)
}
