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

// Package nats carries recoverbus messages over NATS JetStream. Each queue maps
// to a subject under a common prefix in one stream, received through a durable
// pull consumer.
package nats

import (
	"strings"
	"time"

	"github.com/innovationmech/recoverbus/pkg/messaging"
)

// Config configures the JetStream transport.
type Config struct {
	// URL is a comma separated list of seed servers.
	URL  string `mapstructure:"url" yaml:"url"`
	Name string `mapstructure:"name" yaml:"name"`

	// Stream holds every queue subject.
	Stream        string `mapstructure:"stream" yaml:"stream"`
	SubjectPrefix string `mapstructure:"subjectPrefix" yaml:"subjectPrefix"`

	FetchBatch int           `mapstructure:"fetchBatch" yaml:"fetchBatch"`
	FetchWait  time.Duration `mapstructure:"fetchWait" yaml:"fetchWait"`
	AckWait    time.Duration `mapstructure:"ackWait" yaml:"ackWait"`

	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts" yaml:"timeouts"`
}

// ReconnectConfig tunes automatic reconnection behaviour.
type ReconnectConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxAttempts int           `mapstructure:"maxAttempts" yaml:"maxAttempts"`
	Wait        time.Duration `mapstructure:"wait" yaml:"wait"`
	Jitter      time.Duration `mapstructure:"jitter" yaml:"jitter"`
}

// TimeoutConfig configures dial and ping timeouts.
type TimeoutConfig struct {
	Dial time.Duration `mapstructure:"dial" yaml:"dial"`
	Ping time.Duration `mapstructure:"ping" yaml:"ping"`
}

// DefaultConfig returns a configuration with sensible NATS defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://127.0.0.1:4222",
		Name:          "recoverbus",
		Stream:        "RECOVERBUS",
		SubjectPrefix: "recoverbus.",
		FetchBatch:    10,
		FetchWait:     time.Second,
		AckWait:       30 * time.Second,
		Reconnect: ReconnectConfig{
			Enabled:     true,
			MaxAttempts: -1,
			Wait:        2 * time.Second,
			Jitter:      500 * time.Millisecond,
		},
		Timeouts: TimeoutConfig{
			Dial: 5 * time.Second,
			Ping: 2 * time.Minute,
		},
	}
}

// Validate checks the settings the transport cannot run without.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.URL) == "":
		return messaging.NewConfigError("nats url is required")
	case c.Stream == "":
		return messaging.NewConfigError("nats stream is required")
	case c.FetchBatch <= 0:
		return messaging.NewConfigError("nats fetchBatch must be positive")
	case c.FetchWait <= 0:
		return messaging.NewConfigError("nats fetchWait must be positive")
	}
	return nil
}

func (c Config) subject(address string) string {
	return c.SubjectPrefix + address
}

// durableName derives a consumer name from a queue address. JetStream rejects
// dots and whitespace in durable names.
func durableName(address string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(address)
}
