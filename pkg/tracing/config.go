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

package tracing

import (
	"errors"
	"fmt"
	"time"
)

// Exporter kinds.
const (
	ExporterConsole  = "console"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Config controls the tracer provider of a recoverbus process.
type Config struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string        `yaml:"serviceName" mapstructure:"serviceName"`
	Exporter    string        `yaml:"exporter" mapstructure:"exporter"`
	Endpoint    string        `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool          `yaml:"insecure" mapstructure:"insecure"`
	SampleRate  float64       `yaml:"sampleRate" mapstructure:"sampleRate"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns a disabled configuration with console export.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "recoverbus",
		Exporter:    ExporterConsole,
		SampleRate:  1.0,
		Timeout:     10 * time.Second,
	}
}

// Validate validates the tracing configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return errors.New("serviceName is required when tracing is enabled")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sampleRate must be between 0.0 and 1.0, got %v", c.SampleRate)
	}
	switch c.Exporter {
	case ExporterConsole:
	case ExporterOTLPHTTP, ExporterOTLPGRPC:
		if c.Endpoint == "" {
			return fmt.Errorf("endpoint is required for exporter %s", c.Exporter)
		}
	default:
		return fmt.Errorf("unsupported exporter type: %s", c.Exporter)
	}
	return nil
}
