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

package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	pkgconfig "github.com/innovationmech/recoverbus/pkg/config"
	"github.com/innovationmech/recoverbus/pkg/delayed"
	"github.com/innovationmech/recoverbus/pkg/messaging/kafka"
	"github.com/innovationmech/recoverbus/pkg/messaging/nats"
	"github.com/innovationmech/recoverbus/pkg/messaging/rabbitmq"
	"github.com/innovationmech/recoverbus/pkg/recoverability"
	"github.com/innovationmech/recoverbus/pkg/tracing"
)

// Transport kinds.
const (
	TransportInMemory = "inmemory"
	TransportNATS     = "nats"
	TransportKafka    = "kafka"
	TransportRabbitMQ = "rabbitmq"
)

// Timeout store kinds. StoreNone leaves delayed retries to the transport.
const (
	StoreNone     = "none"
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// ServiceConfig is the configuration of the recoverbus process.
type ServiceConfig struct {
	Endpoint       EndpointConfig        `mapstructure:"endpoint" yaml:"endpoint"`
	Recoverability recoverability.Config `mapstructure:"recoverability" yaml:"recoverability"`
	Transport      TransportConfig       `mapstructure:"transport" yaml:"transport"`
	Timeouts       TimeoutsConfig        `mapstructure:"timeouts" yaml:"timeouts"`
	Logging        LoggingConfig         `mapstructure:"logging" yaml:"logging"`
	Admin          AdminConfig           `mapstructure:"admin" yaml:"admin"`
	Tracing        tracing.Config        `mapstructure:"tracing" yaml:"tracing"`
	Sentry         SentryConfig          `mapstructure:"sentry" yaml:"sentry"`
}

// EndpointConfig names the endpoint and its input queue.
type EndpointConfig struct {
	Name        string `mapstructure:"name" yaml:"name" validate:"required"`
	InputQueue  string `mapstructure:"inputQueue" yaml:"inputQueue" validate:"required"`
	Concurrency int    `mapstructure:"concurrency" yaml:"concurrency" validate:"min=1"`
	// Publishers maps a publisher address to the message types it publishes.
	Publishers map[string][]string `mapstructure:"publishers" yaml:"publishers"`
}

// TransportConfig selects the broker and holds the settings of each kind.
type TransportConfig struct {
	Kind     string          `mapstructure:"kind" yaml:"kind" validate:"oneof=inmemory nats kafka rabbitmq"`
	NATS     nats.Config     `mapstructure:"nats" yaml:"nats"`
	Kafka    kafka.Config    `mapstructure:"kafka" yaml:"kafka"`
	RabbitMQ rabbitmq.Config `mapstructure:"rabbitmq" yaml:"rabbitmq"`
}

// TimeoutsConfig selects where delayed retries wait.
type TimeoutsConfig struct {
	Store    string                 `mapstructure:"store" yaml:"store" validate:"oneof=none memory redis postgres"`
	Manager  delayed.ManagerConfig  `mapstructure:"manager" yaml:"manager"`
	Redis    delayed.RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Postgres delayed.PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// LoggingConfig sets the global log level.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error dpanic panic fatal"`
}

// AdminConfig controls the HTTP server exposing health and metrics.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address" validate:"required_if=Enabled true"`
}

// SentryConfig enables critical error reporting when DSN is set.
type SentryConfig struct {
	DSN         string `mapstructure:"dsn" yaml:"dsn" validate:"omitempty,url"`
	Environment string `mapstructure:"environment" yaml:"environment"`
	Debug       bool   `mapstructure:"debug" yaml:"debug"`
}

// Default returns the configuration used when nothing overrides it.
func Default() ServiceConfig {
	rec := recoverability.DefaultConfig()
	rec.ErrorQueueAddress = "error"
	return ServiceConfig{
		Endpoint: EndpointConfig{
			Name:        "recoverbus",
			InputQueue:  "recoverbus",
			Concurrency: 1,
		},
		Recoverability: rec,
		Transport: TransportConfig{
			Kind:     TransportInMemory,
			NATS:     nats.DefaultConfig(),
			Kafka:    kafka.DefaultConfig(),
			RabbitMQ: rabbitmq.DefaultConfig(),
		},
		Timeouts: TimeoutsConfig{
			Store:   StoreNone,
			Manager: delayed.DefaultManagerConfig(),
			Redis:   delayed.DefaultRedisConfig(),
			Postgres: delayed.PostgresConfig{
				Table:       "recoverbus_timeouts",
				AutoMigrate: true,
			},
		},
		Logging: LoggingConfig{Level: "info"},
		Admin:   AdminConfig{Enabled: true, Address: ":9090"},
		Tracing: tracing.DefaultConfig(),
	}
}

var validate = validator.New()

// Validate checks struct constraints and the settings of the selected components.
func (c ServiceConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Recoverability.Validate(); err != nil {
		return err
	}
	switch c.Transport.Kind {
	case TransportNATS:
		if err := c.Transport.NATS.Validate(); err != nil {
			return err
		}
	case TransportKafka:
		if err := c.Transport.Kafka.Validate(); err != nil {
			return err
		}
	case TransportRabbitMQ:
		if strings.TrimSpace(c.Transport.RabbitMQ.URL) == "" {
			return fmt.Errorf("invalid configuration: transport.rabbitmq.url is required")
		}
	}
	switch c.Timeouts.Store {
	case StoreRedis:
		if c.Timeouts.Redis.Addr == "" {
			return fmt.Errorf("invalid configuration: timeouts.redis.addr is required")
		}
	case StorePostgres:
		if c.Timeouts.Postgres.DSN == "" {
			return fmt.Errorf("invalid configuration: timeouts.postgres.dsn is required")
		}
	case StoreNone:
		if c.Transport.Kind != TransportInMemory && c.Recoverability.SecondLevelRetries.MaxAttempts > 0 {
			return fmt.Errorf("invalid configuration: transport %s has no native delayed delivery, set timeouts.store", c.Transport.Kind)
		}
	}
	return nil
}

// Load reads the layered configuration of opts on top of Default and validates it.
func Load(opts pkgconfig.Options) (ServiceConfig, *pkgconfig.Manager, error) {
	m := pkgconfig.NewManager(opts)
	defaults, err := flatten(Default())
	if err != nil {
		return ServiceConfig{}, nil, err
	}
	m.SetDefaults(defaults)
	if err := m.Load(); err != nil {
		return ServiceConfig{}, nil, err
	}
	cfg, err := Decode(m)
	if err != nil {
		return ServiceConfig{}, nil, err
	}
	return cfg, m, nil
}

// Decode unmarshals the merged settings of m and validates them.
func Decode(m *pkgconfig.Manager) (ServiceConfig, error) {
	cfg := Default()
	if err := m.Unmarshal(&cfg); err != nil {
		return ServiceConfig{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg ServiceConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// flatten turns cfg into dotted keys so that every setting can be overridden
// from the environment.
func flatten(cfg ServiceConfig) (map[string]interface{}, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to decode defaults: %w", err)
	}
	out := make(map[string]interface{})
	flattenInto(out, "", tree)
	return out, nil
}

func flattenInto(out map[string]interface{}, prefix string, tree map[string]interface{}) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]interface{}); ok {
			flattenInto(out, key, sub)
			continue
		}
		out[key] = v
	}
}
