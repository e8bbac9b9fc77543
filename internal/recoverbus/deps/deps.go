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

package deps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/internal/recoverbus/config"
	"github.com/innovationmech/recoverbus/pkg/delayed"
	"github.com/innovationmech/recoverbus/pkg/host"
	"github.com/innovationmech/recoverbus/pkg/logger"
	"github.com/innovationmech/recoverbus/pkg/messaging"
	"github.com/innovationmech/recoverbus/pkg/messaging/inmemory"
	"github.com/innovationmech/recoverbus/pkg/messaging/kafka"
	"github.com/innovationmech/recoverbus/pkg/messaging/nats"
	"github.com/innovationmech/recoverbus/pkg/messaging/rabbitmq"
	"github.com/innovationmech/recoverbus/pkg/recoverability"
	"github.com/innovationmech/recoverbus/pkg/subscriptions"
	"github.com/innovationmech/recoverbus/pkg/tracing"
)

// ErrUnknownTransport is returned for a transport kind with no builder.
var ErrUnknownTransport = errors.New("unknown transport kind")

// ErrUnknownStore is returned for a timeout store kind with no builder.
var ErrUnknownStore = errors.New("unknown timeout store kind")

// Dependencies holds everything the serve command runs and must release.
type Dependencies struct {
	Config   config.ServiceConfig
	Registry *prometheus.Registry
	Tracing  *tracing.Provider
	Sentry   *sentry.Hub
	Endpoint *host.Endpoint

	// Broker is set for the inmemory transport.
	Broker *inmemory.Broker
	// Dispatcher sends to any queue of the configured transport.
	Dispatcher messaging.Dispatcher

	closers []func() error
}

// Option customizes NewDependencies.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	tracingOpts   []tracing.Option
	endpointOpts  []host.Option
	sentryOptions *sentry.ClientOptions
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracingOptions forwards options to tracing.Setup.
func WithTracingOptions(opts ...tracing.Option) Option {
	return func(o *options) { o.tracingOpts = append(o.tracingOpts, opts...) }
}

// WithEndpointOptions appends endpoint options after the ones built from config.
func WithEndpointOptions(opts ...host.Option) Option {
	return func(o *options) { o.endpointOpts = append(o.endpointOpts, opts...) }
}

// WithSentryClientOptions replaces the client options derived from config.
func WithSentryClientOptions(co sentry.ClientOptions) Option {
	return func(o *options) { o.sentryOptions = &co }
}

// NewDependencies builds the transport, timeout store, observability and the
// endpoint running h. On error every resource opened so far is released.
func NewDependencies(ctx context.Context, cfg config.ServiceConfig, h recoverability.Handler, opts ...Option) (_ *Dependencies, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.GetLogger()
	}

	d := &Dependencies{Config: cfg, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d.Tracing, err = tracing.Setup(ctx, cfg.Tracing, o.tracingOpts...)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.Tracing.Shutdown(sctx)
	})

	if err := d.setupSentry(cfg.Sentry, o.sentryOptions); err != nil {
		return nil, err
	}

	source, deferred, err := d.buildTransport(cfg, o.logger)
	if err != nil {
		return nil, err
	}

	endpointOpts := []host.Option{
		host.WithLogger(o.logger.Named("endpoint")),
		host.WithRegisterer(d.Registry),
		host.WithTracer(d.Tracing.Tracer()),
	}
	if d.Sentry != nil {
		endpointOpts = append(endpointOpts, host.WithSentry(d.Sentry))
	}

	timeouts, err := d.buildTimeouts(ctx, cfg, o.logger)
	if err != nil {
		return nil, err
	}
	switch {
	case timeouts != nil:
		endpointOpts = append(endpointOpts, host.WithTimeoutManager(timeouts))
	case deferred != nil:
		endpointOpts = append(endpointOpts, host.WithDeferredDelivery(deferred))
	}

	if len(cfg.Endpoint.Publishers) > 0 {
		pubs := subscriptions.NewPublishers()
		for address, types := range cfg.Endpoint.Publishers {
			pubs.AddByAddress(address, types...)
		}
		endpointOpts = append(endpointOpts, host.WithPublishers(pubs))
	}
	endpointOpts = append(endpointOpts, o.endpointOpts...)

	d.Endpoint, err = host.New(host.Config{
		Name:           cfg.Endpoint.Name,
		Recoverability: cfg.Recoverability,
	}, source, d.Dispatcher, h, endpointOpts...)
	if err != nil {
		return nil, err
	}

	o.logger.Info("dependencies initialized",
		zap.String("transport", cfg.Transport.Kind),
		zap.String("timeouts", cfg.Timeouts.Store),
		zap.Bool("tracing", cfg.Tracing.Enabled),
		zap.Bool("sentry", d.Sentry != nil))
	return d, nil
}

func (d *Dependencies) setupSentry(cfg config.SentryConfig, override *sentry.ClientOptions) error {
	var co sentry.ClientOptions
	switch {
	case override != nil:
		co = *override
	case cfg.DSN != "":
		co = sentry.ClientOptions{Dsn: cfg.DSN, Environment: cfg.Environment, Debug: cfg.Debug}
	default:
		return nil
	}
	client, err := sentry.NewClient(co)
	if err != nil {
		return fmt.Errorf("failed to create sentry client: %w", err)
	}
	d.Sentry = sentry.NewHub(client, sentry.NewScope())
	d.closers = append(d.closers, func() error {
		d.Sentry.Flush(2 * time.Second)
		return nil
	})
	return nil
}

// buildTransport sets d.Dispatcher and returns the input queue source. The
// deferred delivery is non-nil for transports that delay messages natively.
func (d *Dependencies) buildTransport(cfg config.ServiceConfig, l *zap.Logger) (messaging.MessageSource, recoverability.DeferredDelivery, error) {
	input := cfg.Endpoint.InputQueue
	errorQueue := cfg.Recoverability.ErrorQueueAddress

	switch cfg.Transport.Kind {
	case config.TransportInMemory:
		queues := []string{input, errorQueue}
		for address := range cfg.Endpoint.Publishers {
			queues = append(queues, address)
		}
		b := inmemory.NewBroker(queues, inmemory.WithLogger(l.Named("inmemory")))
		d.closers = append(d.closers, b.Close)
		d.Broker = b
		d.Dispatcher = b
		return b.Receiver(input, cfg.Endpoint.Concurrency), b, nil

	case config.TransportNATS:
		t, err := nats.Connect(cfg.Transport.NATS, l.Named("nats"))
		if err != nil {
			return nil, nil, err
		}
		d.closers = append(d.closers, func() error { return t.Close(5 * time.Second) })
		recv, err := t.Receiver(input)
		if err != nil {
			return nil, nil, err
		}
		d.Dispatcher = t.Dispatcher()
		return recv, nil, nil

	case config.TransportKafka:
		w := kafka.NewWriter(cfg.Transport.Kafka)
		r := kafka.NewReader(cfg.Transport.Kafka, input)
		d.closers = append(d.closers, w.Close, r.Close)
		d.Dispatcher = kafka.NewDispatcher(w, cfg.Transport.Kafka.TopicPrefix)
		return kafka.NewReceiver(r, input, l.Named("kafka")), nil, nil

	case config.TransportRabbitMQ:
		t, err := rabbitmq.Dial(cfg.Transport.RabbitMQ, l.Named("rabbitmq"))
		if err != nil {
			return nil, nil, err
		}
		d.closers = append(d.closers, t.Close)
		if err := t.DeclareQueues(input, errorQueue); err != nil {
			return nil, nil, err
		}
		d.Dispatcher = t.Dispatcher()
		return t.Receiver(input), nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTransport, cfg.Transport.Kind)
	}
}

func (d *Dependencies) buildTimeouts(ctx context.Context, cfg config.ServiceConfig, l *zap.Logger) (*delayed.Manager, error) {
	var store delayed.Store
	switch cfg.Timeouts.Store {
	case config.StoreNone:
		return nil, nil
	case config.StoreMemory:
		store = delayed.NewMemoryStore()
	case config.StoreRedis:
		s, err := delayed.NewRedisStore(ctx, cfg.Timeouts.Redis)
		if err != nil {
			return nil, err
		}
		store = s
	case config.StorePostgres:
		s, err := delayed.NewPostgresStore(ctx, cfg.Timeouts.Postgres)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, cfg.Timeouts.Store)
	}
	d.closers = append(d.closers, store.Close)
	return delayed.NewManager(store, d.Dispatcher, cfg.Timeouts.Manager,
		delayed.WithManagerLogger(l.Named("timeouts"))), nil
}

// Close releases resources in reverse order of creation.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
