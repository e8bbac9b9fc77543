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

// Package host runs an endpoint: a receive loop over the input queue protected
// by the recoverability pipeline, the timeout dispatcher satellite and the
// critical error hub that decides what happens when recovery itself fails.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/innovationmech/recoverbus/pkg/criticalerror"
	"github.com/innovationmech/recoverbus/pkg/delayed"
	"github.com/innovationmech/recoverbus/pkg/logger"
	"github.com/innovationmech/recoverbus/pkg/messaging"
	"github.com/innovationmech/recoverbus/pkg/recoverability"
	"github.com/innovationmech/recoverbus/pkg/subscriptions"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("endpoint already started")
	// ErrNotStarted is returned by Stop and Wait before Start.
	ErrNotStarted = errors.New("endpoint not started")
)

// Config configures an Endpoint.
type Config struct {
	// Name identifies the endpoint in logs and subscription messages.
	Name           string
	Recoverability recoverability.Config
}

// Endpoint is created with New, started once with Start and stopped with Stop.
type Endpoint struct {
	cfg        Config
	source     messaging.MessageSource
	dispatcher messaging.Dispatcher
	handler    recoverability.Handler

	hub           *criticalerror.Hub
	notifications *recoverability.Notifications
	pipeline      *recoverability.Pipeline
	timeouts      *delayed.Manager
	satellite     *recoverability.SatelliteRecovery
	subs          *subscriptions.Manager
	detach        func()

	// set by options
	logger     *zap.Logger
	registerer prometheus.Registerer
	tracer     trace.Tracer
	mutators   []recoverability.IncomingMutator
	deferred   recoverability.DeferredDelivery
	action     criticalerror.Action
	sentry     *sentry.Hub
	publishers *subscriptions.Publishers

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRegisterer registers recoverability and critical error metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Endpoint) { e.registerer = reg }
}

// WithTracer sets the tracer of the recoverability pipeline.
func WithTracer(t trace.Tracer) Option {
	return func(e *Endpoint) { e.tracer = t }
}

// WithMutators adds incoming mutators.
func WithMutators(mutators ...recoverability.IncomingMutator) Option {
	return func(e *Endpoint) { e.mutators = append(e.mutators, mutators...) }
}

// WithTimeoutManager enables delayed retries through m and runs its timeout
// dispatcher as a satellite of the endpoint.
func WithTimeoutManager(m *delayed.Manager) Option {
	return func(e *Endpoint) { e.timeouts = m }
}

// WithDeferredDelivery enables delayed retries through a transport that delays
// messages natively. It is ignored when a timeout manager is configured.
func WithDeferredDelivery(d recoverability.DeferredDelivery) Option {
	return func(e *Endpoint) { e.deferred = d }
}

// WithCriticalErrorAction replaces the default action, which stops the endpoint.
func WithCriticalErrorAction(a criticalerror.Action) Option {
	return func(e *Endpoint) { e.action = a }
}

// WithSentry reports critical errors to h before the action runs.
func WithSentry(h *sentry.Hub) Option {
	return func(e *Endpoint) { e.sentry = h }
}

// WithPublishers enables Subscribe and Unsubscribe for the registered message types.
func WithPublishers(p *subscriptions.Publishers) Option {
	return func(e *Endpoint) { e.publishers = p }
}

// New wires an endpoint receiving from source, dispatching through dispatcher
// and running handler for each message.
func New(cfg Config, source messaging.MessageSource, dispatcher messaging.Dispatcher, handler recoverability.Handler, opts ...Option) (*Endpoint, error) {
	if source == nil {
		return nil, messaging.NewConfigError("endpoint message source is required")
	}
	e := &Endpoint{cfg: cfg, source: source, dispatcher: dispatcher, handler: handler}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Named("endpoint")
	}
	if e.cfg.Name == "" {
		e.cfg.Name = source.Address()
	}
	e.logger = e.logger.With(zap.String("endpoint", e.cfg.Name))

	hubOpts := []criticalerror.Option{criticalerror.WithLogger(e.logger.Named("critical-error"))}
	if e.registerer != nil {
		hubOpts = append(hubOpts, criticalerror.WithRegisterer(e.registerer))
	}
	e.hub = criticalerror.NewHub(hubOpts...)
	e.notifications = recoverability.NewNotifications(e.logger.Named("notifications"))

	deps := recoverability.Dependencies{
		Dispatcher:       dispatcher,
		CriticalErrors:   e.hub,
		DeferredDelivery: e.deferred,
		Notifications:    e.notifications,
	}
	if e.timeouts != nil {
		deps.DeferredDelivery = e.timeouts
	}
	pipelineOpts := []recoverability.Option{
		recoverability.WithLogger(e.logger.Named("recoverability")),
		recoverability.WithMutators(e.mutators...),
	}
	if e.tracer != nil {
		pipelineOpts = append(pipelineOpts, recoverability.WithTracer(e.tracer))
	}
	p, err := recoverability.NewPipeline(cfg.Recoverability, handler, deps, pipelineOpts...)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", e.cfg.Name, err)
	}
	e.pipeline = p

	if e.timeouts != nil {
		e.satellite = recoverability.NewSatelliteRecovery(e.timeouts.Address(),
			cfg.Recoverability.SatelliteRetries.MaxAttempts, p.Forwarder(), e.hub, e.logger.Named("satellite"),
			recoverability.WithFailedMessage(delayed.OriginalMessage))
	}
	if e.registerer != nil {
		e.detach = recoverability.NewMetricsObserver(e.registerer).Attach(e.notifications)
	}
	if e.publishers != nil {
		e.subs = subscriptions.NewManager(e.publishers, source.Address(), e.cfg.Name, dispatcher,
			subscriptions.WithLogger(e.logger.Named("subscriptions")))
	}
	return e, nil
}

// Hub returns the critical error hub. Errors may be raised on it before Start.
func (e *Endpoint) Hub() *criticalerror.Hub { return e.hub }

// Notifications returns the registry recovery events are raised on.
func (e *Endpoint) Notifications() *recoverability.Notifications { return e.notifications }

// Pipeline returns the recoverability pipeline.
func (e *Endpoint) Pipeline() *recoverability.Pipeline { return e.pipeline }

// Start runs the receive loops in the background and then arms the critical
// error hub, replaying anything raised during startup.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true
	done := e.done
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return e.source.Run(gctx, e.pipeline.Invoke)
	})
	if e.timeouts != nil {
		g.Go(func() error {
			return e.timeouts.Run(gctx, e.satellite)
		})
	}
	go func() {
		err := g.Wait()
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		if err != nil {
			e.logger.Error("endpoint stopped with error", zap.Error(err))
		} else {
			e.logger.Info("endpoint stopped")
		}
		close(done)
	}()

	// Arm runs the action for buffered errors, so it is called without holding mu.
	action := e.action
	if action == nil {
		action = e.stopOnCriticalError
	}
	if err := e.hub.Arm(e.report(action)); err != nil {
		cancel()
		return err
	}
	e.logger.Info("endpoint started",
		zap.String("address", e.source.Address()),
		zap.String("error_queue", e.cfg.Recoverability.ErrorQueueAddress))
	return nil
}

func (e *Endpoint) report(action criticalerror.Action) criticalerror.Action {
	if e.sentry == nil {
		return action
	}
	return func(label string, cause error) error {
		e.sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("endpoint", e.cfg.Name)
			scope.SetTag("critical_error", label)
			scope.SetLevel(sentry.LevelFatal)
			e.sentry.CaptureException(cause)
		})
		return action(label, cause)
	}
}

// stopOnCriticalError is the default action. It must not wait for the loops
// because it runs on one of them.
func (e *Endpoint) stopOnCriticalError(label string, cause error) error {
	e.logger.Error("stopping endpoint after critical error", zap.String("label", label), zap.Error(cause))
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Done is closed once every receive loop has returned.
func (e *Endpoint) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Wait blocks until the receive loops return and reports the error that ended them.
func (e *Endpoint) Wait() error {
	done := e.Done()
	if done == nil {
		return ErrNotStarted
	}
	<-done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Stop cancels the receive loops and waits for them until ctx is done.
func (e *Endpoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("endpoint %s did not stop: %w", e.cfg.Name, ctx.Err())
	}
	if e.detach != nil {
		e.detach()
	}
	if e.sentry != nil {
		e.sentry.Flush(2 * time.Second)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Subscribe asks the publishers of messageType to send it to this endpoint.
func (e *Endpoint) Subscribe(ctx context.Context, messageType string, opts ...subscriptions.CallOption) error {
	if e.subs == nil {
		return messaging.NewConfigError("endpoint has no publishers configured")
	}
	return e.subs.Subscribe(ctx, messageType, opts...)
}

// Unsubscribe asks the publishers of messageType to stop sending it.
func (e *Endpoint) Unsubscribe(ctx context.Context, messageType string, opts ...subscriptions.CallOption) error {
	if e.subs == nil {
		return messaging.NewConfigError("endpoint has no publishers configured")
	}
	return e.subs.Unsubscribe(ctx, messageType, opts...)
}
