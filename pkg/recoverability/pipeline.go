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
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/logger"
	"github.com/innovationmech/recoverbus/pkg/messaging"
)

const tracerName = "github.com/innovationmech/recoverbus/pkg/recoverability"

// IncomingMutator transforms a received message before the handler sees it, e.g.
// decrypting the body. Mutators run inside first level retries.
type IncomingMutator func(msg *messaging.IncomingMessage) error

// Dependencies are the collaborators a Pipeline needs.
type Dependencies struct {
	// Dispatcher sends messages to the error queue. Required.
	Dispatcher messaging.Dispatcher
	// CriticalErrors receives escalation failures. Required.
	CriticalErrors CriticalErrorRaiser
	// DeferredDelivery enables delayed retries when set.
	DeferredDelivery DeferredDelivery
	// Notifications receives recovery events. A new registry is created when nil.
	Notifications *Notifications
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Stages log under named children of it.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTracer sets the tracer used for the per-receive span.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithMutators adds incoming mutators, applied in order.
func WithMutators(mutators ...IncomingMutator) Option {
	return func(p *Pipeline) {
		p.mutators = append(p.mutators, mutators...)
	}
}

// Pipeline runs a handler under MoveToErrorQueue(SecondLevelRetry(FirstLevelRetry(handler))).
// SecondLevelRetry is only present when a DeferredDelivery is configured.
type Pipeline struct {
	cfg           Config
	notifications *Notifications
	forwarder     *ErrorForwarder
	flr           *FirstLevelRetry
	slr           *SecondLevelRetry
	mte           *MoveToErrorQueue
	handler       Handler
	mutators      []IncomingMutator
	logger        *zap.Logger
	tracer        trace.Tracer
}

// NewPipeline validates cfg and composes the stages around handler.
func NewPipeline(cfg Config, handler Handler, deps Dependencies, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, messaging.NewConfigError("pipeline handler is required")
	}
	if deps.Dispatcher == nil {
		return nil, messaging.NewConfigError("pipeline dispatcher is required")
	}
	if deps.CriticalErrors == nil {
		return nil, messaging.NewConfigError("pipeline critical error hub is required")
	}

	p := &Pipeline{cfg: cfg, notifications: deps.Notifications}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.Named("recoverability")
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.notifications == nil {
		p.notifications = NewNotifications(p.logger)
	}

	p.forwarder = NewErrorForwarder(cfg.ErrorQueueAddress, deps.Dispatcher, p.notifications)
	p.flr = NewFirstLevelRetry(cfg.FirstLevelRetries.MaxAttempts, p.notifications, p.logger.Named("flr"))
	p.mte = NewMoveToErrorQueue(p.forwarder, deps.CriticalErrors, p.logger.Named("error-queue"))

	stages := []Stage{p.mte}
	if deps.DeferredDelivery != nil {
		p.slr = NewSecondLevelRetry(cfg.SecondLevelRetries.RetryPolicy(), deps.DeferredDelivery, p.notifications, p.logger.Named("slr"))
		stages = append(stages, p.slr)
	}
	stages = append(stages, p.flr)

	p.handler = Chain(HandlerFunc(p.process(handler)), stages...)
	return p, nil
}

// Notifications returns the registry recovery events are raised on.
func (p *Pipeline) Notifications() *Notifications { return p.notifications }

// Forwarder returns the error forwarder, shared with satellites.
func (p *Pipeline) Forwarder() *ErrorForwarder { return p.forwarder }

// FirstLevelRetry returns the immediate retry stage.
func (p *Pipeline) FirstLevelRetry() *FirstLevelRetry { return p.flr }

// SecondLevelRetry returns the delayed retry stage, or nil when delayed retries are disabled.
func (p *Pipeline) SecondLevelRetry() *SecondLevelRetry { return p.slr }

// Invoke runs one receive through the pipeline. It has the messaging.OnMessage
// signature. Only escalation failures are returned.
func (p *Pipeline) Invoke(ctx context.Context, rc *messaging.ReceiveContext) error {
	ctx, span := p.tracer.Start(ctx, "recoverability.invoke",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", rc.Message.MessageID),
			attribute.String("messaging.destination.name", rc.LocalAddress),
		))
	defer span.End()

	err := p.handler.Handle(ctx, rc)
	span.SetAttributes(attribute.Bool("recoverbus.receive.aborted", rc.ReceiveOperationAborted()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) process(handler Handler) func(ctx context.Context, rc *messaging.ReceiveContext) error {
	return func(ctx context.Context, rc *messaging.ReceiveContext) error {
		for _, m := range p.mutators {
			if err := m(rc.Message); err != nil {
				return err
			}
		}
		return handler.Handle(ctx, rc)
	}
}
