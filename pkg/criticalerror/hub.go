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

// Package criticalerror provides the process-wide sink for failures the
// recoverability engine cannot recover from.
//
// A Hub starts Unarmed and buffers every raise. The hosting application arms it
// exactly once with its escalation action, at which point the buffered raises are
// replayed in raise order before any later raise is delivered.
package criticalerror

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/logger"
)

// State is the arming state of a Hub.
type State int

const (
	// Unarmed means no action is registered yet; raises are buffered.
	Unarmed State = iota
	// Armed means raises go straight to the registered action.
	Armed
)

func (s State) String() string {
	switch s {
	case Unarmed:
		return "unarmed"
	case Armed:
		return "armed"
	default:
		return "unknown"
	}
}

// Action handles one critical error. Its error is logged and otherwise ignored.
type Action func(label string, cause error) error

var (
	// ErrAlreadyArmed is returned when Arm is called more than once.
	ErrAlreadyArmed = errors.New("critical error action already registered")
	// ErrNilAction is returned when Arm is called without an action.
	ErrNilAction = errors.New("critical error action must not be nil")
)

type raised struct {
	label string
	cause error
}

// Hub is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	state   State
	action  Action
	pending []raised
	// flushing is set while Arm replays pending; raises meanwhile join pending.
	flushing bool

	logger  *zap.Logger
	metrics *prometheus.CounterVec
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger used for raise and action failure logging.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithRegisterer registers a recoverbus_critical_errors_total counter on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(h *Hub) {
		if reg == nil {
			return
		}
		h.metrics = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "recoverbus",
			Name:      "critical_errors_total",
			Help:      "Critical errors raised, by how they were handled",
		}, []string{"outcome"})
	}
}

// NewHub creates an unarmed Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		state: Unarmed,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logger.Named("critical-error")
	}
	return h
}

// Raise reports a critical error. It never panics, never returns an error and
// never blocks on another raise, so it is safe to call from the action itself.
// Before arming, and while Arm is still replaying, the error is queued behind the
// buffered ones; afterwards it is handed to the action directly.
func (h *Hub) Raise(label string, cause error) {
	h.logger.Error("critical error raised", zap.String("label", label), zap.Error(cause))

	h.mu.Lock()
	if h.state == Unarmed || h.flushing {
		h.pending = append(h.pending, raised{label: label, cause: cause})
		h.mu.Unlock()
		h.count("buffered")
		return
	}
	action := h.action
	h.mu.Unlock()

	h.invoke(action, raised{label: label, cause: cause})
}

// Arm registers the escalation action and replays buffered raises in order.
func (h *Hub) Arm(action Action) error {
	if action == nil {
		return ErrNilAction
	}

	h.mu.Lock()
	if h.state == Armed {
		h.mu.Unlock()
		return ErrAlreadyArmed
	}
	h.state = Armed
	h.action = action
	h.flushing = true
	h.mu.Unlock()

	for {
		h.mu.Lock()
		pending := h.pending
		h.pending = nil
		if len(pending) == 0 {
			h.flushing = false
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()

		for _, r := range pending {
			h.invoke(action, r)
		}
	}
}

// State returns the current arming state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Pending returns the number of buffered raises.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *Hub) invoke(action Action, r raised) {
	defer func() {
		if p := recover(); p != nil {
			h.count("action_failed")
			h.logger.Error("critical error action panicked",
				zap.String("label", r.label),
				zap.Error(fmt.Errorf("panic: %v", p)))
		}
	}()
	if err := action(r.label, r.cause); err != nil {
		h.count("action_failed")
		h.logger.Error("critical error action failed", zap.String("label", r.label), zap.Error(err))
		return
	}
	h.count("delivered")
}

func (h *Hub) count(outcome string) {
	if h.metrics != nil {
		h.metrics.WithLabelValues(outcome).Inc()
	}
}
