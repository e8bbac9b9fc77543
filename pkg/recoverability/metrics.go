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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsObserver turns recovery events into Prometheus metrics.
type MetricsObserver struct {
	FLRRetries       prometheus.Counter
	FLRExhausted     prometheus.Counter
	SLRScheduled     prometheus.Counter
	SLRExhausted     prometheus.Counter
	SentToErrorQueue prometheus.Counter
	SLRDelay         prometheus.Histogram
}

// NewMetricsObserver creates the metrics and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	const namespace, subsystem = "recoverbus", "recoverability"

	return &MetricsObserver{
		FLRRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flr_retries_total",
			Help:      "Total number of immediate retries",
		}),
		FLRExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flr_exhausted_total",
			Help:      "Total number of messages that exhausted immediate retries",
		}),
		SLRScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "slr_scheduled_total",
			Help:      "Total number of delayed retries scheduled",
		}),
		SLRExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "slr_exhausted_total",
			Help:      "Total number of messages that exhausted delayed retries",
		}),
		SentToErrorQueue: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "error_queue_total",
			Help:      "Total number of messages moved to the error queue",
		}),
		SLRDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "slr_delay_seconds",
			Help:      "Delay of scheduled delayed retries",
			Buckets:   prometheus.ExponentialBuckets(0.001, 10, 8),
		}),
	}
}

// Attach subscribes the observer to n and returns a function that detaches it.
func (m *MetricsObserver) Attach(n *Notifications) (detach func()) {
	return n.SubscribeAll(m.observe)
}

func (m *MetricsObserver) observe(e Event) {
	switch e.Kind {
	case EventRetrying:
		m.FLRRetries.Inc()
	case EventGivingUpFirstLevel:
		m.FLRExhausted.Inc()
	case EventScheduledForDelayedRetry:
		m.SLRScheduled.Inc()
		m.SLRDelay.Observe(e.Delay.Seconds())
	case EventGivingUpSecondLevel:
		m.SLRExhausted.Inc()
	case EventSentToErrorQueue:
		m.SentToErrorQueue.Inc()
	}
}
