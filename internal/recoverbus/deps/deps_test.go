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
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/internal/recoverbus/config"
	"github.com/innovationmech/recoverbus/internal/recoverbus/handler"
)

func testServiceConfig() config.ServiceConfig {
	cfg := config.Default()
	cfg.Endpoint.Name = "orders"
	cfg.Endpoint.InputQueue = "orders"
	cfg.Recoverability.ErrorQueueAddress = "orders.error"
	cfg.Recoverability.FirstLevelRetries.MaxAttempts = 1
	cfg.Recoverability.SecondLevelRetries.MaxAttempts = 1
	cfg.Recoverability.SecondLevelRetries.TimeIncrease = time.Millisecond
	cfg.Timeouts.Manager.PollInterval = 5 * time.Millisecond
	return cfg
}

func waitForDepth(t *testing.T, d *Dependencies, queue string, depth int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.Broker.Depth(queue) == depth
	}, 5*time.Second, 5*time.Millisecond)
}

func startEndpoint(t *testing.T, d *Dependencies) {
	t.Helper()
	require.NoError(t, d.Endpoint.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Endpoint.Stop(ctx)
		assert.NoError(t, d.Close())
	})
}

func TestInMemoryNativeDelay(t *testing.T) {
	h := handler.NewLogging(zap.NewNop())
	d, err := NewDependencies(context.Background(), testServiceConfig(), h, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NotNil(t, d.Broker)
	startEndpoint(t, d)

	_, err = d.Broker.Send(context.Background(), "orders", map[string]string{handler.HeaderFailWith: "boom"}, []byte("poison"))
	require.NoError(t, err)
	_, err = d.Broker.Send(context.Background(), "orders", nil, []byte("ok"))
	require.NoError(t, err)

	waitForDepth(t, d, "orders.error", 1)
	assert.Equal(t, int64(1), h.Handled())
	// two rounds of one attempt plus one immediate retry
	assert.Equal(t, int64(4), h.Failed())
	assert.Equal(t, 1.0, counterValue(t, d, "recoverbus_recoverability_error_queue_total"))
}

func counterValue(t *testing.T, d *Dependencies, name string) float64 {
	t.Helper()
	families, err := d.Registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestInMemoryWithTimeoutStore(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Timeouts.Store = config.StoreMemory
	h := handler.NewLogging(zap.NewNop())

	d, err := NewDependencies(context.Background(), cfg, h, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	startEndpoint(t, d)

	_, err = d.Broker.Send(context.Background(), "orders", map[string]string{handler.HeaderFailWith: "boom"}, nil)
	require.NoError(t, err)

	waitForDepth(t, d, "orders.error", 1)
	assert.Equal(t, int64(4), h.Failed())
}

func TestSubscribeThroughPublishers(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Endpoint.Publishers = map[string][]string{"billing": {"InvoiceIssued"}}

	d, err := NewDependencies(context.Background(), cfg, handler.NewLogging(zap.NewNop()), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	startEndpoint(t, d)

	require.NoError(t, d.Endpoint.Subscribe(context.Background(), "InvoiceIssued"))
	waitForDepth(t, d, "billing", 1)
}

func TestSentryReceivesCriticalErrors(t *testing.T) {
	events := make(chan *sentry.Event, 1)
	co := sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			events <- event
			return nil
		},
	}
	d, err := NewDependencies(context.Background(), testServiceConfig(), handler.NewLogging(zap.NewNop()),
		WithLogger(zap.NewNop()), WithSentryClientOptions(co))
	require.NoError(t, err)
	require.NotNil(t, d.Sentry)
	startEndpoint(t, d)

	d.Endpoint.Hub().Raise("Failed to forward message to error queue", errors.New("boom"))

	select {
	case event := <-events:
		assert.Equal(t, "orders", event.Tags["endpoint"])
		assert.Equal(t, sentry.LevelFatal, event.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no sentry event")
	}
	select {
	case <-d.Endpoint.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint did not stop after critical error")
	}
	assert.NoError(t, d.Endpoint.Wait())
	critical, err := testutil.GatherAndCount(d.Registry, "recoverbus_critical_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, critical)
}

func TestUnknownKindsAreRejected(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Transport.Kind = "carrier-pigeon"
	_, err := NewDependencies(context.Background(), cfg, handler.NewLogging(zap.NewNop()), WithLogger(zap.NewNop()))
	assert.True(t, errors.Is(err, ErrUnknownTransport))

	cfg = testServiceConfig()
	cfg.Timeouts.Store = "floppy"
	_, err = NewDependencies(context.Background(), cfg, handler.NewLogging(zap.NewNop()), WithLogger(zap.NewNop()))
	assert.True(t, errors.Is(err, ErrUnknownStore))
}

func TestCloseJoinsErrors(t *testing.T) {
	var order []string
	d := &Dependencies{closers: []func() error{
		func() error { order = append(order, "first"); return errors.New("a") },
		func() error { order = append(order, "second"); return nil },
		func() error { order = append(order, "third"); return errors.New("b") },
	}}

	err := d.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
	assert.Equal(t, []string{"third", "second", "first"}, order)
	assert.NoError(t, d.Close())
}
