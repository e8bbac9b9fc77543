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

package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/internal/recoverbus/admin"
	svcconfig "github.com/innovationmech/recoverbus/internal/recoverbus/config"
	"github.com/innovationmech/recoverbus/internal/recoverbus/deps"
	"github.com/innovationmech/recoverbus/internal/recoverbus/handler"
	pkgconfig "github.com/innovationmech/recoverbus/pkg/config"
	"github.com/innovationmech/recoverbus/pkg/logger"
	"github.com/innovationmech/recoverbus/pkg/messaging"
)

const shutdownTimeout = 30 * time.Second

// Seed describes demo messages sent to the input queue after start.
type Seed struct {
	Messages int
	Failing  int
	Reason   string
}

// NewServeCmd creates a new serve command.
func NewServeCmd(opts *pkgconfig.Options) *cobra.Command {
	var seed Seed
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a recoverbus endpoint",
		Long: `Start a recoverbus endpoint with:
- The configured transport (inmemory, nats, kafka or rabbitmq)
- Immediate and delayed retries before the error queue
- Health and Prometheus metrics on the admin address`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			logger.InitLogger()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(*opts, seed)
		},
	}
	cmd.Flags().IntVar(&seed.Messages, "seed", 0, "Send this many demo messages to the input queue after start")
	cmd.Flags().IntVar(&seed.Failing, "seed-failing", 0, "Send this many demo messages that always fail")
	cmd.Flags().StringVar(&seed.Reason, "seed-reason", "simulated failure", "Error message of failing demo messages")
	return cmd
}

// runServer runs the endpoint until a signal arrives or the receive loops stop.
func runServer(opts pkgconfig.Options, seed Seed) error {
	cfg, manager, err := svcconfig.Load(opts)
	if err != nil {
		logger.Logger.Error("Failed to load configuration", zap.Error(err))
		return err
	}
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		logger.Logger.Warn("apply log level failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchConfig(ctx, manager)

	d, err := deps.NewDependencies(ctx, cfg, handler.NewLogging(nil), deps.WithLogger(logger.GetLogger()))
	if err != nil {
		logger.Logger.Error("Failed to create dependencies", zap.Error(err))
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Logger.Warn("Error while releasing resources", zap.Error(err))
		}
	}()

	if cfg.Admin.Enabled {
		srv := admin.NewServer(cfg.Admin.Address, d.Registry, d.Endpoint)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Stop(sctx)
		}()
	}

	if err := d.Endpoint.Start(ctx); err != nil {
		logger.Logger.Error("Failed to start endpoint", zap.Error(err))
		return err
	}
	if err := sendSeed(ctx, d.Dispatcher, cfg.Endpoint.InputQueue, seed); err != nil {
		logger.Logger.Warn("Failed to send demo messages", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		logger.Logger.Info("Shutdown signal received, stopping endpoint...")
	case <-d.Endpoint.Done():
		logger.Logger.Warn("Endpoint stopped on its own")
	}

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := d.Endpoint.Stop(sctx); err != nil {
		logger.Logger.Error("Error during endpoint shutdown", zap.Error(err))
		return err
	}
	logger.Logger.Info("Endpoint shutdown complete")
	return nil
}

// watchConfig applies logging.level changes without a restart.
func watchConfig(ctx context.Context, manager *pkgconfig.Manager) {
	w, err := pkgconfig.NewWatcher(manager, 500*time.Millisecond)
	if err == nil {
		err = w.Start(ctx)
	}
	if err != nil {
		logger.Logger.Debug("config watcher not started", zap.Error(err))
		return
	}
	go func() {
		for change := range w.Events() {
			if change.Err != nil {
				logger.Logger.Warn("config reload error", zap.Error(change.Err))
				continue
			}
			if v, ok := change.Settings["logging"].(map[string]interface{}); ok {
				if level, ok2 := v["level"].(string); ok2 && level != "" && level != logger.GetLevel() {
					if err := logger.SetLevel(level); err != nil {
						logger.Logger.Warn("apply log level failed", zap.Error(err))
					} else {
						logger.Logger.Info("log level updated via hot-reload", zap.String("level", logger.GetLevel()))
					}
				}
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = w.Stop()
	}()
}

// sendSeed dispatches the demo messages in one batch.
func sendSeed(ctx context.Context, d messaging.Dispatcher, queue string, seed Seed) error {
	total := seed.Messages + seed.Failing
	if total == 0 {
		return nil
	}
	ops := make(messaging.TransportOperations, 0, total)
	for i := 0; i < total; i++ {
		headers := map[string]string{}
		if i >= seed.Messages {
			headers[handler.HeaderFailWith] = seed.Reason
		}
		body := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		msg := messaging.NewOutgoingMessage(uuid.NewString(), headers, body)
		ops = append(ops, messaging.NewTransportOperation(msg, messaging.NewUnicastRoutingStrategy(queue)))
	}
	if err := d.Dispatch(ctx, ops); err != nil {
		return err
	}
	logger.Logger.Info("Demo messages sent", zap.Int("ok", seed.Messages), zap.Int("failing", seed.Failing))
	return nil
}
