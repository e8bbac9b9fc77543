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

// Package admin serves the health and metrics endpoints of a recoverbus process.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/innovationmech/recoverbus/pkg/criticalerror"
	"github.com/innovationmech/recoverbus/pkg/logger"
)

// HealthStatus is the overall state reported by /healthz.
type HealthStatus string

const (
	// HealthStatusHealthy means the endpoint runs with an armed critical error hub.
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusStarting means the hub is not armed yet.
	HealthStatusStarting HealthStatus = "starting"
	// HealthStatusUnhealthy means the receive loops have stopped.
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthReport is the body of /healthz.
type HealthReport struct {
	Status        HealthStatus `json:"status"`
	CriticalState string       `json:"critical_state"`
	PendingErrors int          `json:"pending_errors"`
	Timestamp     time.Time    `json:"timestamp"`
}

// EndpointState exposes the endpoint state the health check reads.
type EndpointState interface {
	Hub() *criticalerror.Hub
	Done() <-chan struct{}
}

// Server is the admin HTTP server.
type Server struct {
	address  string
	router   *gin.Engine
	endpoint EndpointState
	logger   *zap.Logger

	mu     sync.Mutex
	server *http.Server
	addr   string
}

// NewServer creates a server listening on address once started.
func NewServer(address string, gatherer prometheus.Gatherer, endpoint EndpointState) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		address:  address,
		router:   router,
		endpoint: endpoint,
		logger:   logger.Named("admin"),
	}
	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})))
	return s
}

// Handler returns the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Report computes the current health.
func (s *Server) Report() HealthReport {
	hub := s.endpoint.Hub()
	r := HealthReport{
		Status:        HealthStatusHealthy,
		CriticalState: hub.State().String(),
		PendingErrors: hub.Pending(),
		Timestamp:     time.Now().UTC(),
	}
	if hub.State() == criticalerror.Unarmed {
		r.Status = HealthStatusStarting
	}
	select {
	case <-s.endpoint.Done():
		r.Status = HealthStatusUnhealthy
	default:
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	r := s.Report()
	code := http.StatusOK
	if r.Status != HealthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, r)
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("admin server is already running")
	}

	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to create listener on %s: %w", s.address, err)
	}
	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", zap.Error(err))
		}
	}()
	s.logger.Info("admin server started", zap.String("address", s.addr))
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
