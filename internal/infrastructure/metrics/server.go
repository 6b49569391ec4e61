// Package metrics serves the Prometheus scrape endpoint on its own
// listener, kept apart from the control surface so operators can
// firewall the two independently.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"
	"trigger_engine/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server owns the scrape listener.
type Server struct {
	addr   string
	logger core.ILogger
	srv    *http.Server
}

// NewServer creates a scrape server on the given port.
func NewServer(port int, logger core.ILogger) *Server {
	return &Server{
		addr:   fmt.Sprintf(":%d", port),
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start serves /metrics in the background until Stop.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Metrics endpoint listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics listener stopped", "error", err)
		}
	}()
}

// Stop drains the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
