// Package server is the HTTP control surface: health, start/stop,
// stats, and the webhook entrypoint.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
	"trigger_engine/internal/core"
	"trigger_engine/internal/engine"
	"trigger_engine/internal/gateway"
)

// Server exposes the engine over plain HTTP. Mutations are POST only.
type Server struct {
	addr    string
	engine  *engine.Engine
	gateway *gateway.Gateway
	logger  core.ILogger
	srv     *http.Server
}

// New creates the control server. The gateway may be nil when the
// webhook surface is disabled.
func New(addr string, eng *engine.Engine, gw *gateway.Gateway, logger core.ILogger) *Server {
	return &Server{
		addr:    addr,
		engine:  eng,
		gateway: gw,
		logger:  logger.WithField("component", "http_server"),
	}
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/stats", s.handleStats)
	if s.gateway != nil {
		mux.HandleFunc("/webhook", s.handleWebhook)
		mux.HandleFunc("/webhook/recent", s.handleWebhookRecent)
	}
	return mux
}

// Run serves until the context ends. Implements the bootstrap Runner
// contract.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rep := s.engine.CheckHealth(r.Context())
	code := http.StatusOK
	if rep.Status == engine.HealthStale {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.engine.Resume()
	s.logger.Info("Engine start requested")
	writeJSON(w, http.StatusOK, map[string]string{"status": "starting"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.engine.Pause()
	s.logger.Info("Engine stop requested")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.gateway.HandleWebhook(w, r)
}

func (s *Server) handleWebhookRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.gateway.RecentLogs())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
