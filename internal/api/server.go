// Package api serves the timeline over HTTP: event queries, interaction
// ingestion, markdown export, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"devtimeline/internal/health"
	"devtimeline/internal/logging"
	"devtimeline/internal/metrics"
	"devtimeline/internal/recorder"
	"devtimeline/internal/report"
	"devtimeline/internal/store"
)

// EventReader is the read side of the store the server needs.
type EventReader interface {
	store.Querier
	Get(ctx context.Context, id int64) (*store.Event, error)
}

// Deps are the components the server exposes. Health and Metrics may be
// nil, in which case their routes are not registered.
type Deps struct {
	Events   EventReader
	Recorder *recorder.Recorder
	Reporter *report.Reporter
	Health   *health.Checker
	Metrics  *metrics.Metrics
}

// Config configures the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxLimit caps the limit query parameter.
	MaxLimit int

	// MetricsPath defaults to /metrics.
	MetricsPath string
}

// Server is the timeline HTTP server.
type Server struct {
	deps   Deps
	cfg    Config
	logger *logging.Logger
	server *http.Server
}

// New creates a server. Call Run to listen.
func New(deps Deps, cfg Config, logger *logging.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8010"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{deps: deps, cfg: cfg, logger: logger.WithComponent("api")}
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// Handler returns the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/events/{id}", s.handleEvent)
	mux.HandleFunc("POST /v1/interactions", s.handleInteraction)
	mux.HandleFunc("POST /v1/export", s.handleExport)

	if s.deps.Health != nil {
		mux.Handle("GET /health", s.deps.Health.HealthHandler())
		mux.Handle("GET /health/live", s.deps.Health.LivenessHandler())
		mux.Handle("GET /health/ready", s.deps.Health.ReadinessHandler())
	}
	if s.deps.Metrics != nil {
		mux.Handle("GET "+s.cfg.MetricsPath, s.deps.Metrics.Handler())
	}

	return s.withRequestID(s.withLogging(s.withRecovery(mux)))
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", l.Addr().String())
		errCh <- s.server.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}
