package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"devtimeline/internal/logging"
	"devtimeline/internal/metrics"
)

// metricsServer exposes one Metrics registry at GET /metrics for the
// commands that have no HTTP server of their own.
type metricsServer struct {
	srv *http.Server
	l   net.Listener
}

// serveMetrics listens on addr and serves m. An empty addr returns a nil
// server, whose methods are no-ops.
func serveMetrics(addr string, m *metrics.Metrics, logger *logging.Logger) (*metricsServer, error) {
	if addr == "" {
		return nil, nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	ms := &metricsServer{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		l:   l,
	}

	go func() {
		if err := ms.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ms.Addr())
	return ms, nil
}

func (ms *metricsServer) Addr() string {
	if ms == nil {
		return ""
	}
	return ms.l.Addr().String()
}

func (ms *metricsServer) Close() {
	if ms == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = ms.srv.Shutdown(ctx)
}
