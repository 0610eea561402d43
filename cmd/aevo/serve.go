package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"aevo/internal/metrics"
)

// metricsServer exposes /metrics while a long-running command is active.
type metricsServer struct {
	server *http.Server
	logger *slog.Logger
	errCh  chan error
}

// startMetricsServer listens on addr and serves the Prometheus registry.
// An empty addr disables the server and returns nil.
func startMetricsServer(addr string, logger *slog.Logger) (*metricsServer, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s := &metricsServer{
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
		errCh:  make(chan error, 1),
	}

	go func() {
		logger.Info("Serving metrics", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.errCh <- err
		}
		close(s.errCh)
	}()
	return s, nil
}

// Errors delivers a serve failure. Nil receivers return a nil channel.
func (s *metricsServer) Errors() <-chan error {
	if s == nil {
		return nil
	}
	return s.errCh
}

// Shutdown stops the server, waiting up to 10s for open requests.
func (s *metricsServer) Shutdown() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Error during metrics shutdown", "error", err)
	}
}
