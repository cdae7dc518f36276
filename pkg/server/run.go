package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// shutdownTimeout bounds how long in-flight requests may finish.
const shutdownTimeout = 10 * time.Second

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		_ = s.store.Close()
		return err
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
	case <-s.ctx.Done():
	}

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server and closes the store. Safe to call
// more than once.
func (s *Server) Shutdown() {
	s.cancel()

	s.mu.Lock()
	srv, sweeper := s.httpSrv, s.sweeper
	s.httpSrv, s.sweeper = nil, nil
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("HTTP shutdown", "err", err)
			_ = srv.Close()
		}
	}
	if sweeper != nil {
		<-sweeper
	}
	if srv != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("close store", "err", err)
		}
	}
}
