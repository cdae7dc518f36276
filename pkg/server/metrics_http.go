package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/NicolasHaas/gopresence/pkg/model"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled. The API listener serves
// the same handler.
//
// Bind address is :9602 by default, configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.metricsRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// metricsRouter serves the metrics listener: Prometheus text on /metrics,
// the counter snapshot on /metrics.json and a liveness check on /healthz.
func (s *Server) metricsRouter() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", s.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/metrics.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.metrics.JSON()))
	}).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	return r
}

// MetricsHandler returns the Prometheus text handler.
func (s *Server) MetricsHandler() http.Handler {
	return http.HandlerFunc(s.handleMetrics)
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("gopresence_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("gopresence_tokens_issued_total", "QR tokens minted.", "counter",
		m.TokensIssued.Load())
	write("gopresence_sessions_revoked_total", "QR sessions revoked.", "counter",
		m.RevokedSessions.Load())
	write("gopresence_sessions_swept_total", "QR sessions expired by the sweeper.", "counter",
		m.SweptSessions.Load())

	write("gopresence_validations_succeeded_total", "Scans that recorded attendance.", "counter",
		m.ValidationsSucceeded.Load())
	write("gopresence_validations_invalid_total", "Malformed, forged or unknown tokens.", "counter",
		m.InvalidTokens.Load())
	write("gopresence_validations_expired_total", "Scans of expired tokens.", "counter",
		m.ExpiredTokens.Load())
	write("gopresence_validations_replayed_total", "Scans of already used tokens.", "counter",
		m.Replays.Load())
	write("gopresence_validations_revoked_total", "Scans of superseded tokens.", "counter",
		m.RevokedScans.Load())
	write("gopresence_validations_rejected_total", "Scans rejected by attendance rules.", "counter",
		m.BusinessRejections.Load())
	write("gopresence_validations_retryable_total", "Scans that hit a busy store.", "counter",
		m.RetryableFailures.Load())
	write("gopresence_errors_internal_total", "Unexpected failures.", "counter",
		m.InternalErrors.Load())

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	counts, err := s.manager.Counts(ctx)
	if err != nil {
		slog.Warn("metrics: count sessions", "err", err)
		return
	}
	_, _ = fmt.Fprintf(w, "# HELP gopresence_sessions Stored QR sessions by status.\n")
	_, _ = fmt.Fprintf(w, "# TYPE gopresence_sessions gauge\n")
	for _, status := range []model.SessionStatus{model.StatusActive, model.StatusConsumed, model.StatusExpired, model.StatusRevoked} {
		_, _ = fmt.Fprintf(w, "gopresence_sessions{status=%q} %d\n", status, counts[status])
	}
}
