// Package server wires the gopresence HTTP API, the QR session manager and
// the expiry sweeper together.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/NicolasHaas/gopresence/pkg/clock"
	"github.com/NicolasHaas/gopresence/pkg/crypto"
	"github.com/NicolasHaas/gopresence/pkg/datastore"
	"github.com/NicolasHaas/gopresence/pkg/httpapi"
	"github.com/NicolasHaas/gopresence/pkg/presence"
	"github.com/NicolasHaas/gopresence/pkg/qrtoken"
)

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store   datastore.DataProviderFactory
	Keyring *crypto.Keyring
	Clock   clock.Clock // nil = real time
}

// Server is the main gopresence server.
type Server struct {
	cfg     Config
	metrics *Metrics
	store   datastore.DataProviderFactory
	clock   clock.Clock
	manager *presence.Manager
	api     *httpapi.Handler
	auth    *httpapi.Authenticator

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
	sweeper  <-chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: missing store dependency")
	}
	if deps.Keyring == nil {
		return nil, errors.New("server: missing keyring dependency")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	codec, err := qrtoken.NewCodec(deps.Keyring)
	if err != nil {
		return nil, fmt.Errorf("server: token codec: %w", err)
	}

	metrics := NewMetrics()
	manager, err := presence.New(presence.Dependencies{
		Store:   deps.Store,
		Codec:   codec,
		Clock:   clk,
		Logger:  slog.Default(),
		Metrics: metrics,
	}, presence.Options{
		TTL:           cfg.QR.TTL,
		CheckoutAfter: cfg.QR.CheckoutAfter,
		Location:      loc,
	})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	auth, err := httpapi.NewAuthenticator([]byte(cfg.Auth.JWTSecret), clk.Now)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		metrics: metrics,
		store:   deps.Store,
		clock:   clk,
		manager: manager,
		auth:    auth,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.api, err = httpapi.NewHandler(httpapi.Options{
		Service: manager,
		Auth:    auth,
		Logger:  slog.Default(),
		Metrics: s.MetricsHandler(),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("server: %w", err)
	}
	return s, nil
}

// Manager returns the QR session manager.
func (s *Server) Manager() *presence.Manager {
	return s.manager
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP API handler.
func (s *Server) Handler() http.Handler {
	return s.api
}

// Authenticator returns the bearer token verifier, which can also issue
// tokens for provisioning.
func (s *Server) Authenticator() *httpapi.Authenticator {
	return s.auth
}

// Addr returns the bound API address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the API listener and launches the HTTP server, the metrics
// listener, periodic metric logs and the sweeper. It returns once the
// listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.HTTPAddr, err)
	}

	srv := &http.Server{
		Handler:           s.api,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	if s.cfg.TLS.Enabled() {
		cert, err := loadOrGenerateTLS(s.cfg.TLS)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: tls: %w", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		ln = tls.NewListener(ln, srv.TLSConfig)
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "err", err)
		}
	}()

	sweeper := presence.NewSweeper(s.manager, s.clock, s.cfg.QR.SweepInterval, slog.Default())
	done := sweeper.Start(s.ctx)
	s.mu.Lock()
	s.sweeper = done
	s.mu.Unlock()

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	slog.Info("gopresence server running",
		"http", ln.Addr().String(),
		"tls", s.cfg.TLS.Enabled(),
		"db", s.cfg.DB.Driver,
		"ttl", s.manager.TTL(),
	)
	return nil
}
