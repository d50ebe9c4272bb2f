// Copyright (c) Rendezvous Authors.
// Licensed under the MIT License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/rendezvous"
	"github.com/BaSui01/rendezvous/bridge"
	"github.com/BaSui01/rendezvous/config"
	"github.com/BaSui01/rendezvous/internal/metrics"
	"github.com/BaSui01/rendezvous/internal/server"
	"github.com/BaSui01/rendezvous/internal/telemetry"
	"github.com/BaSui01/rendezvous/ledger"
	"github.com/BaSui01/rendezvous/registry"
	"github.com/BaSui01/rendezvous/types"
)

// Server assembles the daemon: the local table, the optional stores
// around it, the bridge endpoint and the HTTP listeners.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	tel    *telemetry.Telemetry

	table *rendezvous.Local
	// serveTable is what the bridge exchanges against: the local table,
	// wrapped by the ledger recorder when the ledger is up.
	serveTable rendezvous.Table
	registry   *registry.Registry
	ledger     *ledger.Ledger

	collector     *metrics.Collector
	bridgeSrv     *bridge.Server
	healthHandler *HealthHandler

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer creates the daemon around a validated configuration.
func NewServer(cfg *config.Config, logger *zap.Logger, tel *telemetry.Telemetry) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		tel:    tel,
	}
}

// Start brings everything up in dependency order. A non-nil error means
// the daemon must not serve; Shutdown cleans up whatever already started.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("rendezvous", nil, s.logger)

	s.table = rendezvous.New(rendezvous.TableConfig{
		Shards:          s.cfg.Table.Shards,
		DispatchWorkers: s.cfg.Table.DispatchWorkers,
		DispatchQueue:   s.cfg.Table.DispatchQueue,
	}, s.logger)
	s.collector.RegisterTableStats(s.table.Stats)
	s.serveTable = s.table

	s.initStores()

	if err := s.initBridge(); err != nil {
		return fmt.Errorf("failed to init bridge: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.String("listen_addr", s.cfg.Server.ListenAddr),
		zap.String("metrics_addr", s.cfg.Server.MetricsAddr),
		zap.Bool("tls", s.cfg.Server.TLSCertFile != ""),
		zap.Bool("registry", s.registry != nil),
		zap.Bool("ledger", s.ledger != nil),
	)

	return nil
}

// initStores connects the optional registry and ledger. Neither is fatal
// at boot: the daemon still serves exchanges without them, it just runs
// without incarnation validation or the audit trail, and the readiness
// endpoint stays clean because only live stores register checks.
func (s *Server) initStores() {
	if s.cfg.Redis.Enabled {
		reg, err := registry.New(registry.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			KeyPrefix:    s.cfg.Redis.KeyPrefix,
			TTL:          s.cfg.Redis.TTL,
			MaxRetries:   s.cfg.Redis.MaxRetries,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		}, s.logger)
		if err != nil {
			s.logger.Warn("registry not available, incarnation validation disabled", zap.Error(err))
		} else {
			s.registry = reg
		}
	}

	if s.cfg.Database.Enabled {
		led, err := ledger.Open(ledger.Config{
			Driver:          s.cfg.Database.Driver,
			DSN:             s.cfg.Database.DSN(),
			MaxIdleConns:    s.cfg.Database.MaxIdleConns,
			MaxOpenConns:    s.cfg.Database.MaxOpenConns,
			ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
		}, s.logger)
		if err != nil {
			s.logger.Warn("ledger not available, exchanges will not be recorded", zap.Error(err))
		} else {
			s.ledger = led
			s.serveTable = ledger.NewRecorder(s.table, led, s.logger)
		}
	}
}

func (s *Server) initBridge() error {
	srv, err := bridge.NewServer(bridge.ServerConfig{
		AuthSecret:      s.cfg.Server.AuthSecret,
		FramesPerSecond: s.cfg.Server.FramesPerSecond,
		FrameBurst:      s.cfg.Server.FrameBurst,
		MaxFrameBytes:   s.cfg.Server.MaxFrameBytes,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
	}, s.serveTable, s.logger)
	if err != nil {
		return err
	}
	srv.SetMetrics(s.collector)
	if s.registry != nil {
		srv.SetKeyCheck(s.registry.ValidateKey)
	}
	s.bridgeSrv = srv
	return nil
}

// startHTTPServer mounts the bridge next to the health, readiness and
// version endpoints and starts the main listener.
func (s *Server) startHTTPServer() error {
	s.healthHandler = NewHealthHandler(s.logger)
	if s.registry != nil {
		s.healthHandler.RegisterCheck(pingCheck{name: "redis", ping: s.registry.Ping})
	}
	if s.ledger != nil {
		s.healthHandler.RegisterCheck(pingCheck{name: "database", ping: s.ledger.Ping})
	}

	mux := http.NewServeMux()
	mux.Handle(bridge.DefaultPath, s.bridgeSrv)

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// Without a dedicated metrics listener the scrape endpoint shares
	// the main mux.
	if s.cfg.Server.MetricsAddr == "" {
		mux.Handle("/metrics", promhttp.Handler())
	}

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
	)

	serverConfig := server.Config{
		Addr: s.cfg.Server.ListenAddr,
		// Read and write deadlines stay zero: the bridge endpoint
		// hijacks the connection for WebSocket, and deadlines armed at
		// request start would survive the hijack and cut long-lived
		// sessions. The bridge enforces its own per-frame limits.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		MaxConns:          s.cfg.Server.MaxConns,
		ShutdownTimeout:   s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if s.cfg.Server.TLSCertFile != "" {
		return s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	}
	return s.httpManager.Start()
}

// startMetricsServer exposes /metrics on its own listener so scrapes
// never compete with bridge traffic. Skipped when metrics_addr is empty.
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = s.cfg.Server.MetricsAddr
	serverConfig.ShutdownTimeout = s.cfg.Server.ShutdownTimeout

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks until a termination signal arrives or a
// listener fails, then drains the daemon.
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	// A nil manager leaves its channel nil, which never fires.
	var httpErrs, metricsErrs <-chan error
	if s.httpManager != nil {
		httpErrs = s.httpManager.Errors()
	}
	if s.metricsManager != nil {
		metricsErrs = s.metricsManager.Errors()
	}

	select {
	case sig := <-quit:
		s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-httpErrs:
		s.logger.Error("HTTP server failed", zap.Error(err))
	case err := <-metricsErrs:
		s.logger.Error("metrics server failed", zap.Error(err))
	}

	s.Shutdown()
}

// Shutdown drains the daemon. The table aborts first so every parked
// exchange resolves to ABORTED and the bridge can still deliver those
// results before its connections close.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.table != nil {
		s.table.StartAbort(types.NewError(types.ErrAborted, "server shutting down"))
	}

	if s.bridgeSrv != nil {
		if err := s.bridgeSrv.Close(); err != nil {
			s.logger.Error("bridge shutdown error", zap.Error(err))
		}
	}

	var g errgroup.Group
	if s.httpManager != nil {
		g.Go(func() error { return s.httpManager.Shutdown(ctx) })
	}
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Shutdown(ctx) })
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("listener shutdown error", zap.Error(err))
	}

	if s.table != nil {
		s.table.Close()
	}

	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			s.logger.Error("ledger shutdown error", zap.Error(err))
		}
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			s.logger.Error("registry shutdown error", zap.Error(err))
		}
	}

	if err := s.tel.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("graceful shutdown completed")
}
