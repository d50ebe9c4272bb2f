// Package server manages HTTP listener lifecycles for the daemon:
// non-blocking start, connection limiting, TLS, and graceful shutdown.
//
// This package is internal and should not be imported by external projects.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/BaSui01/rendezvous/internal/tlsutil"
)

// Config controls a managed listener.
type Config struct {
	// Addr is the TCP listen address, e.g. ":8080".
	Addr string `yaml:"addr" json:"addr"`

	// ReadTimeout and WriteTimeout bound individual requests. Leave them
	// zero for endpoints that hijack the connection (websockets); the
	// deadlines set at request start would survive the hijack.
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// ReadHeaderTimeout bounds header parsing and is safe for all
	// endpoints, hijacked or not.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`

	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes" json:"max_header_bytes"`

	// MaxConns caps concurrent accepted connections at the listener.
	// Zero means unlimited.
	MaxConns int `yaml:"max_conns" json:"max_conns"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns conservative settings for a plain HTTP endpoint.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Manager owns one http.Server and its listener. Start is non-blocking;
// serve errors surface on Errors.
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// NewManager builds a manager around handler. The server is not listening
// until Start or StartTLS is called.
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              config.Addr,
		Handler:           handler,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		IdleTimeout:       config.IdleTimeout,
		MaxHeaderBytes:    config.MaxHeaderBytes,
	}

	return &Manager{
		server: server,
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "http_server")),
	}
}

// Start opens the listener and serves in the background.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	listener, err := m.listen()
	if err != nil {
		return err
	}

	m.listener = listener
	m.logger.Info("starting HTTP server", zap.String("addr", listener.Addr().String()))
	go m.serve(listener)
	return nil
}

// StartTLS is Start with the hardened TLS configuration and the given
// certificate pair. Certificate problems are reported here, not from the
// serve goroutine.
func (m *Manager) StartTLS(certFile, keyFile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tlsCfg, err := tlsutil.ServerTLSConfig(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	m.server.TLSConfig = tlsCfg

	listener, err := m.listen()
	if err != nil {
		return err
	}

	m.listener = listener
	m.logger.Info("starting HTTPS server",
		zap.String("addr", listener.Addr().String()),
		zap.String("cert", certFile),
	)
	go m.serveTLS(listener)
	return nil
}

// listen opens and, when MaxConns is set, limits the listener. Callers
// hold m.mu.
func (m *Manager) listen() (net.Listener, error) {
	if m.closed {
		return nil, fmt.Errorf("server is closed")
	}
	if m.listener != nil {
		return nil, fmt.Errorf("server already started")
	}
	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	if m.config.MaxConns > 0 {
		listener = netutil.LimitListener(listener, m.config.MaxConns)
	}
	return listener, nil
}

func (m *Manager) serve(listener net.Listener) {
	if err := m.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		m.logger.Error("HTTP server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

func (m *Manager) serveTLS(listener net.Listener) {
	// Certificates already live in the server's TLSConfig.
	if err := m.server.ServeTLS(listener, "", ""); err != nil && err != http.ErrServerClosed {
		m.logger.Error("HTTPS server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown drains in-flight requests within the configured timeout. It is
// idempotent, and the manager cannot be started again afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}

	m.listener = nil
	m.logger.Info("HTTP server stopped")
	return nil
}

// Errors surfaces asynchronous serve failures. The channel never closes
// and holds at most one error.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr returns the configured listen address.
func (m *Manager) Addr() string {
	return m.config.Addr
}

// ListenAddr returns the bound address once started, which differs from
// Addr when the configuration asked for port 0. Nil before Start and
// after Shutdown.
func (m *Manager) ListenAddr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// IsRunning reports whether the manager has not been shut down.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
