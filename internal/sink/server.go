package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/scan-intake/internal/provider"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// defaultMaxMessageSize is used when ServerConfig.MaxMessageSize is unset.
const defaultMaxMessageSize = 50 * 1024 * 1024

// ServerConfig holds the configuration for a capture relay.
type ServerConfig struct {
	// ListenAddr is the address ListenAndServe binds (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in greetings.
	Hostname string

	// Provider receives every parsed message.
	Provider provider.Provider

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize bounds the DATA payload in bytes.
	MaxMessageSize int
}

// Server accepts SMTP connections and delivers each message to the
// configured Provider.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// ListenAndServe binds ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On cancellation it
// stops accepting and waits up to 30 seconds for in-flight sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("capture relay listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Provider.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down capture relay")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session := NewSession(conn, s.auth, s.config.Provider, s.config.Hostname, s.config.TLSConfig, s.config.MaxMessageSize)
			session.Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
