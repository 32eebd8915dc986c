// Package httpapi serves the scan intake endpoint.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/shineum/scan-intake/internal/attachment"
	"github.com/shineum/scan-intake/internal/config"
	"github.com/shineum/scan-intake/internal/intake"
	"github.com/shineum/scan-intake/internal/provider"
)

const (
	defaultTimeout         = 5 * time.Second
	defaultDispatchTimeout = 30 * time.Second
	defaultVerifyTimeout   = 10 * time.Second
)

// Config captures all inputs required to construct the HTTP server.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string

	// Settings is checked on every request; delivery is refused while it
	// lacks required keys.
	Settings *config.Config

	// Provider delivers composed messages. It may be nil when Settings is
	// incomplete.
	Provider provider.Provider

	Upload          intake.Options
	DispatchTimeout time.Duration

	// Verify runs a pre-flight connection check before each send when the
	// provider supports it. A failed check is logged, not fatal.
	Verify bool
	// VerifyTimeout bounds the pre-flight check separately from the send.
	VerifyTimeout time.Duration

	Logger               *slog.Logger
	ReadHeaderTimeout    time.Duration
	ShutdownGraceTimeout time.Duration
}

// Server hosts the intake endpoint and the health check.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    *scanHandler
	logger     *slog.Logger
}

// NewServer wires Gin, middleware, and handlers.
func NewServer(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return nil, errors.New("httpapi: listen address is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("httpapi: settings are required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("httpapi: logger is required")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(cfg.Logger))
	engine.Use(buildCORS(cfg.AllowedOrigins))

	engine.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &scanHandler{
		settings:      cfg.Settings,
		provider:      cfg.Provider,
		upload:        cfg.Upload,
		timeout:       pickDuration(cfg.DispatchTimeout, defaultDispatchTimeout),
		verify:        cfg.Verify,
		verifyTimeout: pickDuration(cfg.VerifyTimeout, defaultVerifyTimeout),
		logger:        cfg.Logger,
		materialize:   attachment.Materialize,
	}
	engine.Any("/api/send-scan", handler.sendScan)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: pickDuration(cfg.ReadHeaderTimeout, defaultTimeout),
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		handler:    handler,
		logger:     cfg.Logger,
	}, nil
}

// Handler returns the root handler, for tests and embedding.
func (server *Server) Handler() http.Handler {
	return server.httpServer.Handler
}

// Start begins serving HTTP traffic.
func (server *Server) Start() error {
	server.logger.Info("intake server listening",
		"addr", server.config.ListenAddr,
		"provider", providerName(server.config.Provider),
	)
	err := server.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves HTTP traffic on ln.
func (server *Server) Serve(ln net.Listener) error {
	err := server.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully terminates the HTTP server.
func (server *Server) Shutdown(ctx context.Context) error {
	timeout := pickDuration(server.config.ShutdownGraceTimeout, defaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return server.httpServer.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		started := time.Now()
		contextGin.Next()
		logger.Info(
			"http_request_completed",
			"method", contextGin.Request.Method,
			"path", contextGin.Request.URL.Path,
			"status", contextGin.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}

func buildCORS(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowHeaders: []string{"Content-Type", "X-Requested-With"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func pickDuration(candidate time.Duration, fallback time.Duration) time.Duration {
	if candidate <= 0 {
		return fallback
	}
	return candidate
}

func providerName(p provider.Provider) string {
	if p == nil {
		return "none"
	}
	return p.Name()
}
