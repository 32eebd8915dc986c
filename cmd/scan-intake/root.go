package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/scan-intake/internal/certs"
	"github.com/shineum/scan-intake/internal/config"
	"github.com/shineum/scan-intake/internal/httpapi"
	"github.com/shineum/scan-intake/internal/intake"
	"github.com/shineum/scan-intake/internal/provider"
	"github.com/shineum/scan-intake/internal/provider/graph"
	"github.com/shineum/scan-intake/internal/provider/ses"
	smtpprovider "github.com/shineum/scan-intake/internal/provider/smtp"
	"github.com/shineum/scan-intake/internal/provider/stdout"
	"github.com/shineum/scan-intake/internal/sink"
)

const shutdownTimeout = 15 * time.Second

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "scan-intake",
		Short:         "Accepts dental scan orders over HTTP and mails them to the lab",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")

	root.AddCommand(buildServeCommand(&configPath))
	root.AddCommand(buildSinkCommand(&configPath))
	return root
}

func buildServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP intake endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger := setupLogger(cfg.Logging.Level)

			// An incomplete configuration still serves: every submission is
			// answered with a configuration error until it is fixed.
			var prov provider.Provider
			if err := cfg.Validate(); err != nil {
				logger.Warn("configuration incomplete, submissions will be refused", "error", err)
			} else {
				prov, err = selectProvider(cmd.Context(), cfg)
				if err != nil {
					return err
				}
			}

			server, err := httpapi.NewServer(httpapi.Config{
				ListenAddr:     cfg.HTTP.Listen,
				AllowedOrigins: cfg.HTTP.AllowedOrigins,
				Settings:       cfg,
				Provider:       prov,
				Upload: intake.Options{
					Dir:           cfg.HTTP.UploadDir,
					MaxFileSize:   cfg.HTTP.MaxFileSize,
					MaxFieldBytes: cfg.HTTP.MaxFieldBytes,
				},
				// dial plus the whole transaction
				DispatchTimeout: 2 * cfg.Relay.Timeout,
				Verify:          cfg.Relay.Verify,
				VerifyTimeout:   cfg.Relay.Timeout,
				Logger:          logger,
			})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}

			logger.Info("shutting down intake server")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("failed to shut down: %w", err)
			}
			logger.Info("scan-intake stopped")
			return nil
		},
	}
}

func buildSinkCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sink",
		Short: "Run a local SMTP relay that prints every message it receives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger := setupLogger(cfg.Logging.Level)

			tlsConfig, err := certs.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			if err != nil {
				return fmt.Errorf("failed to set up TLS: %w", err)
			}

			tlsMode := "self-signed"
			if cfg.TLS.CertFile != "" {
				tlsMode = "file"
			}

			server := sink.New(sink.ServerConfig{
				ListenAddr:   cfg.Sink.Listen,
				Provider:     stdout.New(),
				TLSConfig:    tlsConfig,
				AuthUsername: cfg.Sink.Username,
				AuthPassword: cfg.Sink.Password,
			})

			logger.Info("starting capture relay",
				"listen", cfg.Sink.Listen,
				"auth_enabled", cfg.Sink.Username != "",
				"tls_mode", tlsMode,
			)

			// Blocks until the signal context is cancelled.
			if err := server.ListenAndServe(cmd.Context()); err != nil {
				return err
			}
			logger.Info("capture relay stopped")
			return nil
		},
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger installs a JSON slog logger at the given level as the default
// and returns it.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// selectProvider builds the delivery backend named by cfg.Provider.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		slog.Info("using SMTP relay provider",
			"host", cfg.Relay.Host,
			"port", cfg.Relay.Port,
			"implicit_tls", cfg.Relay.UseImplicitTLS(),
		)
		return smtpprovider.New(smtpprovider.Config{
			Host:               cfg.Relay.Host,
			Port:               cfg.Relay.Port,
			Username:           cfg.Relay.Username,
			Password:           cfg.Relay.Password,
			ImplicitTLS:        cfg.Relay.UseImplicitTLS(),
			Timeout:            cfg.Relay.Timeout,
			InsecureSkipVerify: cfg.Relay.InsecureSkipVerify,
		}), nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider", "region", cfg.SES.Region)
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider", "sender", cfg.Relay.From)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, errors.New("unknown provider: " + cfg.Provider)
	}
}
