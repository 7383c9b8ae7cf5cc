package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/auth"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/config"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/mcp/oauth"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		httpAddr       string
		baseURL        string
		metricsEnabled bool
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authenticated MCP endpoint",
		Long: `Start the HTTP server exposing:

  /mcp                                      MCP streamable HTTP endpoint (authenticated)
  /.well-known/oauth-protected-resource     RFC 9728 protected resource metadata
  /.well-known/oauth-authorization-server   RFC 8414 metadata (OAuth proxy only)
  /oauth/register, /oauth/authorize,
  /oauth/callback, /oauth/token             OAuth 2.1 proxy (when oauth.enabled)
  /healthz, /readyz, /healthz/detailed      Health probes

Prometheus metrics are served on a separate listener (metrics.addr).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// Flags override the file and environment only when set.
			if cmd.Flags().Changed("http-addr") {
				cfg.Server.Addr = httpAddr
			}
			if cmd.Flags().Changed("base-url") {
				cfg.Server.BaseURL = baseURL
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("metrics-enabled") {
				cfg.Metrics.Enabled = metricsEnabled
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}

			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP server address (overrides server.addr)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Public base URL, used as OAuth issuer (overrides server.base_url). Example: https://crm.example.com")
	cmd.Flags().BoolVar(&metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port (overrides metrics.enabled)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Metrics server address (overrides metrics.addr)")

	return cmd
}

func runServe(cfg *config.Config) error {
	logger := newLogger(cfg.Logging)

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dir, err := openDirectory(ctx, cfg.Directory, logger)
	if err != nil {
		return err
	}
	defer dir.Close()

	strategies, err := buildStrategies(ctx, cfg, dir, logger)
	if err != nil {
		return err
	}

	instrConfig, err := instrumentation.LoadConfig()
	if err != nil {
		return err
	}
	instrConfig.ServiceVersion = version
	instrConfig.Deployment = deploymentInfo(cfg, strategies)
	provider, err := instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("instrumentation shutdown failed", "error", err)
		}
	}()
	metrics := provider.Metrics()

	manager := auth.NewManager(logger, strategies, auth.WithMetrics(metrics))

	store, err := openOAuthStore(cfg.Storage, logger, metrics)
	if err != nil {
		return err
	}
	defer store.Close()

	proxyConfig := cfg.OAuthProxyConfig()
	proxyConfig.Logger = logger
	proxyConfig.Metrics = metrics
	oauthHandler, err := oauth.NewHandler(proxyConfig, store)
	if err != nil {
		return fmt.Errorf("failed to create OAuth handler: %w", err)
	}

	serverContext := server.NewServerContext(ctx,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithAuditLogger(instrumentation.NewAuditLoggerWithConfig(logger, instrConfig.AuditLogging)))
	defer serverContext.Shutdown()

	sessions := server.NewSessionManager(
		server.WithIdleTimeout(cfg.Sessions.IdleTimeout),
		server.WithSessionCleanupInterval(cfg.Sessions.CleanupInterval),
		server.WithSessionLogger(logger),
		server.WithSessionMetrics(metrics))
	defer sessions.Stop()

	health := server.NewHealthChecker(serverContext)
	health.SetSessionCounter(sessions.Count)
	health.AddCheck("directory", dir.Ping)
	if p, ok := store.(pinger); ok {
		health.AddCheck("oauth_store", p.Ping)
	}

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled && provider.PrometheusEnabled() {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    cfg.Metrics.Addr,
			InstrumentationProvider: provider,
			Logger:                  logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", "error", err)
			}
		}()
	}

	httpServer, err := server.NewOAuthHTTPServer(server.HTTPServerConfig{
		Addr:          cfg.Server.Addr,
		MCPServer:     newMCPServer(serverContext),
		OAuthHandler:  oauthHandler,
		Authenticator: manager,
		Sessions:      sessions,
		Health:        health,
		Realm:         cfg.Server.Realm,
		APIKeyHeader:  cfg.APIKeys.Header,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	}

	logger.Info("HTTP server gracefully stopped")
	return nil
}

// pinger is implemented by stores backed by a remote service.
type pinger interface {
	Ping(ctx context.Context) error
}
