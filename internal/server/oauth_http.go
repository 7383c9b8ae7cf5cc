package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/mcp/oauth"
)

// MCPEndpointPath is where the streamable HTTP transport is mounted.
const MCPEndpointPath = "/mcp"

// HTTPServerConfig holds the dependencies of the public listener.
type HTTPServerConfig struct {
	Addr string

	MCPServer     *mcpserver.MCPServer
	OAuthHandler  *oauth.Handler
	Authenticator Authenticator
	Sessions      *SessionManager
	Health        *HealthChecker

	Realm        string
	APIKeyHeader string
	Metrics      *instrumentation.Metrics
	Logger       *slog.Logger
}

// OAuthHTTPServer is the public HTTP listener: OAuth proxy and discovery
// endpoints, health probes and the authenticated MCP endpoint.
type OAuthHTTPServer struct {
	config     HTTPServerConfig
	handler    http.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// NewOAuthHTTPServer validates the configuration and assembles the routes.
// The issuer must be HTTPS unless it is a loopback address.
func NewOAuthHTTPServer(cfg HTTPServerConfig) (*OAuthHTTPServer, error) {
	if cfg.MCPServer == nil {
		return nil, errors.New("MCP server is required")
	}
	if cfg.OAuthHandler == nil {
		return nil, errors.New("OAuth handler is required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if err := oauth.RequireSecureURL(cfg.OAuthHandler.Config().Issuer); err != nil {
		return nil, fmt.Errorf("base URL: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Health == nil {
		cfg.Health = NewHealthChecker(nil)
	}

	s := &OAuthHTTPServer{config: cfg, logger: cfg.Logger}
	s.handler = s.routes()
	return s, nil
}

func (s *OAuthHTTPServer) routes() http.Handler {
	mux := http.NewServeMux()

	s.config.OAuthHandler.RegisterRoutes(mux)
	s.config.Health.RegisterHealthEndpoints(mux)

	opts := []mcpserver.StreamableHTTPOption{
		mcpserver.WithEndpointPath(MCPEndpointPath),
	}
	if s.config.Sessions != nil {
		opts = append(opts, mcpserver.WithSessionIdManager(s.config.Sessions))
	}
	streamable := mcpserver.NewStreamableHTTPServer(s.config.MCPServer, opts...)

	authMiddleware := NewAuthMiddleware(s.config.Authenticator, AuthMiddlewareConfig{
		Realm:               s.config.Realm,
		ResourceMetadataURL: s.config.OAuthHandler.ResourceMetadataURL(),
		Sessions:            s.config.Sessions,
		APIKeyHeader:        s.config.APIKeyHeader,
		Logger:              s.logger,
	})
	mux.Handle(MCPEndpointPath, authMiddleware.Wrap(streamable))

	return InstrumentHTTP(s.config.Metrics, mux)
}

// Handler returns the assembled router.
func (s *OAuthHTTPServer) Handler() http.Handler {
	return s.handler
}

// Start serves on the configured address until Shutdown.
func (s *OAuthHTTPServer) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: MCP responses may be long-lived SSE streams.
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("starting HTTP server",
		"addr", s.config.Addr,
		"issuer", s.config.OAuthHandler.Config().Issuer,
		"oauth_proxy", s.config.OAuthHandler.Config().Enabled)
	return s.httpServer.ListenAndServe()
}

// Shutdown flips readiness, drains in-flight requests and stops the session
// sweep.
func (s *OAuthHTTPServer) Shutdown(ctx context.Context) error {
	s.config.Health.SetReady(false)

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if s.config.Sessions != nil {
		s.config.Sessions.Stop()
	}
	return errors.Join(errs...)
}

// GetOAuthHandler returns the OAuth handler for testing or direct access
func (s *OAuthHTTPServer) GetOAuthHandler() *oauth.Handler {
	return s.config.OAuthHandler
}
