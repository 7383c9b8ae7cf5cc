package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/auth"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/config"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/directory"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/mcp/oauth"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/server"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/tools/auth_tools"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/tools/common"
)

// identityDirectory is the directory surface the serve command needs.
type identityDirectory interface {
	auth.KeyStore
	auth.UserDirectory
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ identityDirectory = (*directory.MemoryDirectory)(nil)
	_ identityDirectory = (*directory.SQLDirectory)(nil)
)

func openDirectory(ctx context.Context, cfg config.DirectoryConfig, logger *slog.Logger) (identityDirectory, error) {
	switch cfg.Driver {
	case config.BackendSQLite:
		dir, err := directory.OpenSQLite(ctx, cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open directory: %w", err)
		}
		return dir, nil
	case config.BackendMemory, "":
		logger.Warn("using in-memory directory, users and API keys are lost on restart")
		return directory.NewMemoryDirectory(), nil
	default:
		return nil, fmt.Errorf("unsupported directory driver %q", cfg.Driver)
	}
}

// buildStrategies creates one JWT strategy per configured provider plus the
// API key strategy. The manager orders them by priority.
func buildStrategies(ctx context.Context, cfg *config.Config, dir identityDirectory, logger *slog.Logger) ([]auth.Strategy, error) {
	var strategies []auth.Strategy

	if cfg.APIKeys.Enabled {
		strategies = append(strategies, auth.NewAPIKeyStrategy(auth.APIKeyConfig{
			Header:       cfg.APIKeys.Header,
			TenantHeader: cfg.APIKeys.TenantHeader,
			Product:      cfg.APIKeys.Product,
			Priority:     cfg.APIKeys.Priority,
		}, dir, logger))
	}

	for _, p := range providersWithProxy(cfg, logger) {
		verifier, err := newVerifier(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		strategies = append(strategies, auth.NewJWTStrategy(auth.ProviderConfig{
			Name:                p.Name,
			Issuers:             providerIssuers(p),
			Priority:            p.Priority,
			DefaultScopes:       p.DefaultScopes,
			AutoProvisionTenant: p.AutoProvisionTenant,
			TenantHeader:        p.TenantHeader,
		}, verifier, dir, logger))
	}

	if len(strategies) == 0 {
		logger.Warn("no authentication strategies configured, every request will be rejected")
	}
	return strategies, nil
}

// deploymentInfo describes the wired service for telemetry resources.
// Strategy names are listed in the order the manager will try them.
func deploymentInfo(cfg *config.Config, strategies []auth.Strategy) instrumentation.Deployment {
	ordered := auth.SortStrategies(strategies)
	names := make([]string, len(ordered))
	for i, s := range ordered {
		names[i] = s.Name()
	}
	return instrumentation.Deployment{
		Strategies:     names,
		OAuthProxy:     cfg.OAuth.Enabled,
		StoreBackend:   cfg.Storage.Type,
		DirectoryStore: cfg.Directory.Driver,
	}
}

// providersWithProxy returns the configured providers plus, when the proxy
// fronts Google and nothing accepts its access tokens yet, a provider that
// does. Without it the tokens the proxy issues could never be used.
func providersWithProxy(cfg *config.Config, logger *slog.Logger) []config.ProviderConfig {
	providers := cfg.Providers
	if !cfg.OAuth.Enabled || cfg.OAuth.Upstream.Provider != config.UpstreamGoogle {
		return providers
	}
	for _, p := range providers {
		if p.Kind == config.ProviderKindGoogleAccessToken {
			return providers
		}
	}
	logger.Info("accepting google access tokens issued through the oauth proxy",
		"client_id", cfg.OAuth.Upstream.ClientID)
	return append(slices.Clone(providers), config.ProviderConfig{
		Name:     "google-oauth",
		Kind:     config.ProviderKindGoogleAccessToken,
		Audience: cfg.OAuth.Upstream.ClientID,
		// After API keys and any JWT provider left at the default.
		Priority: 100,
	})
}

func providerIssuers(p config.ProviderConfig) []string {
	switch p.Kind {
	case config.ProviderKindGoogle:
		return auth.GoogleIssuers
	case config.ProviderKindGoogleAccessToken:
		return nil
	default:
		return []string{p.Issuer}
	}
}

func newVerifier(ctx context.Context, p config.ProviderConfig) (auth.TokenVerifier, error) {
	switch p.Kind {
	case config.ProviderKindGoogle:
		return auth.NewGoogleIDTokenVerifier(ctx, p.Audience, nil)
	case config.ProviderKindGoogleAccessToken:
		return auth.NewGoogleAccessTokenVerifier(ctx, p.Audience)
	case config.ProviderKindJWKS, "":
		var opts []auth.JWKSOption
		if p.JWKSCacheTTL > 0 {
			opts = append(opts, auth.WithJWKSTTL(p.JWKSCacheTTL))
		}
		keys := auth.NewJWKSCache(p.JWKSURL, opts...)
		return auth.NewJWKSVerifier(keys, p.Issuer, p.Audience, p.Algorithms, p.Leeway), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

func openOAuthStore(cfg config.StorageConfig, logger *slog.Logger, metrics *instrumentation.Metrics) (oauth.Store, error) {
	switch cfg.Type {
	case config.BackendValkey:
		key, err := oauth.EncryptionKeyFromBase64(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("storage encryption key: %w", err)
		}
		encryption, err := oauth.NewTokenEncryption(key)
		if err != nil {
			return nil, err
		}
		if !encryption.Enabled() {
			logger.Warn("upstream tokens are stored in Valkey without encryption, set storage.encryption_key")
		}
		store, err := oauth.NewValkeyStore(cfg.Valkey.Addr, cfg.Valkey.Prefix, encryption)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		logger.Info("using valkey OAuth store", "addr", cfg.Valkey.Addr, "prefix", cfg.Valkey.Prefix)
		return store, nil
	case config.BackendMemory, "":
		opts := []oauth.MemoryStoreOption{
			oauth.WithStoreLogger(logger),
			oauth.WithStoreMetrics(metrics),
		}
		if cfg.CleanupInterval > 0 {
			opts = append(opts, oauth.WithCleanupInterval(cfg.CleanupInterval))
		}
		return oauth.NewMemoryStore(opts...), nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}

// newMCPServer creates the MCP server with every tool guarded by the scope
// middleware.
func newMCPServer(sc *server.ServerContext) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("opencrm", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithToolHandlerMiddleware(common.ScopeMiddleware(sc)),
	)
	auth_tools.RegisterAuthTools(s)
	return s
}
