package oauth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/scope"
)

// Handler implements the OAuth 2.1 authorization server proxy. It registers
// clients, runs the authorization code flow against the upstream provider
// and hands the upstream tokens to the client after PKCE verification.
type Handler struct {
	config   *Config
	store    Store
	upstream *oauth2.Config
	audit    *AuditLogger
	metrics  *instrumentation.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a new OAuth handler. store is required when the proxy
// is enabled.
func NewHandler(config *Config, store Store) (*Handler, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.Enabled && store == nil {
		return nil, fmt.Errorf("store is required when the proxy is enabled")
	}

	logger := config.Logger
	h := &Handler{
		config:  config,
		store:   store,
		audit:   NewAuditLogger(logger),
		metrics: config.Metrics,
		logger:  logger,
		now:     time.Now,
	}

	if config.Enabled {
		h.upstream = config.Upstream.oauth2Config()
		logger.Info("OAuth proxy enabled",
			"issuer", config.Issuer,
			"upstream_auth_url", h.upstream.Endpoint.AuthURL,
			"dynamic_registration", config.DynamicRegistration)
		if config.DynamicRegistration && config.RegistrationToken == "" {
			logger.Warn("Dynamic client registration is open to unauthenticated callers")
		}
	} else {
		logger.Info("OAuth proxy disabled, serving protected resource metadata only")
	}
	return h, nil
}

// Config returns the effective configuration.
func (h *Handler) Config() *Config {
	return h.config
}

// RegisterRoutes mounts every proxy endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathAuthServerMetadata, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(PathProtectedResourceMetadata, h.ServeProtectedResourceMetadata)
	mux.HandleFunc(PathProtectedResourceMetadata+"/mcp", h.ServeProtectedResourceMetadata)
	mux.HandleFunc(PathRegister, h.ServeClientRegistration)
	mux.HandleFunc(PathAuthorize, h.ServeAuthorize)
	mux.HandleFunc(PathCallback, h.ServeCallback)
	mux.HandleFunc(PathToken, h.ServeToken)
}

// ResourceMetadataURL is the RFC 9728 document URL for WWW-Authenticate.
func (h *Handler) ResourceMetadataURL() string {
	return h.config.Issuer + PathProtectedResourceMetadata
}

// ServeProtectedResourceMetadata serves the OAuth 2.0 Protected Resource Metadata (RFC 9728)
// A client that receives a 401 from /mcp follows resource_metadata here to
// find out which authorization server issues tokens for this resource.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	servers := h.config.AuthorizationServers
	if h.config.Enabled {
		servers = []string{h.config.Issuer}
	}
	if servers == nil {
		servers = []string{}
	}

	h.writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:                          h.config.Resource,
		AuthorizationServers:              servers,
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: h.config.SigningAlgorithms,
		ScopesSupported:                   scope.Supported(),
	})
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.config.Enabled {
		h.writeOAuthError(w, ErrTemporarilyUnavailable("the authorization server proxy is disabled"))
		return
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                            h.config.Issuer,
		AuthorizationEndpoint:             h.config.Issuer + PathAuthorize,
		TokenEndpoint:                     h.config.Issuer + PathToken,
		ScopesSupported:                   scope.Supported(),
		ResponseTypesSupported:            SupportedResponseTypes,
		GrantTypesSupported:               SupportedGrantTypes,
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     SupportedCodeChallengeMethods,
		AuthorizationResponseIssParameterSupported: true,
	}
	if h.config.DynamicRegistration {
		metadata.RegistrationEndpoint = h.config.Issuer + PathRegister
	}
	h.writeJSON(w, http.StatusOK, metadata)
}

// setSecurityHeaders sets security headers on HTTP responses
func (h *Handler) setSecurityHeaders(w http.ResponseWriter) {
	// Prevent clickjacking attacks
	w.Header().Set("X-Frame-Options", "DENY")

	// Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(h.config.Issuer, "https://") {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	h.setSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError is a helper to write OAuth error responses
func (h *Handler) writeError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	h.logger.Debug("OAuth error", "code", errorCode, "description", description, "status", statusCode)
	h.writeJSON(w, statusCode, ErrorResponse{
		Error:            errorCode,
		ErrorDescription: description,
	})
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, err *OAuthError) {
	h.writeError(w, err.Code, err.Description, err.Status)
}
