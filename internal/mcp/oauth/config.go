package oauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauth2google "golang.org/x/oauth2/google"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
)

// Config holds the OAuth proxy configuration
type Config struct {
	// Enabled turns the authorization server proxy on. When false only the
	// protected resource metadata is served.
	Enabled bool

	// DynamicRegistration enables RFC 7591 client registration.
	DynamicRegistration bool

	// RegistrationToken, when set, must be presented as a bearer token on
	// registration requests.
	RegistrationToken string

	// Issuer is the public base URL of this server. Endpoint URLs in the
	// metadata documents are built from it.
	Issuer string

	// Resource is the protected resource identifier, usually {Issuer}/mcp.
	Resource string

	// AuthorizationServers are advertised in the protected resource metadata
	// when the proxy is disabled (the upstream providers' issuers).
	AuthorizationServers []string

	// SigningAlgorithms advertised for resource tokens.
	SigningAlgorithms []string

	// Upstream identity provider.
	Upstream UpstreamConfig

	// PendingTTL bounds how long an authorize request waits for the
	// upstream callback. Default: 10 minutes
	PendingTTL time.Duration

	// CodeTTL is the lifetime of proxy-issued authorization codes.
	// Default: 10 minutes
	CodeTTL time.Duration

	// ExchangeTimeout bounds the upstream code exchange. Default: 15 seconds
	ExchangeTimeout time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is used for the upstream token exchange.
	HTTPClient *http.Client

	// Metrics records flow events (optional).
	Metrics *instrumentation.Metrics
}

// UpstreamConfig describes the identity provider the proxy delegates to.
type UpstreamConfig struct {
	// Provider selects a preset endpoint ("google"). Leave empty and set
	// AuthURL and TokenURL for any other provider.
	Provider     string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string

	// RedirectURL defaults to {Issuer}/oauth/callback.
	RedirectURL string
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	c.Issuer = strings.TrimRight(c.Issuer, "/")
	if c.Resource == "" && c.Issuer != "" {
		c.Resource = c.Issuer + "/mcp"
	}
	if c.PendingTTL == 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	if c.CodeTTL == 0 {
		c.CodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.ExchangeTimeout == 0 {
		c.ExchangeTimeout = DefaultExchangeTimeout
	}
	if len(c.SigningAlgorithms) == 0 {
		c.SigningAlgorithms = []string{"RS256", "ES256"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.ExchangeTimeout}
	}
	if c.Upstream.RedirectURL == "" && c.Issuer != "" {
		c.Upstream.RedirectURL = c.Issuer + PathCallback
	}
}

// validate checks the configuration after defaults are applied.
func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if err := RequireSecureURL(c.Issuer); err != nil {
		return fmt.Errorf("issuer: %w", err)
	}
	if !c.Enabled {
		return nil
	}
	if c.Upstream.ClientID == "" {
		return fmt.Errorf("upstream client id is required when the proxy is enabled")
	}
	if c.Upstream.Provider == "" && (c.Upstream.AuthURL == "" || c.Upstream.TokenURL == "") {
		return fmt.Errorf("upstream auth and token URLs are required unless a provider preset is used")
	}
	if c.Upstream.Provider != "" && c.Upstream.Provider != "google" {
		return fmt.Errorf("unknown upstream provider preset %q", c.Upstream.Provider)
	}
	return nil
}

// oauth2Config builds the upstream client configuration.
func (u UpstreamConfig) oauth2Config() *oauth2.Config {
	endpoint := oauth2.Endpoint{AuthURL: u.AuthURL, TokenURL: u.TokenURL}
	if u.Provider == "google" {
		endpoint = oauth2google.Endpoint
		if u.AuthURL != "" {
			endpoint.AuthURL = u.AuthURL
		}
		if u.TokenURL != "" {
			endpoint.TokenURL = u.TokenURL
		}
	}
	return &oauth2.Config{
		ClientID:     u.ClientID,
		ClientSecret: u.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  u.RedirectURL,
		Scopes:       u.Scopes,
	}
}

// RequireSecureURL allows plain HTTP only for loopback hosts.
func RequireSecureURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	if u.Scheme == "https" {
		return nil
	}
	if u.Scheme == "http" && isLoopbackHost(u.Hostname()) {
		return nil
	}
	return fmt.Errorf("must use HTTPS for non-loopback hosts (got %s://%s)", u.Scheme, u.Host)
}

func isLoopbackHost(host string) bool {
	return contains(LoopbackAddresses, strings.Trim(host, "[]"))
}
