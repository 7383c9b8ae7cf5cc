// Package config loads the opencrm-auth configuration.
//
// Sources are applied in order, later ones winning:
//
//  1. built-in defaults
//  2. an optional YAML file
//  3. environment variables prefixed with OPENCRM_, where a double
//     underscore separates nesting levels
//     (OPENCRM_OAUTH__UPSTREAM__CLIENT_ID sets oauth.upstream.client_id)
//
// Command line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/mcp/oauth"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/scope"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "OPENCRM_"

// Storage and directory backends.
const (
	BackendMemory = "memory"
	BackendValkey = "valkey"
	BackendSQLite = "sqlite"
)

// Provider kinds.
const (
	ProviderKindJWKS   = "jwks"
	ProviderKindGoogle = "google"
	// ProviderKindGoogleAccessToken accepts the opaque Google access tokens
	// the proxy returns when its upstream is the google preset.
	ProviderKindGoogleAccessToken = "google_access_token"
)

// UpstreamGoogle is the upstream preset for Google.
const UpstreamGoogle = "google"

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Logging   LoggingConfig    `koanf:"logging"`
	Metrics   MetricsConfig    `koanf:"metrics"`
	OAuth     OAuthConfig      `koanf:"oauth"`
	Providers []ProviderConfig `koanf:"providers"`
	APIKeys   APIKeysConfig    `koanf:"api_keys"`
	Directory DirectoryConfig  `koanf:"directory"`
	Storage   StorageConfig    `koanf:"storage"`
	Sessions  SessionsConfig   `koanf:"sessions"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
	// BaseURL is the public origin. It is the OAuth issuer and the base of
	// the protected resource identifier.
	BaseURL         string        `koanf:"base_url"`
	Realm           string        `koanf:"realm"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// OAuthConfig configures the authorization server proxy.
type OAuthConfig struct {
	Enabled             bool   `koanf:"enabled"`
	DynamicRegistration bool   `koanf:"dynamic_registration"`
	RegistrationToken   string `koanf:"registration_token"`
	// AuthorizationServers is advertised in the protected resource metadata
	// when the proxy is disabled.
	AuthorizationServers []string       `koanf:"authorization_servers"`
	Upstream             UpstreamConfig `koanf:"upstream"`
	PendingTTL           time.Duration  `koanf:"pending_ttl"`
	CodeTTL              time.Duration  `koanf:"code_ttl"`
	ExchangeTimeout      time.Duration  `koanf:"exchange_timeout"`
}

type UpstreamConfig struct {
	// Provider selects a preset endpoint pair. Only "google" is known.
	Provider     string   `koanf:"provider"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	AuthURL      string   `koanf:"auth_url"`
	TokenURL     string   `koanf:"token_url"`
	Scopes       []string `koanf:"scopes"`
	RedirectURL  string   `koanf:"redirect_url"`
}

// ProviderConfig describes one identity provider whose tokens the JWT
// strategy accepts.
type ProviderConfig struct {
	Name string `koanf:"name"`
	// Kind is "jwks" (default), "google" or "google_access_token".
	Kind       string   `koanf:"kind"`
	Issuer     string   `koanf:"issuer"`
	Audience   string   `koanf:"audience"`
	JWKSURL    string   `koanf:"jwks_url"`
	Algorithms []string `koanf:"algorithms"`
	Priority   int      `koanf:"priority"`

	DefaultScopes       []string      `koanf:"default_scopes"`
	TenantHeader        string        `koanf:"tenant_header"`
	AutoProvisionTenant bool          `koanf:"auto_provision_tenant"`
	Leeway              time.Duration `koanf:"leeway"`
	JWKSCacheTTL        time.Duration `koanf:"jwks_cache_ttl"`
}

type APIKeysConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Header       string `koanf:"header"`
	TenantHeader string `koanf:"tenant_header"`
	Product      string `koanf:"product"`
	Priority     int    `koanf:"priority"`
}

type DirectoryConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

// StorageConfig selects the OAuth proxy store.
type StorageConfig struct {
	// Type is "memory" or "valkey".
	Type            string        `koanf:"type"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	Valkey          ValkeyConfig  `koanf:"valkey"`
	// EncryptionKey is a base64 AES-256 key sealing upstream tokens at
	// rest in Valkey.
	EncryptionKey string `koanf:"encryption_key"`
}

type ValkeyConfig struct {
	Addr   string `koanf:"addr"`
	Prefix string `koanf:"prefix"`
}

type SessionsConfig struct {
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			BaseURL:         "http://localhost:8080",
			Realm:           "opencrm",
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		OAuth: OAuthConfig{
			DynamicRegistration: true,
			PendingTTL:          oauth.DefaultPendingTTL,
			CodeTTL:             oauth.DefaultAuthorizationCodeTTL,
			ExchangeTimeout:     oauth.DefaultExchangeTimeout,
		},
		APIKeys:   APIKeysConfig{Enabled: true},
		Directory: DirectoryConfig{Driver: BackendMemory},
		Storage: StorageConfig{
			Type:            BackendMemory,
			CleanupInterval: oauth.DefaultCleanupInterval,
			Valkey:          ValkeyConfig{Prefix: oauth.DefaultValkeyPrefix},
		},
		Sessions: SessionsConfig{
			IdleTimeout:     30 * time.Minute,
			CleanupInterval: time.Minute,
		},
	}
}

// Load reads the configuration from path (optional) and the environment,
// then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// OPENCRM_OAUTH__UPSTREAM__CLIENT_ID -> oauth.upstream.client_id
	if err := k.Load(env.Provider(EnvPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		DecoderConfig: decoderConfig(&cfg),
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decoderConfig decodes "30s" into durations and comma separated strings,
// as environment variables carry them, into slices.
func decoderConfig(out *Config) *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.TextUnmarshallerHookFunc(),
		),
		Result:           out,
		WeaklyTypedInput: true,
	}
}

func (c *Config) normalize() {
	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")
	c.Directory.Driver = strings.ToLower(c.Directory.Driver)
	c.Storage.Type = strings.ToLower(c.Storage.Type)
	for i := range c.Providers {
		if c.Providers[i].Kind == "" {
			c.Providers[i].Kind = ProviderKindJWKS
		}
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url is required"))
	} else if err := oauth.RequireSecureURL(c.Server.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("server.base_url: %w", err))
	}

	if c.OAuth.Enabled {
		if c.OAuth.Upstream.ClientID == "" {
			errs = append(errs, errors.New("oauth.upstream.client_id is required when the proxy is enabled"))
		}
		if c.OAuth.Upstream.Provider == "" && (c.OAuth.Upstream.AuthURL == "" || c.OAuth.Upstream.TokenURL == "") {
			errs = append(errs, errors.New("oauth.upstream needs a provider preset or both auth_url and token_url"))
		}
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("%s.name is required", field))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("%s: duplicate provider name %q", field, p.Name))
		}
		seen[p.Name] = true

		switch p.Kind {
		case ProviderKindJWKS:
			if p.Issuer == "" || p.JWKSURL == "" {
				errs = append(errs, fmt.Errorf("%s: jwks providers need issuer and jwks_url", field))
			} else if err := oauth.RequireSecureURL(p.JWKSURL); err != nil {
				errs = append(errs, fmt.Errorf("%s.jwks_url: %w", field, err))
			}
		case ProviderKindGoogle, ProviderKindGoogleAccessToken:
			if p.Audience == "" {
				errs = append(errs, fmt.Errorf("%s: %s providers need an audience", field, p.Kind))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", field, p.Kind))
		}

		if v := scope.ValidateScopeSet(p.DefaultScopes); !v.Valid {
			errs = append(errs, fmt.Errorf("%s.default_scopes: unknown scopes %v", field, v.Invalid))
		}
	}

	switch c.Directory.Driver {
	case BackendMemory:
	case BackendSQLite:
		if c.Directory.Path == "" {
			errs = append(errs, errors.New("directory.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("directory.driver %q must be memory or sqlite", c.Directory.Driver))
	}

	switch c.Storage.Type {
	case BackendMemory:
	case BackendValkey:
		if c.Storage.Valkey.Addr == "" {
			errs = append(errs, errors.New("storage.valkey.addr is required for valkey"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type %q must be memory or valkey", c.Storage.Type))
	}
	if _, err := oauth.EncryptionKeyFromBase64(c.Storage.EncryptionKey); err != nil {
		errs = append(errs, fmt.Errorf("storage.encryption_key: %w", err))
	}

	return errors.Join(errs...)
}

// OAuthProxyConfig converts the proxy section into the oauth package's
// configuration.
func (c *Config) OAuthProxyConfig() *oauth.Config {
	return &oauth.Config{
		Enabled:              c.OAuth.Enabled,
		DynamicRegistration:  c.OAuth.DynamicRegistration,
		RegistrationToken:    c.OAuth.RegistrationToken,
		Issuer:               c.Server.BaseURL,
		AuthorizationServers: c.OAuth.AuthorizationServers,
		Upstream: oauth.UpstreamConfig{
			Provider:     c.OAuth.Upstream.Provider,
			ClientID:     c.OAuth.Upstream.ClientID,
			ClientSecret: c.OAuth.Upstream.ClientSecret,
			AuthURL:      c.OAuth.Upstream.AuthURL,
			TokenURL:     c.OAuth.Upstream.TokenURL,
			Scopes:       c.OAuth.Upstream.Scopes,
			RedirectURL:  c.OAuth.Upstream.RedirectURL,
		},
		PendingTTL:      c.OAuth.PendingTTL,
		CodeTTL:         c.OAuth.CodeTTL,
		ExchangeTimeout: c.OAuth.ExchangeTimeout,
	}
}
