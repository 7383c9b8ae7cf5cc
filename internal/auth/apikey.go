package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/directory"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/logging"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/scope"
)

const (
	// DefaultAPIKeyHeader carries the API key.
	DefaultAPIKeyHeader = "X-API-Key"

	// DefaultTenantHeader names the tenant when no token claim does.
	DefaultTenantHeader = "X-Tenant-ID"

	// DefaultAPIKeyProduct is the leading segment of every key.
	DefaultAPIKeyProduct = "ocrm"

	// DefaultAPIKeyPriority places API keys ahead of bearer tokens.
	DefaultAPIKeyPriority = 10

	apiKeyStrategyName  = "api_key"
	minSecretLength     = 16
	apiKeyPrefixBytes   = 4
	apiKeySecretBytes   = 32
	defaultTouchTimeout = 5 * time.Second
)

// APIKeyConfig configures APIKeyStrategy. Zero values take the defaults.
type APIKeyConfig struct {
	Header       string
	TenantHeader string
	Product      string
	Priority     int
	TouchTimeout time.Duration
}

func (c *APIKeyConfig) setDefaults() {
	if c.Header == "" {
		c.Header = DefaultAPIKeyHeader
	}
	if c.TenantHeader == "" {
		c.TenantHeader = DefaultTenantHeader
	}
	if c.Product == "" {
		c.Product = DefaultAPIKeyProduct
	}
	if c.Priority == 0 {
		c.Priority = DefaultAPIKeyPriority
	}
	if c.TouchTimeout <= 0 {
		c.TouchTimeout = defaultTouchTimeout
	}
}

// APIKeyStrategy authenticates requests carrying an opaque API key.
type APIKeyStrategy struct {
	cfg    APIKeyConfig
	store  KeyStore
	logger *slog.Logger
	now    func() time.Time

	// touches tracks in-flight last-used updates.
	touches sync.WaitGroup
}

// NewAPIKeyStrategy creates an APIKeyStrategy backed by store.
func NewAPIKeyStrategy(cfg APIKeyConfig, store KeyStore, logger *slog.Logger) *APIKeyStrategy {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyStrategy{cfg: cfg, store: store, logger: logger, now: time.Now}
}

func (s *APIKeyStrategy) Name() string  { return apiKeyStrategyName }
func (s *APIKeyStrategy) Priority() int { return s.cfg.Priority }

// ParsedAPIKey is a structurally valid key split into its segments.
type ParsedAPIKey struct {
	// Prefix is "<product>_<prefix>" (or "<product>_<env>") and is stored in
	// clear for lookup.
	Prefix string
	Secret string
}

// ParseAPIKey splits raw into its lookup prefix and secret. The first
// segment must equal product.
func ParseAPIKey(raw, product string) (*ParsedAPIKey, error) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("api key must have three underscore-separated segments")
	}
	if parts[0] != product {
		return nil, fmt.Errorf("api key product segment mismatch")
	}
	if parts[1] == "" || !isAlnum(parts[1]) {
		return nil, fmt.Errorf("api key prefix segment is invalid")
	}
	if len(parts[2]) < minSecretLength || !isKeyCharset(parts[2]) {
		return nil, fmt.Errorf("api key secret segment is invalid")
	}
	return &ParsedAPIKey{Prefix: parts[0] + "_" + parts[1], Secret: parts[2]}, nil
}

func isAlnum(s string) bool {
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

func isKeyCharset(s string) bool {
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

// HashSecret returns the hex SHA-256 digest stored for a key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// GeneratedAPIKey is a freshly minted key. Plaintext is shown once and
// never stored.
type GeneratedAPIKey struct {
	Plaintext string
	Prefix    string
	Hash      string
}

// GenerateAPIKey mints a "<product>_<prefix>_<secret>" key.
func GenerateAPIKey(product string) (*GeneratedAPIKey, error) {
	if product == "" {
		product = DefaultAPIKeyProduct
	}
	prefixBytes := make([]byte, apiKeyPrefixBytes)
	if _, err := rand.Read(prefixBytes); err != nil {
		return nil, fmt.Errorf("generate api key prefix: %w", err)
	}
	secretBytes := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("generate api key secret: %w", err)
	}

	prefix := product + "_" + hex.EncodeToString(prefixBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	return &GeneratedAPIKey{
		Plaintext: prefix + "_" + secret,
		Prefix:    prefix,
		Hash:      HashSecret(secret),
	}, nil
}

// Authenticate implements Strategy.
func (s *APIKeyStrategy) Authenticate(ctx context.Context, r *http.Request) (*AuthContext, error) {
	raw := strings.TrimSpace(r.Header.Get(s.cfg.Header))
	if raw == "" {
		return nil, nil
	}

	parsed, err := ParseAPIKey(raw, s.cfg.Product)
	if err != nil {
		return nil, &AuthError{
			Status:      http.StatusUnauthorized,
			Strategy:    s.Name(),
			Code:        CodeInvalidToken,
			Description: "malformed API key",
			Err:         err,
		}
	}

	hash := HashSecret(parsed.Secret)
	key, err := s.store.FindAPIKey(ctx, parsed.Prefix, hash)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, Unauthorized(s.Name(), "invalid API key")
	}
	if err != nil {
		if ce := asConnectivity(s.Name(), err); ce != nil {
			return nil, ce
		}
		return nil, fmt.Errorf("find api key: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, Unauthorized(s.Name(), "invalid API key")
	}
	if key.Revoked() {
		return nil, Unauthorized(s.Name(), "API key has been revoked")
	}
	if key.Expired(s.now()) {
		return nil, Unauthorized(s.Name(), "API key has expired")
	}

	tenantID := strings.TrimSpace(r.Header.Get(s.cfg.TenantHeader))
	if tenantID == "" {
		return nil, BadRequest(s.Name(), fmt.Sprintf("missing required header %s", s.cfg.TenantHeader))
	}
	// Keys are bound to one tenant. A key without a tenant binds to none.
	if key.TenantID == "" || key.TenantID != tenantID {
		return nil, Forbidden(s.Name(), "API key is not valid for this tenant")
	}

	membership, err := s.store.FindMembership(ctx, tenantID, key.UserID)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, Forbidden(s.Name(), "user is not a member of this tenant")
	}
	if err != nil {
		if ce := asConnectivity(s.Name(), err); ce != nil {
			return nil, ce
		}
		return nil, fmt.Errorf("find membership: %w", err)
	}

	s.touch(key.ID)

	return &AuthContext{
		UserID:       key.UserID,
		TenantID:     tenantID,
		MembershipID: membership.ID,
		Role:         membership.Role,
		Method:       MethodAPIKey,
		Scopes:       s.keyScopes(key),
	}, nil
}

func (s *APIKeyStrategy) keyScopes(key *directory.APIKey) []string {
	if v := scope.ValidateScopeSet(key.Scopes); !v.Valid {
		s.logger.Warn("api key carries unknown scopes, ignoring them",
			slog.String("key_id", key.ID),
			slog.Any("invalid", v.Invalid))
	}
	scopes := scope.Filter(key.Scopes)
	if len(scopes) == 0 {
		return []string{string(scope.Read)}
	}
	return scopes
}

// touch records the last-used time without blocking the request. Its
// context is detached from the request so a finished request does not
// cancel the write.
func (s *APIKeyStrategy) touch(keyID string) {
	at := s.now()
	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("api key last-used update panicked", slog.Any("panic", rec))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TouchTimeout)
		defer cancel()
		if err := s.store.TouchAPIKey(ctx, keyID, at); err != nil {
			s.logger.Warn("failed to update api key last-used time",
				slog.String("key_id", keyID),
				logging.Err(err))
		}
	}()
}

// Wait blocks until in-flight last-used updates have finished.
func (s *APIKeyStrategy) Wait() {
	s.touches.Wait()
}
