package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/directory"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/scope"
)

// DefaultJWTPriority is the priority of the first JWT provider.
const DefaultJWTPriority = 20

// ProviderConfig describes one upstream identity provider.
type ProviderConfig struct {
	Name string
	// Issuers limits the strategy to JWTs whose iss claim is listed, so
	// several providers can share the Authorization header. Tokens from
	// other issuers are left to the next strategy. Empty accepts any.
	Issuers []string
	// Priority orders providers among themselves. Defaults to 20.
	Priority int
	// DefaultScopes apply when the token carries no recognized scope.
	DefaultScopes []string
	// AutoProvisionTenant creates a tenant owned by a user who has none.
	AutoProvisionTenant bool
	TenantHeader        string
}

// JWTStrategy authenticates bearer tokens from one provider. These are JWTs,
// or opaque access tokens when the verifier is an OpaqueTokenVerifier.
type JWTStrategy struct {
	cfg      ProviderConfig
	verifier TokenVerifier
	dir      UserDirectory
	logger   *slog.Logger
	now      func() time.Time
}

// NewJWTStrategy creates a strategy for cfg.Name.
func NewJWTStrategy(cfg ProviderConfig, verifier TokenVerifier, dir UserDirectory, logger *slog.Logger) *JWTStrategy {
	if cfg.Priority == 0 {
		cfg.Priority = DefaultJWTPriority
	}
	if cfg.TenantHeader == "" {
		cfg.TenantHeader = DefaultTenantHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTStrategy{cfg: cfg, verifier: verifier, dir: dir, logger: logger, now: time.Now}
}

func (s *JWTStrategy) Name() string  { return "jwt:" + s.cfg.Name }
func (s *JWTStrategy) Priority() int { return s.cfg.Priority }

// BearerToken returns the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func looksLikeJWT(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts[:2] {
		if p == "" {
			return false
		}
	}
	return true
}

// handles reports whether raw is a token this provider issues. The iss claim
// is read without verification; a token that fails to parse is claimed so
// the verifier can reject it.
func (s *JWTStrategy) handles(raw string) bool {
	if ov, ok := s.verifier.(OpaqueTokenVerifier); ok && ov.AcceptsOpaqueTokens() {
		return !looksLikeJWT(raw)
	}
	if !looksLikeJWT(raw) {
		return false
	}
	if len(s.cfg.Issuers) == 0 {
		return true
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return true
	}
	iss, _ := claims.GetIssuer()
	return slices.Contains(s.cfg.Issuers, iss)
}

// Authenticate implements Strategy.
func (s *JWTStrategy) Authenticate(ctx context.Context, r *http.Request) (*AuthContext, error) {
	raw := BearerToken(r)
	if raw == "" || !s.handles(raw) {
		return nil, nil
	}

	vt, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		if ce := asConnectivity(s.Name(), err); ce != nil {
			return nil, ce
		}
		return nil, &AuthError{
			Status:      http.StatusUnauthorized,
			Strategy:    s.Name(),
			Code:        CodeInvalidToken,
			Description: "token verification failed",
			Err:         err,
		}
	}
	if vt.ExpiresAt.IsZero() || !s.now().Before(vt.ExpiresAt) {
		return nil, Unauthorized(s.Name(), "token has expired")
	}
	if vt.Subject == "" {
		return nil, Unauthorized(s.Name(), "token has no subject")
	}

	user, fallback, err := s.resolveUser(ctx, vt)
	if err != nil {
		return nil, s.directoryError(err)
	}

	membership, err := s.resolveMembership(ctx, r, vt, user, fallback)
	if err != nil {
		return nil, s.directoryError(err)
	}

	scopes := scopesFromClaims(vt.Claims)
	if len(scopes) == 0 {
		scopes = scope.Filter(s.cfg.DefaultScopes)
	}
	if len(scopes) == 0 {
		scopes = []string{string(scope.Read)}
	}

	return &AuthContext{
		UserID:       user.ID,
		Email:        user.Email,
		TenantID:     membership.TenantID,
		MembershipID: membership.ID,
		Role:         membership.Role,
		Method:       MethodJWT,
		Provider:     s.cfg.Name,
		Scopes:       scopes,
	}, nil
}

// directoryError passes AuthErrors through, converts outages to
// ConnectivityError and leaves anything else for the Manager to report.
func (s *JWTStrategy) directoryError(err error) error {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return err
	}
	if ce := asConnectivity(s.Name(), err); ce != nil {
		return ce
	}
	return fmt.Errorf("%s: %w", s.Name(), err)
}

var _ Strategy = (*JWTStrategy)(nil)
var _ Strategy = (*APIKeyStrategy)(nil)
var _ UserDirectory = (*directory.MemoryDirectory)(nil)
var _ KeyStore = (*directory.SQLDirectory)(nil)
