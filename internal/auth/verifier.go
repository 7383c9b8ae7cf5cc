package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/idtoken"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// VerifiedToken is the identity extracted from a verified bearer token.
type VerifiedToken struct {
	Subject   string
	Email     string
	Name      string
	ExpiresAt time.Time
	Claims    map[string]any
}

// TokenVerifier checks a token's signature and standard claims.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*VerifiedToken, error)
}

// OpaqueTokenVerifier is a TokenVerifier for access tokens that are not
// JWTs. A strategy backed by one ignores JWT-shaped bearers and vice versa.
type OpaqueTokenVerifier interface {
	TokenVerifier
	AcceptsOpaqueTokens() bool
}

// GoogleIssuers are the iss values found in Google ID tokens.
var GoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// ErrTokenInfoUnavailable reports that an introspection endpoint failed on
// its side.
var ErrTokenInfoUnavailable = errors.New("token info endpoint unavailable")

// DefaultAlgorithms are accepted when a provider names none.
var DefaultAlgorithms = []string{"RS256", "ES256"}

// JWKSVerifier verifies JWTs signed by keys published at a JWKS endpoint.
type JWKSVerifier struct {
	keys       *JWKSCache
	issuer     string
	audience   string
	algorithms []string
	leeway     time.Duration
}

// NewJWKSVerifier creates a verifier. An empty audience disables the aud
// check.
func NewJWKSVerifier(keys *JWKSCache, issuer, audience string, algorithms []string, leeway time.Duration) *JWKSVerifier {
	if len(algorithms) == 0 {
		algorithms = DefaultAlgorithms
	}
	return &JWKSVerifier{
		keys:       keys,
		issuer:     issuer,
		audience:   audience,
		algorithms: algorithms,
		leeway:     leeway,
	}
}

func (v *JWKSVerifier) Verify(ctx context.Context, raw string) (*VerifiedToken, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.algorithms),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("token has no usable exp claim")
	}
	sub, _ := claims.GetSubject()

	return &VerifiedToken{
		Subject:   sub,
		Email:     stringClaim(claims, "email"),
		Name:      stringClaim(claims, "name"),
		ExpiresAt: exp.Time,
		Claims:    claims,
	}, nil
}

// GoogleIDTokenVerifier verifies Google-issued ID tokens against Google's
// published certificates.
type GoogleIDTokenVerifier struct {
	validator *idtoken.Validator
	audience  string
}

// NewGoogleIDTokenVerifier creates a verifier for tokens minted for
// audience, usually the OAuth client id.
func NewGoogleIDTokenVerifier(ctx context.Context, audience string, client *http.Client) (*GoogleIDTokenVerifier, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultJWKSTimeout}
	}
	validator, err := idtoken.NewValidator(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create id token validator: %w", err)
	}
	return &GoogleIDTokenVerifier{validator: validator, audience: audience}, nil
}

func (v *GoogleIDTokenVerifier) Verify(ctx context.Context, raw string) (*VerifiedToken, error) {
	payload, err := v.validator.Validate(ctx, raw, v.audience)
	if err != nil {
		return nil, err
	}
	return &VerifiedToken{
		Subject:   payload.Subject,
		Email:     stringClaim(payload.Claims, "email"),
		Name:      stringClaim(payload.Claims, "name"),
		ExpiresAt: time.Unix(payload.Expires, 0),
		Claims:    payload.Claims,
	}, nil
}

// GoogleAccessTokenVerifier checks opaque Google access tokens, the tokens
// the OAuth proxy hands to clients when Google is the upstream.
type GoogleAccessTokenVerifier struct {
	service  *oauth2api.Service
	audience string
	now      func() time.Time
}

// NewGoogleAccessTokenVerifier creates a verifier accepting tokens issued to
// the OAuth client audience. opts default to an HTTP client with a timeout.
func NewGoogleAccessTokenVerifier(ctx context.Context, audience string, opts ...option.ClientOption) (*GoogleAccessTokenVerifier, error) {
	if len(opts) == 0 {
		opts = []option.ClientOption{option.WithHTTPClient(&http.Client{Timeout: defaultJWKSTimeout})}
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create google oauth2 service: %w", err)
	}
	return &GoogleAccessTokenVerifier{service: svc, audience: audience, now: time.Now}, nil
}

func (v *GoogleAccessTokenVerifier) AcceptsOpaqueTokens() bool { return true }

func (v *GoogleAccessTokenVerifier) Verify(ctx context.Context, raw string) (*VerifiedToken, error) {
	info, err := v.service.Tokeninfo().AccessToken(raw).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: status %d", ErrTokenInfoUnavailable, gerr.Code)
		}
		return nil, err
	}
	if v.audience != "" && info.Audience != v.audience && info.IssuedTo != v.audience {
		return nil, fmt.Errorf("access token was issued to %q", info.IssuedTo)
	}

	claims := map[string]any{"sub": info.UserId, "scope": info.Scope}
	if info.Email != "" {
		claims["email"] = info.Email
		claims["email_verified"] = info.VerifiedEmail
	}
	return &VerifiedToken{
		Subject:   info.UserId,
		Email:     info.Email,
		ExpiresAt: v.now().Add(time.Duration(info.ExpiresIn) * time.Second),
		Claims:    claims,
	}, nil
}

var _ OpaqueTokenVerifier = (*GoogleAccessTokenVerifier)(nil)
