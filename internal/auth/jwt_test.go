package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/directory"
)

const (
	testIssuer   = "https://issuer.example.com/"
	testAudience = "https://crm.example.com"
)

type jwksServer struct {
	*httptest.Server
	key     *rsa.PrivateKey
	kid     string
	fetches atomic.Int32
	fail    atomic.Bool
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	s := &jwksServer{key: key, kid: "key-1"}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		if s.fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &s.key.PublicKey,
			KeyID:     s.kid,
			Algorithm: "RS256",
			Use:       "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func baseClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testAudience,
		"sub":   sub,
		"email": sub + "@example.com",
		"name":  "User " + sub,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	}
}

func bearerRequest(token string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func newTestJWTStrategy(t *testing.T, srv *jwksServer, dir UserDirectory, cfg ProviderConfig) *JWTStrategy {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "auth0"
	}
	cache := NewJWKSCache(srv.URL, WithJWKSHTTPClient(srv.Client()))
	verifier := NewJWKSVerifier(cache, testIssuer, testAudience, nil, 0)
	return NewJWTStrategy(cfg, verifier, dir, nil)
}

func TestJWTStrategy_Success(t *testing.T) {
	ctx := context.Background()
	srv := newJWKSServer(t)
	dir := directory.NewMemoryDirectory()

	// Provision the user first so a membership can be granted.
	user, err := dir.ProvisionUser(ctx, directory.ExternalIdentity{Provider: "auth0", Subject: "alice", Email: "alice@example.com"})
	require.NoError(t, err)
	tenant, _, err := dir.CreateTenant(ctx, "acme", "")
	require.NoError(t, err)
	_, err = dir.AddMembership(ctx, tenant.ID, user.ID, directory.RoleAdmin)
	require.NoError(t, err)

	s := newTestJWTStrategy(t, srv, dir, ProviderConfig{DefaultScopes: []string{"read", "write"}})

	tests := []struct {
		name       string
		claims     func(c jwt.MapClaims)
		headers    map[string]string
		wantScopes []string
	}{
		{
			name:       "tenant from claim, scope string",
			claims:     func(c jwt.MapClaims) { c["tenant_id"] = tenant.ID; c["scope"] = "openid read admin" },
			wantScopes: []string{"read", "admin"},
		},
		{
			name:       "tenant from org_id, scp array",
			claims:     func(c jwt.MapClaims) { c["org_id"] = tenant.ID; c["scp"] = []any{"write"} },
			wantScopes: []string{"write"},
		},
		{
			name:       "tenant from header, provider defaults",
			claims:     func(jwt.MapClaims) {},
			headers:    map[string]string{"X-Tenant-ID": tenant.ID},
			wantScopes: []string{"read", "write"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := baseClaims("alice")
			tt.claims(c)
			ac, err := s.Authenticate(ctx, bearerRequest(srv.sign(t, srv.kid, c), tt.headers))
			require.NoError(t, err)
			require.NotNil(t, ac)
			assert.Equal(t, user.ID, ac.UserID)
			assert.Equal(t, tenant.ID, ac.TenantID)
			assert.Equal(t, directory.RoleAdmin, ac.Role)
			assert.Equal(t, MethodJWT, ac.Method)
			assert.Equal(t, "auth0", ac.Provider)
			assert.Equal(t, tt.wantScopes, ac.Scopes)
		})
	}

	assert.Equal(t, int32(1), srv.fetches.Load(), "key set is cached")
}

func TestJWTStrategy_Absent(t *testing.T) {
	srv := newJWKSServer(t)
	s := newTestJWTStrategy(t, srv, directory.NewMemoryDirectory(), ProviderConfig{})

	for _, token := range []string{"", "opaque-token", "a.b", "ocrm_live_secret"} {
		ac, err := s.Authenticate(context.Background(), bearerRequest(token, nil))
		assert.NoError(t, err, token)
		assert.Nil(t, ac, token)
	}
	assert.Equal(t, int32(0), srv.fetches.Load())
}

func TestJWTStrategy_Rejections(t *testing.T) {
	ctx := context.Background()
	srv := newJWKSServer(t)
	dir := directory.NewMemoryDirectory()
	tenant, _, err := dir.CreateTenant(ctx, "acme", "")
	require.NoError(t, err)

	s := newTestJWTStrategy(t, srv, dir, ProviderConfig{})

	tests := []struct {
		name       string
		token      func(t *testing.T) string
		headers    map[string]string
		wantStatus int
	}{
		{
			name: "expired",
			token: func(t *testing.T) string {
				c := baseClaims("bob")
				c["exp"] = time.Now().Add(-time.Minute).Unix()
				return srv.sign(t, srv.kid, c)
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "wrong audience",
			token: func(t *testing.T) string {
				c := baseClaims("bob")
				c["aud"] = "someone-else"
				return srv.sign(t, srv.kid, c)
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				c := baseClaims("bob")
				c["iss"] = "https://evil.example.com/"
				return srv.sign(t, srv.kid, c)
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "missing exp",
			token: func(t *testing.T) string {
				c := baseClaims("bob")
				delete(c, "exp")
				return srv.sign(t, srv.kid, c)
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "signed by another key",
			token: func(t *testing.T) string {
				other, err := rsa.GenerateKey(rand.Reader, 2048)
				require.NoError(t, err)
				tok := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims("bob"))
				tok.Header["kid"] = srv.kid
				signed, err := tok.SignedString(other)
				require.NoError(t, err)
				return signed
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "hs256 not accepted",
			token: func(t *testing.T) string {
				tok := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims("bob"))
				signed, err := tok.SignedString([]byte("secret"))
				require.NoError(t, err)
				return signed
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no tenant anywhere",
			token:      func(t *testing.T) string { return srv.sign(t, srv.kid, baseClaims("bob")) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "not a member",
			token: func(t *testing.T) string {
				c := baseClaims("bob")
				c["tenant_id"] = tenant.ID
				return srv.sign(t, srv.kid, c)
			},
			wantStatus: http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac, err := s.Authenticate(ctx, bearerRequest(tt.token(t), tt.headers))
			assert.Nil(t, ac)
			var authErr *AuthError
			require.True(t, errors.As(err, &authErr), "got %v", err)
			assert.Equal(t, tt.wantStatus, authErr.Status)
			assert.Equal(t, "jwt:auth0", authErr.Strategy)
		})
	}
}

func TestJWTStrategy_JWKSUnavailable(t *testing.T) {
	srv := newJWKSServer(t)
	srv.fail.Store(true)
	s := newTestJWTStrategy(t, srv, directory.NewMemoryDirectory(), ProviderConfig{})

	_, err := s.Authenticate(context.Background(), bearerRequest(srv.sign(t, srv.kid, baseClaims("carol")), nil))
	var ce *ConnectivityError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "jwt:auth0", ce.Strategy)
}

func TestJWTStrategy_AutoProvisionTenant(t *testing.T) {
	ctx := context.Background()
	srv := newJWKSServer(t)
	dir := directory.NewMemoryDirectory()
	s := newTestJWTStrategy(t, srv, dir, ProviderConfig{AutoProvisionTenant: true})

	token := srv.sign(t, srv.kid, baseClaims("dana"))
	ac, err := s.Authenticate(ctx, bearerRequest(token, nil))
	require.NoError(t, err)
	assert.Equal(t, directory.RoleOwner, ac.Role)
	assert.NotEmpty(t, ac.TenantID)

	// A user who already has a tenant must name it.
	_, err = s.Authenticate(ctx, bearerRequest(token, nil))
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusBadRequest, authErr.Status)

	ac2, err := s.Authenticate(ctx, bearerRequest(token, map[string]string{"X-Tenant-ID": ac.TenantID}))
	require.NoError(t, err)
	assert.Equal(t, ac.UserID, ac2.UserID)
}

func TestJWTStrategy_EmailConflictFallback(t *testing.T) {
	ctx := context.Background()
	srv := newJWKSServer(t)
	dir := directory.NewMemoryDirectory()

	existing, err := dir.CreateUser(ctx, "erin@example.com", "Erin")
	require.NoError(t, err)
	tenant, _, err := dir.CreateTenant(ctx, "first", existing.ID)
	require.NoError(t, err)

	s := newTestJWTStrategy(t, srv, dir, ProviderConfig{})

	ac, err := s.Authenticate(ctx, bearerRequest(srv.sign(t, srv.kid, baseClaims("erin")), nil))
	require.NoError(t, err)
	assert.Equal(t, existing.ID, ac.UserID)
	assert.Equal(t, tenant.ID, ac.TenantID)

	c := baseClaims("erin")
	c["email_verified"] = false
	_, err = s.Authenticate(ctx, bearerRequest(srv.sign(t, srv.kid, c), nil))
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusForbidden, authErr.Status)
}

type failingDirectory struct {
	UserDirectory
	err error
}

func (d failingDirectory) ProvisionUser(context.Context, directory.ExternalIdentity) (*directory.User, error) {
	return nil, d.err
}

func TestJWTStrategy_ProvisionErrors(t *testing.T) {
	srv := newJWKSServer(t)

	t.Run("outage is connectivity", func(t *testing.T) {
		s := newTestJWTStrategy(t, srv, failingDirectory{err: directory.ErrUnavailable}, ProviderConfig{})
		_, err := s.Authenticate(context.Background(), bearerRequest(srv.sign(t, srv.kid, baseClaims("f")), nil))
		var ce *ConnectivityError
		assert.True(t, errors.As(err, &ce))
	})

	t.Run("other errors surface", func(t *testing.T) {
		boom := errors.New("constraint violated")
		s := newTestJWTStrategy(t, srv, failingDirectory{err: boom}, ProviderConfig{})
		_, err := s.Authenticate(context.Background(), bearerRequest(srv.sign(t, srv.kid, baseClaims("f")), nil))
		assert.ErrorIs(t, err, boom)
		var authErr *AuthError
		assert.False(t, errors.As(err, &authErr))
	})
}

func TestJWKSCache_UnknownKidRefreshThrottled(t *testing.T) {
	srv := newJWKSServer(t)
	cache := NewJWKSCache(srv.URL, WithJWKSHTTPClient(srv.Client()), WithJWKSMinRefresh(time.Hour))

	_, err := cache.Key(context.Background(), srv.kid)
	require.NoError(t, err)

	_, err = cache.Key(context.Background(), "rotated")
	assert.ErrorIs(t, err, ErrUnknownKey)
	_, err = cache.Key(context.Background(), "rotated")
	assert.ErrorIs(t, err, ErrUnknownKey)

	assert.Equal(t, int32(1), srv.fetches.Load())
}

func TestJWKSCache_StaleKeyServedOnFailure(t *testing.T) {
	srv := newJWKSServer(t)
	cache := NewJWKSCache(srv.URL, WithJWKSHTTPClient(srv.Client()), WithJWKSTTL(time.Minute))
	now := time.Now()
	cache.now = func() time.Time { return now }

	first, err := cache.Key(context.Background(), srv.kid)
	require.NoError(t, err)

	srv.fail.Store(true)
	now = now.Add(2 * time.Minute)
	again, err := cache.Key(context.Background(), srv.kid)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int32(2), srv.fetches.Load())
}

func TestGoogleIDTokenVerifier_MalformedToken(t *testing.T) {
	v, err := NewGoogleIDTokenVerifier(context.Background(), "client-id", http.DefaultClient)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "garbage")
	require.Error(t, err)
	assert.Nil(t, asConnectivity("jwt:google", err))
}

func TestScopesFromClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
		want   []string
	}{
		{"scope string", map[string]any{"scope": "read write"}, []string{"read", "write"}},
		{"scp string", map[string]any{"scp": "admin"}, []string{"admin"}},
		{"scopes array", map[string]any{"scopes": []any{"write", 7, "bogus"}}, []string{"write"}},
		{"merged and deduplicated", map[string]any{"scope": "read", "scp": []any{"read", "admin"}}, []string{"read", "admin"}},
		{"none", map[string]any{}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scopesFromClaims(tt.claims))
		})
	}
}

func TestTenantFromClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
		want   string
	}{
		{"tenant_id first", map[string]any{"org_id": "o", "tenant_id": "t"}, "t"},
		{"org_id", map[string]any{"org_id": "o", "workspace_id": "w"}, "o"},
		{"namespaced", map[string]any{"https://opencrm.dev/tenant_id": "n"}, "n"},
		{"workspace", map[string]any{"workspace_id": "w"}, "w"},
		{"non-string ignored", map[string]any{"tenant_id": 42, "org_id": "o"}, "o"},
		{"none", map[string]any{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tenantFromClaims(tt.claims))
		})
	}
}

func TestManager_RoutesJWTsByIssuer(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemoryDirectory()

	newProvider := func(name, issuer string, priority int) (*jwksServer, *JWTStrategy) {
		srv := newJWKSServer(t)
		cache := NewJWKSCache(srv.URL, WithJWKSHTTPClient(srv.Client()))
		verifier := NewJWKSVerifier(cache, issuer, testAudience, nil, 0)
		return srv, NewJWTStrategy(ProviderConfig{
			Name:                name,
			Issuers:             []string{issuer},
			Priority:            priority,
			AutoProvisionTenant: true,
		}, verifier, dir, nil)
	}
	srvA, a := newProvider("a", "https://a.example.com", 20)
	srvB, b := newProvider("b", "https://b.example.com", 21)
	manager := NewManager(nil, []Strategy{a, b})

	claimsFor := func(issuer, sub string) jwt.MapClaims {
		c := baseClaims(sub)
		c["iss"] = issuer
		return c
	}

	tests := []struct {
		name         string
		token        string
		wantProvider string
		wantErrIs    error
	}{
		{
			name:         "first provider",
			token:        srvA.sign(t, srvA.kid, claimsFor("https://a.example.com", "ann")),
			wantProvider: "a",
		},
		{
			name:         "second provider is reached",
			token:        srvB.sign(t, srvB.kid, claimsFor("https://b.example.com", "ben")),
			wantProvider: "b",
		},
		{
			name:      "unknown issuer is nobody's token",
			token:     srvB.sign(t, srvB.kid, claimsFor("https://c.example.com", "cal")),
			wantErrIs: ErrNoValidAuthentication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac, err := manager.Authenticate(ctx, bearerRequest(tt.token, nil))
			if tt.wantErrIs != nil {
				require.ErrorIs(t, err, tt.wantErrIs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProvider, ac.Provider)
		})
	}
	assert.Equal(t, int32(1), srvA.fetches.Load(), "only provider a tokens reach its key set")
}

func TestJWTStrategy_ForeignIssuerSkipsVerification(t *testing.T) {
	srv := newJWKSServer(t)
	cache := NewJWKSCache(srv.URL, WithJWKSHTTPClient(srv.Client()))
	s := NewJWTStrategy(ProviderConfig{Name: "corp", Issuers: []string{testIssuer}},
		NewJWKSVerifier(cache, testIssuer, testAudience, nil, 0), directory.NewMemoryDirectory(), nil)

	claims := baseClaims("dan")
	claims["iss"] = "https://other.example.com"
	ac, err := s.Authenticate(context.Background(), bearerRequest(srv.sign(t, srv.kid, claims), nil))
	assert.NoError(t, err)
	assert.Nil(t, ac)
	assert.Equal(t, int32(0), srv.fetches.Load())
}

// newTokenInfoServer answers Google's tokeninfo call for a few fixed tokens.
func newTokenInfoServer(t *testing.T) (*httptest.Server, *atomic.Bool) {
	t.Helper()
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"error":"backend_error"}`)
			return
		}
		switch r.FormValue("access_token") {
		case "ya29.good":
			_, _ = fmt.Fprint(w, `{"issued_to":"client-1","audience":"client-1","user_id":"g-123",`+
				`"email":"gina@example.com","verified_email":true,"expires_in":3599,"scope":"openid email"}`)
		case "ya29.other-app":
			_, _ = fmt.Fprint(w, `{"issued_to":"client-2","audience":"client-2","user_id":"g-123","expires_in":3599}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprint(w, `{"error":"invalid_token","error_description":"Invalid Value"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &down
}

func TestJWTStrategy_GoogleAccessToken(t *testing.T) {
	ctx := context.Background()
	srv, down := newTokenInfoServer(t)
	verifier, err := NewGoogleAccessTokenVerifier(ctx, "client-1",
		option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	s := NewJWTStrategy(ProviderConfig{Name: "google-oauth", AutoProvisionTenant: true},
		verifier, directory.NewMemoryDirectory(), nil)

	ac, err := s.Authenticate(ctx, bearerRequest("ya29.good", nil))
	require.NoError(t, err)
	require.NotNil(t, ac)
	assert.Equal(t, "gina@example.com", ac.Email)
	assert.Equal(t, "google-oauth", ac.Provider)
	assert.Equal(t, []string{"read"}, ac.Scopes, "google scopes fall back to read")

	t.Run("JWTs belong to other strategies", func(t *testing.T) {
		ac, err := s.Authenticate(ctx, bearerRequest("aaa.bbb.ccc", nil))
		assert.NoError(t, err)
		assert.Nil(t, ac)
	})

	t.Run("token for another client", func(t *testing.T) {
		_, err := s.Authenticate(ctx, bearerRequest("ya29.other-app", nil))
		var authErr *AuthError
		require.True(t, errors.As(err, &authErr), "got %v", err)
		assert.Equal(t, http.StatusUnauthorized, authErr.Status)
	})

	t.Run("revoked token", func(t *testing.T) {
		_, err := s.Authenticate(ctx, bearerRequest("ya29.revoked", nil))
		var authErr *AuthError
		require.True(t, errors.As(err, &authErr), "got %v", err)
		assert.Equal(t, CodeInvalidToken, authErr.Code)
	})

	t.Run("tokeninfo outage", func(t *testing.T) {
		down.Store(true)
		defer down.Store(false)
		_, err := s.Authenticate(ctx, bearerRequest("ya29.good", nil))
		var ce *ConnectivityError
		require.True(t, errors.As(err, &ce), "got %v", err)
	})
}
