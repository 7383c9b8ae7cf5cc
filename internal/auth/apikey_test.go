package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/directory"
)

type keyFixture struct {
	dir      *directory.MemoryDirectory
	user     *directory.User
	tenant   *directory.Tenant
	other    *directory.Tenant
	plain    string
	key      *directory.APIKey
	strategy *APIKeyStrategy
}

func newKeyFixture(t *testing.T, mutate func(*directory.APIKey)) *keyFixture {
	t.Helper()
	ctx := context.Background()
	dir := directory.NewMemoryDirectory()

	user, err := dir.CreateUser(ctx, "dev@example.com", "Dev")
	require.NoError(t, err)
	tenant, _, err := dir.CreateTenant(ctx, "acme", user.ID)
	require.NoError(t, err)
	other, _, err := dir.CreateTenant(ctx, "globex", "")
	require.NoError(t, err)

	gen, err := GenerateAPIKey("ocrm")
	require.NoError(t, err)
	key := &directory.APIKey{
		Prefix:   gen.Prefix,
		KeyHash:  gen.Hash,
		UserID:   user.ID,
		TenantID: tenant.ID,
		Name:     "ci",
		Scopes:   []string{"write"},
	}
	if mutate != nil {
		mutate(key)
	}
	require.NoError(t, dir.StoreAPIKey(ctx, key))

	return &keyFixture{
		dir:      dir,
		user:     user,
		tenant:   tenant,
		other:    other,
		plain:    gen.Plaintext,
		key:      key,
		strategy: NewAPIKeyStrategy(APIKeyConfig{}, dir, nil),
	}
}

func keyRequest(key, tenant string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	if key != "" {
		r.Header.Set("X-API-Key", key)
	}
	if tenant != "" {
		r.Header.Set("X-Tenant-ID", tenant)
	}
	return r
}

func TestAPIKeyStrategy_Success(t *testing.T) {
	f := newKeyFixture(t, nil)

	ac, err := f.strategy.Authenticate(context.Background(), keyRequest(f.plain, f.tenant.ID))
	require.NoError(t, err)
	require.NotNil(t, ac)
	assert.Equal(t, f.user.ID, ac.UserID)
	assert.Equal(t, f.tenant.ID, ac.TenantID)
	assert.Equal(t, directory.RoleOwner, ac.Role)
	assert.Equal(t, MethodAPIKey, ac.Method)
	assert.Equal(t, []string{"write"}, ac.Scopes)

	f.strategy.Wait()
	stored, err := f.dir.FindAPIKey(context.Background(), f.key.Prefix, f.key.KeyHash)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastUsedAt)
}

func TestAPIKeyStrategy_Absent(t *testing.T) {
	f := newKeyFixture(t, nil)
	ac, err := f.strategy.Authenticate(context.Background(), keyRequest("", f.tenant.ID))
	assert.NoError(t, err)
	assert.Nil(t, ac)
}

func TestAPIKeyStrategy_Failures(t *testing.T) {
	past := time.Now().Add(-time.Minute)

	tests := []struct {
		name       string
		mutate     func(*directory.APIKey)
		key        func(f *keyFixture) string
		tenant     func(f *keyFixture) string
		wantStatus int
		wantDesc   string
	}{
		{
			name:       "malformed",
			key:        func(*keyFixture) string { return "not-a-key" },
			wantStatus: http.StatusUnauthorized,
			wantDesc:   "malformed API key",
		},
		{
			name:       "wrong product",
			key:        func(f *keyFixture) string { return "xyz" + f.plain[4:] },
			wantStatus: http.StatusUnauthorized,
			wantDesc:   "malformed API key",
		},
		{
			name:       "unknown secret",
			key:        func(f *keyFixture) string { return f.key.Prefix + "_AAAAAAAAAAAAAAAAAAAAAAAA" },
			wantStatus: http.StatusUnauthorized,
			wantDesc:   "invalid API key",
		},
		{
			name:       "revoked",
			mutate:     func(k *directory.APIKey) { k.RevokedAt = &past },
			wantStatus: http.StatusUnauthorized,
			wantDesc:   "API key has been revoked",
		},
		{
			name:       "expired",
			mutate:     func(k *directory.APIKey) { k.ExpiresAt = &past },
			wantStatus: http.StatusUnauthorized,
			wantDesc:   "API key has expired",
		},
		{
			name:       "missing tenant header",
			tenant:     func(*keyFixture) string { return "" },
			wantStatus: http.StatusBadRequest,
			wantDesc:   "missing required header X-Tenant-ID",
		},
		{
			name:       "key bound to no tenant",
			mutate:     func(k *directory.APIKey) { k.TenantID = "" },
			wantStatus: http.StatusForbidden,
			wantDesc:   "API key is not valid for this tenant",
		},
		{
			name:       "key for another tenant",
			tenant:     func(f *keyFixture) string { return f.other.ID },
			wantStatus: http.StatusForbidden,
			wantDesc:   "API key is not valid for this tenant",
		},
		{
			name:       "key scoped to another tenant",
			mutate:     func(k *directory.APIKey) { k.TenantID = "somewhere-else" },
			wantStatus: http.StatusForbidden,
			wantDesc:   "API key is not valid for this tenant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newKeyFixture(t, tt.mutate)
			key := f.plain
			if tt.key != nil {
				key = tt.key(f)
			}
			tenant := f.tenant.ID
			if tt.tenant != nil {
				tenant = tt.tenant(f)
			}

			ac, err := f.strategy.Authenticate(context.Background(), keyRequest(key, tenant))
			assert.Nil(t, ac)
			var authErr *AuthError
			require.True(t, errors.As(err, &authErr), "got %v", err)
			assert.Equal(t, tt.wantStatus, authErr.Status)
			assert.Equal(t, tt.wantDesc, authErr.Description)
			assert.Equal(t, "api_key", authErr.Strategy)
		})
	}
}

func TestAPIKeyStrategy_MembershipRevoked(t *testing.T) {
	f := newKeyFixture(t, nil)
	ctx := context.Background()

	// A key bound to a tenant the user has since left.
	gen, err := GenerateAPIKey("ocrm")
	require.NoError(t, err)
	require.NoError(t, f.dir.StoreAPIKey(ctx, &directory.APIKey{
		Prefix:   gen.Prefix,
		KeyHash:  gen.Hash,
		UserID:   f.user.ID,
		TenantID: f.other.ID,
		Name:     "stale",
	}))

	ac, err := f.strategy.Authenticate(ctx, keyRequest(gen.Plaintext, f.other.ID))
	assert.Nil(t, ac)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.Equal(t, http.StatusForbidden, authErr.Status)
	assert.Equal(t, CodeAccessDenied, authErr.Code)
	assert.Equal(t, "user is not a member of this tenant", authErr.Description)
}

func TestAPIKeyStrategy_DefaultScopes(t *testing.T) {
	f := newKeyFixture(t, func(k *directory.APIKey) { k.Scopes = []string{"bogus"} })

	ac, err := f.strategy.Authenticate(context.Background(), keyRequest(f.plain, f.tenant.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, ac.Scopes)
}

type unavailableKeys struct{}

func (unavailableKeys) FindAPIKey(context.Context, string, string) (*directory.APIKey, error) {
	return nil, directory.ErrUnavailable
}
func (unavailableKeys) TouchAPIKey(context.Context, string, time.Time) error { return nil }
func (unavailableKeys) FindMembership(context.Context, string, string) (*directory.Membership, error) {
	return nil, directory.ErrUnavailable
}

func TestAPIKeyStrategy_StoreUnavailable(t *testing.T) {
	s := NewAPIKeyStrategy(APIKeyConfig{}, unavailableKeys{}, nil)
	gen, err := GenerateAPIKey("")
	require.NoError(t, err)

	_, err = s.Authenticate(context.Background(), keyRequest(gen.Plaintext, "t"))
	var ce *ConnectivityError
	assert.True(t, errors.As(err, &ce))
}

func TestParseAPIKey(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantPrefix string
		wantErr    bool
	}{
		{name: "prefix form", raw: "ocrm_ab12cd34_0123456789abcdefXYZ", wantPrefix: "ocrm_ab12cd34"},
		{name: "environment form", raw: "ocrm_live_0123456789abcdef-_xy", wantPrefix: "ocrm_live"},
		{name: "secret may hold underscores", raw: "ocrm_test_abc_def_ghi_jkl_mnop", wantPrefix: "ocrm_test"},
		{name: "two segments", raw: "ocrm_0123456789abcdef", wantErr: true},
		{name: "short secret", raw: "ocrm_live_short", wantErr: true},
		{name: "bad prefix chars", raw: "ocrm_li.ve_0123456789abcdef", wantErr: true},
		{name: "bad secret chars", raw: "ocrm_live_0123456789abcdef!!", wantErr: true},
		{name: "empty prefix", raw: "ocrm__0123456789abcdef", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseAPIKey(tt.raw, "ocrm")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, p.Prefix)
		})
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey("ocrm")
	require.NoError(t, err)
	b, err := GenerateAPIKey("ocrm")
	require.NoError(t, err)
	assert.NotEqual(t, a.Plaintext, b.Plaintext)

	p, err := ParseAPIKey(a.Plaintext, "ocrm")
	require.NoError(t, err)
	assert.Equal(t, a.Prefix, p.Prefix)
	assert.Equal(t, a.Hash, HashSecret(p.Secret))
	assert.Len(t, a.Hash, 64)
}
