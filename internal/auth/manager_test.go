package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/directory"
)

type stubStrategy struct {
	name     string
	priority int
	ac       *AuthContext
	err      error
	calls    int
}

func (s *stubStrategy) Name() string  { return s.name }
func (s *stubStrategy) Priority() int { return s.priority }
func (s *stubStrategy) Authenticate(context.Context, *http.Request) (*AuthContext, error) {
	s.calls++
	return s.ac, s.err
}

func TestManager_Authenticate(t *testing.T) {
	principal := &AuthContext{UserID: "u1", TenantID: "t1", Role: directory.RoleMember, Method: MethodAPIKey}
	unreachable := &ConnectivityError{Strategy: "jwt:auth0", Err: &url.Error{Op: "Get", URL: "https://x", Err: errors.New("dial")}}

	tests := []struct {
		name       string
		strategies func() []*stubStrategy
		wantUser   string
		wantStatus int
		wantErrIs  error
		wantCalls  []int
	}{
		{
			name: "first success wins",
			strategies: func() []*stubStrategy {
				return []*stubStrategy{
					{name: "b", priority: 20, ac: &AuthContext{UserID: "other"}},
					{name: "a", priority: 10, ac: principal},
				}
			},
			wantUser:  "u1",
			wantCalls: []int{0, 1},
		},
		{
			name: "absent falls through",
			strategies: func() []*stubStrategy {
				return []*stubStrategy{
					{name: "a", priority: 10},
					{name: "b", priority: 20, ac: principal},
				}
			},
			wantUser:  "u1",
			wantCalls: []int{1, 1},
		},
		{
			name: "auth error stops the pipeline",
			strategies: func() []*stubStrategy {
				return []*stubStrategy{
					{name: "a", priority: 10, err: Forbidden("", "not a member")},
					{name: "b", priority: 20, ac: principal},
				}
			},
			wantStatus: http.StatusForbidden,
			wantCalls:  []int{1, 0},
		},
		{
			name: "connectivity error tries the next strategy",
			strategies: func() []*stubStrategy {
				return []*stubStrategy{
					{name: "a", priority: 10, err: unreachable},
					{name: "b", priority: 20, ac: principal},
				}
			},
			wantUser:  "u1",
			wantCalls: []int{1, 1},
		},
		{
			name: "connectivity everywhere is no valid authentication",
			strategies: func() []*stubStrategy {
				return []*stubStrategy{
					{name: "a", priority: 10, err: unreachable},
				}
			},
			wantStatus: http.StatusUnauthorized,
			wantErrIs:  ErrNoValidAuthentication,
			wantCalls:  []int{1},
		},
		{
			name: "unexpected error becomes 401",
			strategies: func() []*stubStrategy {
				return []*stubStrategy{
					{name: "a", priority: 10, err: errors.New("boom")},
					{name: "b", priority: 20, ac: principal},
				}
			},
			wantStatus: http.StatusUnauthorized,
			wantCalls:  []int{1, 0},
		},
		{
			name:       "no strategies",
			strategies: func() []*stubStrategy { return nil },
			wantStatus: http.StatusUnauthorized,
			wantErrIs:  ErrNoValidAuthentication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubs := tt.strategies()
			var list []Strategy
			for _, s := range stubs {
				list = append(list, s)
			}
			m := NewManager(nil, list)

			ac, err := m.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/mcp", nil))
			if tt.wantUser != "" {
				require.NoError(t, err)
				assert.Equal(t, tt.wantUser, ac.UserID)
			} else {
				require.Error(t, err)
				assert.Nil(t, ac)
				var authErr *AuthError
				require.True(t, errors.As(err, &authErr))
				assert.Equal(t, tt.wantStatus, authErr.Status)
				if tt.wantErrIs != nil {
					assert.ErrorIs(t, err, tt.wantErrIs)
				}
			}
			for i, want := range tt.wantCalls {
				assert.Equal(t, want, stubs[i].calls, "calls to %s", stubs[i].name)
			}
		})
	}
}

func TestManager_RejectionNamesStrategy(t *testing.T) {
	shared := Unauthorized("", "bad")
	m := NewManager(nil, []Strategy{&stubStrategy{name: "api_key", priority: 10, err: shared}})

	_, err := m.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "api_key", authErr.Strategy)
	assert.Empty(t, shared.Strategy, "strategy error must not be mutated")
}

func TestManager_StrategiesOrder(t *testing.T) {
	m := NewManager(nil, []Strategy{
		&stubStrategy{name: "jwt:b", priority: 20},
		&stubStrategy{name: "api_key", priority: 10},
		&stubStrategy{name: "jwt:c", priority: 20},
	})
	var names []string
	for _, s := range m.Strategies() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"api_key", "jwt:b", "jwt:c"}, names)
}

func TestContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ac := &AuthContext{UserID: "u"}
	got, ok := FromContext(WithAuthContext(context.Background(), ac))
	require.True(t, ok)
	assert.Same(t, ac, got)
}

func TestAsConnectivity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"url error", &url.Error{Op: "Get", URL: "u", Err: errors.New("x")}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"directory outage", directory.ErrUnavailable, true},
		{"jwks", ErrJWKSUnavailable, true},
		{"plain", errors.New("bad signature"), false},
		{"not found", directory.ErrNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, asConnectivity("s", tt.err) != nil)
		})
	}
}
