package auth

import (
	"context"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/directory"
)

// Method identifies how a principal authenticated.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodJWT    Method = "jwt"
)

// AuthContext is the authenticated principal for a single request.
type AuthContext struct {
	UserID       string
	Email        string
	TenantID     string
	MembershipID string
	Role         directory.Role
	Method       Method
	// Provider is the upstream identity provider for MethodJWT.
	Provider string
	Scopes   []string
}

type contextKey int

const authContextKey contextKey = iota

// WithAuthContext returns a copy of ctx carrying ac.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext returns the principal stored by WithAuthContext.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey).(*AuthContext)
	return ac, ok && ac != nil
}
