package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/directory"
)

// Strategy verifies one kind of credential.
//
// Authenticate returns (nil, nil) when the request does not carry the
// credential this strategy understands.
type Strategy interface {
	Name() string
	Priority() int
	Authenticate(ctx context.Context, r *http.Request) (*AuthContext, error)
}

// KeyStore is the directory surface APIKeyStrategy needs.
type KeyStore interface {
	FindAPIKey(ctx context.Context, prefix, hash string) (*directory.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	FindMembership(ctx context.Context, tenantID, userID string) (*directory.Membership, error)
}

// UserDirectory is the directory surface JWTStrategy needs.
type UserDirectory interface {
	ProvisionUser(ctx context.Context, id directory.ExternalIdentity) (*directory.User, error)
	FindUserByEmail(ctx context.Context, email string) (*directory.User, error)
	FindMembership(ctx context.Context, tenantID, userID string) (*directory.Membership, error)
	ListMemberships(ctx context.Context, userID string) ([]directory.Membership, error)
	CreateTenant(ctx context.Context, name, ownerID string) (*directory.Tenant, *directory.Membership, error)
}
