// Package directory provides the identity lookup the credential strategies
// consume: users, their upstream identities, tenants, memberships and API
// keys. Two backends are provided, an in-process MemoryDirectory and a
// SQLite-backed SQLDirectory.
package directory

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("directory: not found")

	// ErrEmailConflict is returned by ProvisionUser when the email address is
	// already bound to a user that is not linked to the presented identity.
	ErrEmailConflict = errors.New("directory: email already bound to another identity")

	// ErrUnavailable wraps backend failures (I/O, locked database, closed
	// connection) as opposed to negative lookups.
	ErrUnavailable = errors.New("directory: backend unavailable")
)

// Role is a tenant membership role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

// Valid reports whether r is one of the fixed roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r ranks equal to or above other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other] && r.Valid()
}

// User is a local user record.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// ExternalIdentity identifies a user at an upstream identity provider.
type ExternalIdentity struct {
	Provider string
	Subject  string
	Email    string
	Name     string
}

// Tenant is a workspace.
type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Membership binds a user to a tenant with a role.
type Membership struct {
	ID        string
	TenantID  string
	UserID    string
	Role      Role
	CreatedAt time.Time
}

// APIKey is the stored half of an API key. Only the SHA-256 hash of the
// secret component is kept.
type APIKey struct {
	ID         string
	Prefix     string
	KeyHash    string
	UserID     string
	TenantID   string
	Name       string
	Scopes     []string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// Expired reports whether the key is past its expiry at now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(s string) []string {
	return strings.Fields(s)
}
