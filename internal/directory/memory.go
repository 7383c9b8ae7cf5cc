package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type identityKey struct {
	provider string
	subject  string
}

type membershipKey struct {
	tenantID string
	userID   string
}

// MemoryDirectory is an in-process directory. It is safe for concurrent use
// and is intended for development and tests.
type MemoryDirectory struct {
	mu            sync.RWMutex
	users         map[string]*User
	usersByEmail  map[string]string
	identities    map[identityKey]string
	tenants       map[string]*Tenant
	memberships   []*Membership
	membershipIdx map[membershipKey]*Membership
	keys          map[string]*APIKey
	keysByHash    map[string]string
	now           func() time.Time
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:         make(map[string]*User),
		usersByEmail:  make(map[string]string),
		identities:    make(map[identityKey]string),
		tenants:       make(map[string]*Tenant),
		membershipIdx: make(map[membershipKey]*Membership),
		keys:          make(map[string]*APIKey),
		keysByHash:    make(map[string]string),
		now:           time.Now,
	}
}

// CreateUser adds a user without any upstream identity.
func (d *MemoryDirectory) CreateUser(_ context.Context, email, name string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	email = normalizeEmail(email)
	if _, taken := d.usersByEmail[email]; taken && email != "" {
		return nil, fmt.Errorf("create user %q: %w", email, ErrEmailConflict)
	}
	u := d.insertUserLocked(email, name)
	cp := *u
	return &cp, nil
}

func (d *MemoryDirectory) insertUserLocked(email, name string) *User {
	u := &User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		CreatedAt: d.now().UTC(),
	}
	d.users[u.ID] = u
	if email != "" {
		d.usersByEmail[email] = u.ID
	}
	return u
}

// ProvisionUser returns the user linked to the identity, creating both the
// user and the link when neither exists.
func (d *MemoryDirectory) ProvisionUser(_ context.Context, id ExternalIdentity) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := identityKey{provider: id.Provider, subject: id.Subject}
	if userID, ok := d.identities[key]; ok {
		cp := *d.users[userID]
		return &cp, nil
	}

	email := normalizeEmail(id.Email)
	if _, taken := d.usersByEmail[email]; taken && email != "" {
		return nil, fmt.Errorf("provision %s/%s: %w", id.Provider, id.Subject, ErrEmailConflict)
	}

	u := d.insertUserLocked(email, id.Name)
	d.identities[key] = u.ID
	cp := *u
	return &cp, nil
}

// FindUserByEmail looks a user up by normalized email.
func (d *MemoryDirectory) FindUserByEmail(_ context.Context, email string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	userID, ok := d.usersByEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d.users[userID]
	return &cp, nil
}

// CreateTenant creates a tenant and, when ownerID is set, an owner membership.
func (d *MemoryDirectory) CreateTenant(_ context.Context, name, ownerID string) (*Tenant, *Membership, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ownerID != "" {
		if _, ok := d.users[ownerID]; !ok {
			return nil, nil, fmt.Errorf("create tenant: owner %s: %w", ownerID, ErrNotFound)
		}
	}

	t := &Tenant{ID: uuid.NewString(), Name: name, CreatedAt: d.now().UTC()}
	d.tenants[t.ID] = t
	tc := *t

	if ownerID == "" {
		return &tc, nil, nil
	}
	m := d.insertMembershipLocked(t.ID, ownerID, RoleOwner)
	mc := *m
	return &tc, &mc, nil
}

// AddMembership binds a user to a tenant. An existing membership has its
// role replaced.
func (d *MemoryDirectory) AddMembership(_ context.Context, tenantID, userID string, role Role) (*Membership, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("add membership: invalid role %q", role)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.tenants[tenantID]; !ok {
		return nil, fmt.Errorf("add membership: tenant %s: %w", tenantID, ErrNotFound)
	}
	if _, ok := d.users[userID]; !ok {
		return nil, fmt.Errorf("add membership: user %s: %w", userID, ErrNotFound)
	}
	if m, ok := d.membershipIdx[membershipKey{tenantID, userID}]; ok {
		m.Role = role
		mc := *m
		return &mc, nil
	}
	m := d.insertMembershipLocked(tenantID, userID, role)
	mc := *m
	return &mc, nil
}

func (d *MemoryDirectory) insertMembershipLocked(tenantID, userID string, role Role) *Membership {
	m := &Membership{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		Role:      role,
		CreatedAt: d.now().UTC(),
	}
	d.memberships = append(d.memberships, m)
	d.membershipIdx[membershipKey{tenantID, userID}] = m
	return m
}

// FindMembership returns the membership of userID in tenantID.
func (d *MemoryDirectory) FindMembership(_ context.Context, tenantID, userID string) (*Membership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.membershipIdx[membershipKey{tenantID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	mc := *m
	return &mc, nil
}

// ListMemberships returns a user's memberships, oldest first.
func (d *MemoryDirectory) ListMemberships(_ context.Context, userID string) ([]Membership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Membership
	for _, m := range d.memberships {
		if m.UserID == userID {
			out = append(out, *m)
		}
	}
	return out, nil
}

// StoreAPIKey persists a key record. ID and CreatedAt are filled in when
// empty.
func (d *MemoryDirectory) StoreAPIKey(_ context.Context, key *APIKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = d.now().UTC()
	}
	idx := key.Prefix + ":" + key.KeyHash
	if _, dup := d.keysByHash[idx]; dup {
		return fmt.Errorf("store api key: duplicate prefix/hash")
	}
	cp := *key
	cp.Scopes = append([]string(nil), key.Scopes...)
	d.keys[cp.ID] = &cp
	d.keysByHash[idx] = cp.ID
	return nil
}

// FindAPIKey looks a key up by prefix and secret hash.
func (d *MemoryDirectory) FindAPIKey(_ context.Context, prefix, hash string) (*APIKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.keysByHash[prefix+":"+hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d.keys[id]
	cp.Scopes = append([]string(nil), d.keys[id].Scopes...)
	return &cp, nil
}

// TouchAPIKey records the last time a key was used.
func (d *MemoryDirectory) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	k, ok := d.keys[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	k.LastUsedAt = &t
	return nil
}

// RevokeAPIKey marks a key revoked.
func (d *MemoryDirectory) RevokeAPIKey(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	k, ok := d.keys[id]
	if !ok {
		return ErrNotFound
	}
	t := d.now().UTC()
	k.RevokedAt = &t
	return nil
}

// Ping always succeeds.
func (d *MemoryDirectory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (d *MemoryDirectory) Close() error { return nil }
