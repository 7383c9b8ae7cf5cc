package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/directory"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/logging"
)

// resolveUser links the token's identity to a user, creating one on first
// sight. When the email already belongs to a different user the existing
// user is returned along with their oldest membership.
func (s *JWTStrategy) resolveUser(ctx context.Context, vt *VerifiedToken) (*directory.User, *directory.Membership, error) {
	user, err := s.dir.ProvisionUser(ctx, directory.ExternalIdentity{
		Provider: s.cfg.Name,
		Subject:  vt.Subject,
		Email:    vt.Email,
		Name:     vt.Name,
	})
	if err == nil {
		return user, nil, nil
	}
	if !errors.Is(err, directory.ErrEmailConflict) || vt.Email == "" {
		return nil, nil, fmt.Errorf("provision user: %w", err)
	}
	if emailUnverified(vt.Claims) {
		return nil, nil, Forbidden(s.Name(), "email address is not verified")
	}

	user, err = s.dir.FindUserByEmail(ctx, vt.Email)
	if err != nil {
		return nil, nil, fmt.Errorf("find user by email: %w", err)
	}
	memberships, err := s.dir.ListMemberships(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list memberships: %w", err)
	}

	s.logger.Warn("email already bound to another identity, using existing user",
		logging.Strategy(s.Name()),
		logging.UserHash(vt.Email),
		slog.Int("memberships", len(memberships)))

	if len(memberships) == 0 {
		return user, nil, nil
	}
	first := memberships[0]
	return user, &first, nil
}

// resolveMembership picks the tenant from the token claims, then the tenant
// header, then the fallback membership, then auto-provisioning.
func (s *JWTStrategy) resolveMembership(ctx context.Context, r *http.Request, vt *VerifiedToken, user *directory.User, fallback *directory.Membership) (*directory.Membership, error) {
	tenantID := tenantFromClaims(vt.Claims)
	if tenantID == "" {
		tenantID = strings.TrimSpace(r.Header.Get(s.cfg.TenantHeader))
	}

	if tenantID == "" {
		if fallback != nil {
			return fallback, nil
		}
		return s.provisionTenant(ctx, user)
	}

	m, err := s.dir.FindMembership(ctx, tenantID, user.ID)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, Forbidden(s.Name(), "user is not a member of this tenant")
	}
	if err != nil {
		return nil, fmt.Errorf("find membership: %w", err)
	}
	return m, nil
}

func (s *JWTStrategy) provisionTenant(ctx context.Context, user *directory.User) (*directory.Membership, error) {
	missing := BadRequest(s.Name(),
		fmt.Sprintf("tenant could not be determined: include a tenant claim or the %s header", s.cfg.TenantHeader))
	if !s.cfg.AutoProvisionTenant {
		return nil, missing
	}

	existing, err := s.dir.ListMemberships(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	if len(existing) > 0 {
		return nil, missing
	}

	name := user.Name
	if name == "" {
		name = user.Email
	}
	tenant, owner, err := s.dir.CreateTenant(ctx, name+"'s workspace", user.ID)
	if err != nil {
		return nil, fmt.Errorf("auto-provision tenant: %w", err)
	}
	s.logger.Info("provisioned tenant for new user",
		logging.Strategy(s.Name()),
		logging.Tenant(tenant.ID),
		logging.UserHash(user.Email))
	return owner, nil
}
