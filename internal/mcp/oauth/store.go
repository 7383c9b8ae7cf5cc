package oauth

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when an entry does not exist or was consumed.
	ErrNotFound = errors.New("oauth: entry not found")

	// ErrExpired is returned when an entry exists but is past its expiry.
	ErrExpired = errors.New("oauth: entry expired")

	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("oauth: store unavailable")
)

// Store holds the proxy's three collections: pending authorizations,
// authorization codes and registered clients.
//
// Consume methods are atomic: when callers race on the same key exactly
// one of them receives the entry.
type Store interface {
	SavePending(ctx context.Context, p *PendingAuthorization) error
	GetPending(ctx context.Context, state string) (*PendingAuthorization, error)
	ConsumePending(ctx context.Context, state string) (*PendingAuthorization, error)

	SaveAuthorizationCode(ctx context.Context, c *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	SaveClient(ctx context.Context, c *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)

	Close() error
}
