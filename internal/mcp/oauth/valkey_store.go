package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// DefaultValkeyPrefix namespaces the proxy's keys.
const DefaultValkeyPrefix = "opencrm:oauth:"

// ValkeyStore keeps the proxy collections in Valkey so several replicas can
// share one flow. Pending entries and codes carry a native TTL; consume uses
// GETDEL, which the server executes atomically.
type ValkeyStore struct {
	client     valkey.Client
	prefix     string
	encryption *TokenEncryption
	now        func() time.Time
}

// NewValkeyStore connects to addr. encryption may be nil.
func NewValkeyStore(addr, prefix string, encryption *TokenEncryption) (*ValkeyStore, error) {
	cli, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return NewValkeyStoreWithClient(cli, prefix, encryption), nil
}

// NewValkeyStoreWithClient wraps an existing client.
func NewValkeyStoreWithClient(client valkey.Client, prefix string, encryption *TokenEncryption) *ValkeyStore {
	if prefix == "" {
		prefix = DefaultValkeyPrefix
	}
	if encryption == nil {
		encryption = &TokenEncryption{}
	}
	return &ValkeyStore{client: client, prefix: prefix, encryption: encryption, now: time.Now}
}

func (s *ValkeyStore) key(kind, id string) string {
	return s.prefix + kind + ":" + id
}

func (s *ValkeyStore) SavePending(ctx context.Context, p *PendingAuthorization) error {
	if p == nil || p.State == "" {
		return errors.New("pending authorization requires a state")
	}
	return s.setWithExpiry(ctx, s.key("pending", p.State), p, p.ExpiresAt)
}

func (s *ValkeyStore) GetPending(ctx context.Context, state string) (*PendingAuthorization, error) {
	var p PendingAuthorization
	if err := s.get(ctx, s.key("pending", state), &p); err != nil {
		return nil, err
	}
	if !s.now().Before(p.ExpiresAt) {
		return nil, ErrExpired
	}
	return &p, nil
}

func (s *ValkeyStore) ConsumePending(ctx context.Context, state string) (*PendingAuthorization, error) {
	var p PendingAuthorization
	if err := s.getdel(ctx, s.key("pending", state), &p); err != nil {
		return nil, err
	}
	if !s.now().Before(p.ExpiresAt) {
		return nil, ErrExpired
	}
	return &p, nil
}

func (s *ValkeyStore) SaveAuthorizationCode(ctx context.Context, c *AuthorizationCode) error {
	if c == nil || c.Code == "" {
		return errors.New("authorization code requires a code")
	}
	sealed, err := s.encryption.sealCode(c)
	if err != nil {
		return fmt.Errorf("failed to seal upstream tokens: %w", err)
	}
	return s.setWithExpiry(ctx, s.key("code", c.Code), sealed, c.ExpiresAt)
}

func (s *ValkeyStore) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var c AuthorizationCode
	if err := s.get(ctx, s.key("code", code), &c); err != nil {
		return nil, err
	}
	return s.openCode(&c)
}

func (s *ValkeyStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var c AuthorizationCode
	if err := s.getdel(ctx, s.key("code", code), &c); err != nil {
		return nil, err
	}
	return s.openCode(&c)
}

func (s *ValkeyStore) openCode(c *AuthorizationCode) (*AuthorizationCode, error) {
	if !s.now().Before(c.ExpiresAt) {
		return nil, ErrExpired
	}
	if err := s.encryption.openCode(c); err != nil {
		return nil, fmt.Errorf("failed to open upstream tokens: %w", err)
	}
	return c, nil
}

func (s *ValkeyStore) SaveClient(ctx context.Context, c *Client) error {
	if c == nil || c.ClientID == "" {
		return errors.New("client requires a client id")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	cmd := s.client.B().Set().Key(s.key("client", c.ClientID)).Value(string(data)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *ValkeyStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var c Client
	if err := s.get(ctx, s.key("client", clientID), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Ping checks the connection for readiness probes.
func (s *ValkeyStore) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

func (s *ValkeyStore) setWithExpiry(ctx context.Context, key string, v any, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl < time.Second {
		return ErrExpired
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	cmd := s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *ValkeyStore) get(ctx context.Context, key string, v any) error {
	return s.decode(s.client.Do(ctx, s.client.B().Get().Key(key).Build()), v)
}

func (s *ValkeyStore) getdel(ctx context.Context, key string, v any) error {
	return s.decode(s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()), v)
}

func (s *ValkeyStore) decode(res valkey.ValkeyResult, v any) error {
	if err := res.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	val, err := res.ToString()
	if err != nil || val == "" {
		return ErrNotFound
	}
	if err := json.Unmarshal([]byte(val), v); err != nil {
		return fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return nil
}

var _ Store = (*ValkeyStore)(nil)
