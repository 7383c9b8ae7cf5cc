package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
)

const (
	defaultJWKSTTL        = time.Hour
	defaultJWKSMinRefresh = 30 * time.Second
	defaultJWKSTimeout    = 10 * time.Second
	maxJWKSBody           = 1 << 20
)

var (
	// ErrJWKSUnavailable reports that the key set could not be fetched or
	// decoded.
	ErrJWKSUnavailable = errors.New("jwks unavailable")

	// ErrUnknownKey reports that the token names a key the set does not
	// contain.
	ErrUnknownKey = errors.New("unknown signing key")
)

// JWKSCache fetches and caches a provider's public signing keys. An unknown
// key id triggers one refresh, shared by concurrent callers and throttled to
// one per minRefresh.
type JWKSCache struct {
	url        string
	client     *http.Client
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	keys      map[string]any
	fetchedAt time.Time

	group singleflight.Group
}

// JWKSOption configures a JWKSCache.
type JWKSOption func(*JWKSCache)

// WithJWKSHTTPClient replaces the default client, which times out after
// ten seconds.
func WithJWKSHTTPClient(c *http.Client) JWKSOption {
	return func(j *JWKSCache) { j.client = c }
}

// WithJWKSTTL sets how long a fetched key set is trusted.
func WithJWKSTTL(d time.Duration) JWKSOption {
	return func(j *JWKSCache) { j.ttl = d }
}

// WithJWKSMinRefresh throttles refreshes caused by unknown key ids.
func WithJWKSMinRefresh(d time.Duration) JWKSOption {
	return func(j *JWKSCache) { j.minRefresh = d }
}

// NewJWKSCache creates a cache for the key set at url. Nothing is fetched
// until the first lookup.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	j := &JWKSCache{
		url:        url,
		client:     &http.Client{Timeout: defaultJWKSTimeout},
		ttl:        defaultJWKSTTL,
		minRefresh: defaultJWKSMinRefresh,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Key returns the public key for kid. An empty kid matches a set holding a
// single key.
func (j *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	key, found, fresh, fetchedAt := j.lookup(kid)
	if found && fresh {
		return key, nil
	}

	if found {
		// Stale. Serve the old key if the refresh fails.
		if err := j.refresh(ctx); err != nil {
			return key, nil
		}
	} else {
		if !fetchedAt.IsZero() && j.now().Sub(fetchedAt) < j.minRefresh {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
		}
		if err := j.refresh(ctx); err != nil {
			return nil, err
		}
	}

	key, found, _, _ = j.lookup(kid)
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}
	return key, nil
}

func (j *JWKSCache) lookup(kid string) (key any, found, fresh bool, fetchedAt time.Time) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	fetchedAt = j.fetchedAt
	fresh = !fetchedAt.IsZero() && j.now().Sub(fetchedAt) < j.ttl
	if kid == "" {
		if len(j.keys) == 1 {
			for _, k := range j.keys {
				return k, true, fresh, fetchedAt
			}
		}
		return nil, false, fresh, fetchedAt
	}
	key, found = j.keys[kid]
	return key, found, fresh, fetchedAt
}

func (j *JWKSCache) refresh(ctx context.Context) error {
	_, err, _ := j.group.Do("jwks", func() (any, error) {
		keys, err := j.fetch(ctx)
		if err != nil {
			return nil, err
		}
		j.mu.Lock()
		j.keys = keys
		j.fetchedAt = j.now()
		j.mu.Unlock()
		return nil, nil
	})
	return err
}

func (j *JWKSCache) fetch(ctx context.Context) (map[string]any, error) {
	ctx, span := instrumentation.StartClientSpan(ctx, "jwks.fetch",
		attribute.String("http.url", j.url))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: %s returned status %d", ErrJWKSUnavailable, j.url, resp.StatusCode)
		instrumentation.SetSpanError(span, err)
		return nil, err
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBody)).Decode(&set); err != nil {
		err = fmt.Errorf("%w: decode: %v", ErrJWKSUnavailable, err)
		instrumentation.SetSpanError(span, err)
		return nil, err
	}

	keys := make(map[string]any, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use == "enc" || !k.Valid() {
			instrumentation.AddSpanEvent(span, "jwks.key_skipped", attribute.String("kid", k.KeyID))
			continue
		}
		keys[k.KeyID] = k.Public().Key
	}
	span.SetAttributes(attribute.Int("jwks.keys", len(keys)))
	instrumentation.SetSpanSuccess(span)
	return keys, nil
}
