package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
)

// MemoryStore is a process-local Store. Entries are lost on restart, so
// every replica behind a load balancer needs sticky routing or a shared
// store instead.
type MemoryStore struct {
	mu       sync.RWMutex
	pending  map[string]*PendingAuthorization
	codes    map[string]*AuthorizationCode
	clients  map[string]*Client
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *instrumentation.Metrics

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets the sweep interval.
func WithCleanupInterval(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.interval = d }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) MemoryStoreOption {
	return func(s *MemoryStore) { s.logger = logger }
}

// WithStoreMetrics records sweep counts.
func WithStoreMetrics(m *instrumentation.Metrics) MemoryStoreOption {
	return func(s *MemoryStore) { s.metrics = m }
}

// NewMemoryStore creates a store and starts its background sweep. Call Stop
// or Close to end it.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		pending:  make(map[string]*PendingAuthorization),
		codes:    make(map[string]*AuthorizationCode),
		clients:  make(map[string]*Client),
		interval: DefaultCleanupInterval,
		now:      time.Now,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) SavePending(_ context.Context, p *PendingAuthorization) error {
	if p == nil || p.State == "" {
		return fmt.Errorf("pending authorization requires a state")
	}
	cp := *p
	s.mu.Lock()
	s.pending[p.State] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetPending(_ context.Context, state string) (*PendingAuthorization, error) {
	s.mu.RLock()
	p, ok := s.pending[state]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !s.now().Before(p.ExpiresAt) {
		return nil, ErrExpired
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ConsumePending(_ context.Context, state string) (*PendingAuthorization, error) {
	s.mu.Lock()
	p, ok := s.pending[state]
	delete(s.pending, state)
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !s.now().Before(p.ExpiresAt) {
		return nil, ErrExpired
	}
	return p, nil
}

func (s *MemoryStore) SaveAuthorizationCode(_ context.Context, c *AuthorizationCode) error {
	if c == nil || c.Code == "" {
		return fmt.Errorf("authorization code requires a code")
	}
	cp := *c
	s.mu.Lock()
	s.codes[c.Code] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.RLock()
	c, ok := s.codes[code]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !s.now().Before(c.ExpiresAt) {
		return nil, ErrExpired
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	c, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !s.now().Before(c.ExpiresAt) {
		return nil, ErrExpired
	}
	return c, nil
}

func (s *MemoryStore) SaveClient(_ context.Context, c *Client) error {
	if c == nil || c.ClientID == "" {
		return fmt.Errorf("client requires a client id")
	}
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	s.mu.Lock()
	s.clients[c.ClientID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	return &cp, nil
}

// Stats returns the size of each collection.
func (s *MemoryStore) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]int{
		"pending": len(s.pending),
		"codes":   len(s.codes),
		"clients": len(s.clients),
	}
}

// Stop ends the background sweep. It is safe to call more than once.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.Stop()
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep collects expired keys under the read lock and deletes them under
// the write lock, re-checking each entry since it may have been replaced.
func (s *MemoryStore) sweep() {
	now := s.now()

	s.mu.RLock()
	var expiredPending, expiredCodes []string
	for k, p := range s.pending {
		if !now.Before(p.ExpiresAt) {
			expiredPending = append(expiredPending, k)
		}
	}
	for k, c := range s.codes {
		if !now.Before(c.ExpiresAt) {
			expiredCodes = append(expiredCodes, k)
		}
	}
	s.mu.RUnlock()

	if len(expiredPending) == 0 && len(expiredCodes) == 0 {
		return
	}

	pendingRemoved, codesRemoved := 0, 0
	s.mu.Lock()
	for _, k := range expiredPending {
		if p, ok := s.pending[k]; ok && !now.Before(p.ExpiresAt) {
			delete(s.pending, k)
			pendingRemoved++
		}
	}
	for _, k := range expiredCodes {
		if c, ok := s.codes[k]; ok && !now.Before(c.ExpiresAt) {
			delete(s.codes, k)
			codesRemoved++
		}
	}
	s.mu.Unlock()

	ctx := context.Background()
	s.metrics.RecordStoreSweep(ctx, "pending", pendingRemoved)
	s.metrics.RecordStoreSweep(ctx, "codes", codesRemoved)
	s.logger.Debug("Cleaned up expired OAuth flow data",
		"pending_deleted", pendingRemoved,
		"codes_deleted", codesRemoved)
}

var _ Store = (*MemoryStore)(nil)
