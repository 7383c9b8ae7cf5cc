package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
)

const (
	// DefaultSessionIdleTimeout evicts sessions that saw no request for this long.
	DefaultSessionIdleTimeout = 30 * time.Minute

	// DefaultSessionCleanupInterval is how often idle sessions are swept.
	DefaultSessionCleanupInterval = time.Minute

	// terminatedRetention bounds how long evicted ids keep answering
	// "terminated" before they are forgotten.
	terminatedRetention = 24 * time.Hour
)

var (
	// ErrUnknownSession is returned for ids this manager never issued.
	ErrUnknownSession = errors.New("unknown session id")

	// ErrSessionPrincipalMismatch is returned when a session is used by a
	// principal other than the one it is bound to.
	ErrSessionPrincipalMismatch = errors.New("session belongs to a different principal")
)

// Principal identifies who a session is bound to.
type Principal struct {
	UserID   string
	TenantID string
}

// sessionInfo tracks session metadata for cleanup
type sessionInfo struct {
	principal  Principal
	bound      bool
	lastAccess time.Time
}

// SessionManager implements mcp-go's SessionIdManager for the streamable
// HTTP transport. Ids are random UUIDs. Each session is bound to the first
// principal that uses it, and idle sessions are evicted by a ticker sweep.
// Evicted and terminated ids report isTerminated so clients re-initialize.
type SessionManager struct {
	mu         sync.RWMutex
	sessions   map[string]*sessionInfo
	terminated map[string]time.Time

	idleTimeout time.Duration
	interval    time.Duration
	now         func() time.Time
	logger      *slog.Logger
	metrics     *instrumentation.Metrics

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

var _ mcpserver.SessionIdManager = (*SessionManager)(nil)

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithIdleTimeout sets the idle eviction timeout.
func WithIdleTimeout(d time.Duration) SessionOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithSessionCleanupInterval sets the sweep interval.
func WithSessionCleanupInterval(d time.Duration) SessionOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSessionMetrics records the active session gauge.
func WithSessionMetrics(metrics *instrumentation.Metrics) SessionOption {
	return func(m *SessionManager) { m.metrics = metrics }
}

// NewSessionManager creates a session manager and starts its sweep loop.
// Call Stop to release it.
func NewSessionManager(opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		sessions:    make(map[string]*sessionInfo),
		terminated:  make(map[string]time.Time),
		idleTimeout: DefaultSessionIdleTimeout,
		interval:    DefaultSessionCleanupInterval,
		now:         time.Now,
		logger:      slog.Default(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanupLoop()
	return m
}

// Generate issues a new session id.
func (m *SessionManager) Generate() string {
	id := uuid.NewString()

	m.mu.Lock()
	m.sessions[id] = &sessionInfo{lastAccess: m.now()}
	m.mu.Unlock()

	m.metrics.IncrementActiveSessions(context.Background())
	m.logger.Debug("session created", "session_id", id)
	return id
}

// Validate reports whether id is usable. Terminated and idle-expired ids
// return isTerminated=true; ids never issued return ErrUnknownSession.
func (m *SessionManager) Validate(sessionID string) (isTerminated bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.terminated[sessionID]; ok {
		return true, nil
	}
	info, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrUnknownSession
	}

	now := m.now()
	if now.Sub(info.lastAccess) > m.idleTimeout {
		m.evictLocked(sessionID, now)
		return true, nil
	}
	info.lastAccess = now
	return false, nil
}

// Terminate ends a session at the client's request.
func (m *SessionManager) Terminate(sessionID string) (isNotAllowed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		if _, gone := m.terminated[sessionID]; gone {
			return false, nil
		}
		return false, ErrUnknownSession
	}
	m.evictLocked(sessionID, m.now())
	m.logger.Debug("session terminated", "session_id", sessionID)
	return false, nil
}

// Bind associates sessionID with p on first use and rejects any later use
// by a different principal. Unknown ids are left to Validate.
func (m *SessionManager) Bind(sessionID string, p Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	if !info.bound {
		info.principal = p
		info.bound = true
		return nil
	}
	if info.principal != p {
		return ErrSessionPrincipalMismatch
	}
	return nil
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// evictLocked moves an id from the live set to the terminated set.
func (m *SessionManager) evictLocked(sessionID string, now time.Time) {
	delete(m.sessions, sessionID)
	m.terminated[sessionID] = now
	m.metrics.DecrementActiveSessions(context.Background())
}

func (m *SessionManager) cleanupLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// sweep evicts idle sessions and forgets old terminated ids.
func (m *SessionManager) sweep() {
	now := m.now()

	m.mu.RLock()
	var idle []string
	for id, info := range m.sessions {
		if now.Sub(info.lastAccess) > m.idleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	evicted := 0
	for _, id := range idle {
		// The session may have been used since the read pass.
		if info, ok := m.sessions[id]; ok && now.Sub(info.lastAccess) > m.idleTimeout {
			m.evictLocked(id, now)
			evicted++
		}
	}
	for id, at := range m.terminated {
		if now.Sub(at) > terminatedRetention {
			delete(m.terminated, id)
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.Info("Evicted idle sessions", "count", evicted)
	}
}

// Stop stops the sweep loop. Safe to call more than once.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}
