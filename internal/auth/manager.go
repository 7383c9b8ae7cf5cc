package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/logging"
)

// Attempt outcomes recorded per strategy.
const (
	OutcomeSuccess     = "success"
	OutcomeAbsent      = "absent"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// Manager runs strategies in ascending priority order.
type Manager struct {
	strategies []Strategy
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics records every strategy attempt.
func WithMetrics(m *instrumentation.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager returns a Manager over strategies. Strategies with equal
// priority keep their relative order.
func NewManager(logger *slog.Logger, strategies []Strategy, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{strategies: SortStrategies(strategies), logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SortStrategies returns a copy of strategies in ascending priority order.
// Strategies with equal priority keep their relative order.
func SortStrategies(strategies []Strategy) []Strategy {
	sorted := make([]Strategy, len(strategies))
	copy(sorted, strategies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return sorted
}

// Strategies returns the strategies in the order they are tried.
func (m *Manager) Strategies() []Strategy {
	out := make([]Strategy, len(m.strategies))
	copy(out, m.strategies)
	return out
}

// Authenticate returns the principal for r.
//
// The first strategy to produce a context wins. An *AuthError stops the
// pipeline. A *ConnectivityError is logged and the next strategy is tried.
// Any other error is converted to a 401 *AuthError. When nothing matched,
// ErrNoValidAuthentication is returned.
func (m *Manager) Authenticate(ctx context.Context, r *http.Request) (*AuthContext, error) {
	ctx, span := instrumentation.StartSpan(ctx, "auth.authenticate")
	defer span.End()

	for _, s := range m.strategies {
		start := time.Now()
		ac, err := s.Authenticate(ctx, r)
		outcome := m.classify(ac, err)
		m.metrics.RecordAuthAttempt(ctx, s.Name(), outcome, time.Since(start))

		switch outcome {
		case OutcomeSuccess:
			span.SetAttributes(
				attribute.String(instrumentation.SpanAttrStrategy, s.Name()),
				attribute.String(instrumentation.SpanAttrTenant, ac.TenantID),
			)
			return ac, nil
		case OutcomeAbsent:
			continue
		case OutcomeUnavailable:
			m.logger.Warn("authentication strategy unavailable, trying next",
				logging.Strategy(s.Name()),
				logging.Err(err))
			continue
		case OutcomeRejected:
			var authErr *AuthError
			errors.As(err, &authErr)
			rejected := *authErr
			if rejected.Strategy == "" {
				rejected.Strategy = s.Name()
			}
			instrumentation.SetSpanError(span, &rejected)
			return nil, &rejected
		default:
			m.logger.Error("authentication strategy failed unexpectedly",
				logging.Strategy(s.Name()),
				logging.Err(err))
			wrapped := &AuthError{
				Status:      http.StatusUnauthorized,
				Strategy:    s.Name(),
				Code:        CodeInvalidToken,
				Description: "authentication failed",
				Err:         err,
			}
			instrumentation.SetSpanError(span, wrapped)
			return nil, wrapped
		}
	}

	instrumentation.SetSpanError(span, ErrNoValidAuthentication)
	return nil, ErrNoValidAuthentication
}

func (m *Manager) classify(ac *AuthContext, err error) string {
	var authErr *AuthError
	var connErr *ConnectivityError
	switch {
	case err == nil && ac != nil:
		return OutcomeSuccess
	case err == nil:
		return OutcomeAbsent
	case errors.As(err, &authErr):
		return OutcomeRejected
	case errors.As(err, &connErr):
		return OutcomeUnavailable
	default:
		return OutcomeError
	}
}
