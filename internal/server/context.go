package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
)

// ServerContext holds the process-wide dependencies shared by the HTTP
// boundary and the MCP tools.
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// Instrumentation. Both may be nil.
	metrics     *instrumentation.Metrics
	auditLogger *instrumentation.AuditLogger

	mu       sync.RWMutex
	shutdown bool
}

// ServerContextOption configures a ServerContext.
type ServerContextOption func(*ServerContext)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ServerContextOption {
	return func(sc *ServerContext) {
		if logger != nil {
			sc.logger = logger
		}
	}
}

// WithMetrics enables metric recording for tools and HTTP requests.
func WithMetrics(m *instrumentation.Metrics) ServerContextOption {
	return func(sc *ServerContext) { sc.metrics = m }
}

// WithAuditLogger enables tool audit logging.
func WithAuditLogger(al *instrumentation.AuditLogger) ServerContextOption {
	return func(sc *ServerContext) { sc.auditLogger = al }
}

// NewServerContext creates a new server context derived from ctx.
func NewServerContext(ctx context.Context, opts ...ServerContextOption) *ServerContext {
	shutdownCtx, cancel := context.WithCancel(ctx)
	sc := &ServerContext{
		ctx:    shutdownCtx,
		cancel: cancel,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Context returns the server context. It is cancelled by Shutdown.
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Logger returns the configured logger.
func (sc *ServerContext) Logger() *slog.Logger {
	return sc.logger
}

// Metrics returns the metrics recorder, or nil.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	return sc.metrics
}

// AuditLogger returns the tool audit logger, or nil.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	return sc.auditLogger
}

// Shutdown marks the context as shutting down and cancels it. Safe to call
// more than once.
func (sc *ServerContext) Shutdown() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return
	}
	sc.shutdown = true
	sc.cancel()
}

// IsShutdown reports whether Shutdown has been called.
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}
