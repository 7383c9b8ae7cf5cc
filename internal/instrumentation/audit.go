package instrumentation

import (
	"context"
	"log/slog"
	"time"
)

// ToolInvocation captures one MCP tool call for audit logging.
//
// # Privacy Considerations
//
// UserEmail is PII. General logs use UserDomain(); only the audit stream
// configured with IncludePII receives the full address.
type ToolInvocation struct {
	Tool string

	// Principal
	UserID    string
	UserEmail string
	TenantID  string
	Method    string

	// Authorization decision
	RequiredScope string
	Denied        bool

	// Execution details
	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string

	// Tracing context
	TraceID string
	SpanID  string
}

// UserDomain returns the domain portion of the user's email.
func (ti *ToolInvocation) UserDomain() string {
	return ExtractUserDomain(ti.UserEmail)
}

// Status returns "success", "denied" or "error".
func (ti *ToolInvocation) Status() string {
	switch {
	case ti.Denied:
		return StatusDenied
	case ti.Success:
		return StatusSuccess
	default:
		return StatusError
	}
}

// LogAttrs returns cardinality-controlled attributes for general logs.
func (ti *ToolInvocation) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("tool", ti.Tool),
		slog.String("user_domain", ti.UserDomain()),
		slog.String("tenant_id", ti.TenantID),
		slog.Duration("duration", ti.Duration),
		slog.String("status", ti.Status()),
	}

	if ti.Method != "" {
		attrs = append(attrs, slog.String("method", ti.Method))
	}
	if ti.RequiredScope != "" {
		attrs = append(attrs, slog.String("required_scope", ti.RequiredScope))
	}
	if ti.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", ti.TraceID))
	}
	if ti.Error != "" {
		attrs = append(attrs, slog.String("error", ti.Error))
	}

	return attrs
}

// LogAuditAttrs returns attributes for the audit stream, including the
// user's email and id.
//
// # Security Warning
//
// The result contains PII. Route audit logs to storage with appropriate
// access controls.
func (ti *ToolInvocation) LogAuditAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("tool", ti.Tool),
		slog.String("user_id", ti.UserID),
		slog.String("user", ti.UserEmail),
		slog.String("tenant_id", ti.TenantID),
		slog.Duration("duration", ti.Duration),
		slog.String("status", ti.Status()),
	}

	if ti.Method != "" {
		attrs = append(attrs, slog.String("method", ti.Method))
	}
	if ti.RequiredScope != "" {
		attrs = append(attrs, slog.String("required_scope", ti.RequiredScope))
	}
	if ti.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", ti.TraceID))
	}
	if ti.SpanID != "" {
		attrs = append(attrs, slog.String("span_id", ti.SpanID))
	}
	if ti.Error != "" {
		attrs = append(attrs, slog.String("error", ti.Error))
	}

	return attrs
}

// NewToolInvocation creates a new ToolInvocation with timing started.
func NewToolInvocation(tool string) *ToolInvocation {
	return &ToolInvocation{
		Tool:      tool,
		StartTime: time.Now(),
	}
}

// WithPrincipal sets the authenticated principal.
func (ti *ToolInvocation) WithPrincipal(userID, email, tenantID, method string) *ToolInvocation {
	ti.UserID = userID
	ti.UserEmail = email
	ti.TenantID = tenantID
	ti.Method = method
	return ti
}

// WithRequiredScope records the scope the tool demanded.
func (ti *ToolInvocation) WithRequiredScope(scope string) *ToolInvocation {
	ti.RequiredScope = scope
	return ti
}

// WithSpanContext extracts trace context from the current span.
func (ti *ToolInvocation) WithSpanContext(ctx context.Context) *ToolInvocation {
	ti.TraceID = GetTraceID(ctx)
	ti.SpanID = GetSpanID(ctx)
	return ti
}

// Complete marks the invocation as completed and calculates duration.
func (ti *ToolInvocation) Complete(success bool, err error) *ToolInvocation {
	ti.Duration = time.Since(ti.StartTime)
	ti.Success = success
	if err != nil {
		ti.Error = err.Error()
	}
	return ti
}

// CompleteWithError marks the invocation as failed with the given error.
func (ti *ToolInvocation) CompleteWithError(err error) *ToolInvocation {
	return ti.Complete(false, err)
}

// CompleteSuccess marks the invocation as successful.
func (ti *ToolInvocation) CompleteSuccess() *ToolInvocation {
	return ti.Complete(true, nil)
}

// CompleteDenied marks the invocation as refused by the scope check.
func (ti *ToolInvocation) CompleteDenied() *ToolInvocation {
	ti.Denied = true
	return ti.Complete(false, nil)
}

// AuditLogger provides structured audit logging for tool invocations.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates a new AuditLogger. PII is excluded by default.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:  logger,
		enabled: true,
	}
}

// NewAuditLoggerWithConfig creates a new AuditLogger with the given configuration.
func NewAuditLoggerWithConfig(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logger,
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// LogToolInvocation logs a tool invocation. Denied and failed calls are
// logged at warn.
func (al *AuditLogger) LogToolInvocation(ti *ToolInvocation) {
	if al == nil || !al.enabled {
		return
	}

	var attrs []slog.Attr
	if al.includePII {
		attrs = ti.LogAuditAttrs()
	} else {
		attrs = ti.LogAttrs()
	}

	switch {
	case ti.Denied:
		al.logger.LogAttrs(context.Background(), slog.LevelWarn, "tool_denied", attrs...)
	case ti.Success:
		al.logger.LogAttrs(context.Background(), slog.LevelInfo, "tool_executed", attrs...)
	default:
		al.logger.LogAttrs(context.Background(), slog.LevelWarn, "tool_failed", attrs...)
	}
}
