package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrStrategy = "strategy"
	attrOutcome  = "outcome"
	attrEvent    = "event"
	attrResult   = "result"
	attrStore    = "store"
	attrTool     = "tool"
	attrTenant   = "tenant_id"
)

// Metrics provides methods for recording observability metrics.
// A nil *Metrics or a zero Metrics records nothing.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
	activeSessions      metric.Int64UpDownCounter

	// Authentication metrics
	authAttemptsTotal   metric.Int64Counter
	authAttemptDuration metric.Float64Histogram

	// OAuth proxy metrics
	oauthFlowEventsTotal metric.Int64Counter
	storeSweptTotal      metric.Int64Counter

	// MCP Tool metrics
	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram

	// detailedLabels controls whether high-cardinality labels are included
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.activeSessions, err = meter.Int64UpDownCounter(
		"active_sessions",
		metric.WithDescription("Number of active MCP sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_sessions gauge: %w", err)
	}

	m.authAttemptsTotal, err = meter.Int64Counter(
		"auth_attempts_total",
		metric.WithDescription("Total number of credential strategy attempts by strategy and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth_attempts_total counter: %w", err)
	}

	m.authAttemptDuration, err = meter.Float64Histogram(
		"auth_attempt_duration_seconds",
		metric.WithDescription("Credential strategy attempt duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth_attempt_duration_seconds histogram: %w", err)
	}

	m.oauthFlowEventsTotal, err = meter.Int64Counter(
		"oauth_flow_events_total",
		metric.WithDescription("Total number of OAuth proxy flow events by event and result"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_flow_events_total counter: %w", err)
	}

	m.storeSweptTotal, err = meter.Int64Counter(
		"oauth_store_swept_total",
		metric.WithDescription("Total number of expired OAuth proxy entries removed by the sweeper"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_store_swept_total counter: %w", err)
	}

	m.toolInvocationsTotal, err = meter.Int64Counter(
		"mcp_tool_invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_invocations_total counter: %w", err)
	}

	m.toolDuration, err = meter.Float64Histogram(
		"mcp_tool_duration_seconds",
		metric.WithDescription("MCP tool execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordAuthAttempt records one strategy attempt.
// Outcome is one of: "success", "absent", "rejected", "unavailable", "error"
func (m *Metrics) RecordAuthAttempt(ctx context.Context, strategy, outcome string, duration time.Duration) {
	if m == nil || m.authAttemptsTotal == nil || m.authAttemptDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrStrategy, strategy),
		attribute.String(attrOutcome, outcome),
	}

	m.authAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.authAttemptDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordOAuthFlowEvent records an OAuth proxy flow step.
func (m *Metrics) RecordOAuthFlowEvent(ctx context.Context, event, result string) {
	if m == nil || m.oauthFlowEventsTotal == nil {
		return
	}

	m.oauthFlowEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrEvent, event),
		attribute.String(attrResult, result),
	))
}

// RecordStoreSweep records entries removed from a store collection.
func (m *Metrics) RecordStoreSweep(ctx context.Context, collection string, removed int) {
	if m == nil || m.storeSweptTotal == nil || removed == 0 {
		return
	}

	m.storeSweptTotal.Add(ctx, int64(removed), metric.WithAttributes(
		attribute.String(attrStore, collection),
	))
}

// RecordToolInvocation records an MCP tool invocation. The tenant label is
// only added when detailed labels are enabled.
func (m *Metrics) RecordToolInvocation(ctx context.Context, toolName, status, tenantID string, duration time.Duration) {
	if m == nil || m.toolInvocationsTotal == nil || m.toolDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrTool, toolName),
		attribute.String(attrStatus, status),
	}
	if m.detailedLabels && tenantID != "" {
		attrs = append(attrs, attribute.String(attrTenant, tenantID))
	}

	m.toolInvocationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// IncrementActiveSessions increments the active sessions counter.
func (m *Metrics) IncrementActiveSessions(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}

	m.activeSessions.Add(ctx, 1)
}

// DecrementActiveSessions decrements the active sessions counter.
func (m *Metrics) DecrementActiveSessions(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}

	m.activeSessions.Add(ctx, -1)
}
