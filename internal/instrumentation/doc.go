// Package instrumentation provides OpenTelemetry metrics and tracing for the
// auth service.
//
// # Metrics
//
// Server/HTTP:
//   - http_requests_total: HTTP requests by method, normalized path and status
//   - http_request_duration_seconds: HTTP request durations
//   - active_sessions: MCP sessions currently bound
//
// Authentication:
//   - auth_attempts_total: strategy attempts by strategy and outcome
//     (success, absent, rejected, unavailable, error)
//   - auth_attempt_duration_seconds: strategy attempt durations
//
// OAuth proxy:
//   - oauth_flow_events_total: register/authorize/callback/token by result
//   - oauth_store_swept_total: expired entries removed by the store sweeper
//
// MCP tools:
//   - mcp_tool_invocations_total: tool calls by tool and status
//   - mcp_tool_duration_seconds: tool call durations
//
// Metrics are exported through the Prometheus registry (served on a
// dedicated port by the server package), OTLP over HTTP, or stdout.
//
// # Tracing
//
// Spans are created for credential verification (auth.authenticate), JWKS
// fetches, upstream token exchanges and MCP tool invocations (tool.<name>).
//
// # Configuration
//
// Config is read from the environment with caarlos0/env:
//   - INSTRUMENTATION_ENABLED (default true)
//   - METRICS_EXPORTER: prometheus, otlp or stdout (default prometheus)
//   - TRACING_EXPORTER: otlp, stdout or none (default none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_INSECURE
//   - OTEL_TRACES_SAMPLER_ARG (default 0.1)
//   - OTEL_SERVICE_NAME (default opencrm-auth)
//   - AUDIT_LOGGING_ENABLED, AUDIT_LOGGING_INCLUDE_PII
package instrumentation
