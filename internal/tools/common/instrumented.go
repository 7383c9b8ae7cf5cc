package common

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/auth"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/scope"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/server"
)

// InsufficientScopeResult is the tool error returned when the caller's
// scopes do not dominate the scope a tool requires.
func InsufficientScopeResult(tool string, required scope.Scope) *mcp.CallToolResult {
	result := mcp.NewToolResultError(fmt.Sprintf("insufficient_scope: %s requires the %q scope", tool, required))
	result.StructuredContent = map[string]any{
		"error":          auth.CodeInsufficientScope,
		"required_scope": string(required),
	}
	return result
}

// ScopeMiddleware gates every tool call on the scope the tool requires and
// records metrics and audit entries for it.
//
// Usage:
//
//	mcpserver.NewMCPServer(name, version,
//		mcpserver.WithToolHandlerMiddleware(common.ScopeMiddleware(sc)))
func ScopeMiddleware(sc *server.ServerContext) mcpserver.ToolHandlerMiddleware {
	return func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
		return InstrumentedToolHandler(sc, next)
	}
}

// InstrumentedToolHandler wraps a tool handler with the scope check,
// tracing, metrics and audit logging. The tool name is taken from the
// request.
func InstrumentedToolHandler(sc *server.ServerContext, handler mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		toolName := request.Params.Name
		required := scope.RequiredScope(toolName)

		start := time.Now()
		invocation := instrumentation.NewToolInvocation(toolName).
			WithRequiredScope(string(required))

		attrs := instrumentation.NewSpanAttributeBuilder().WithRequiredScope(string(required))
		principal, principalErr := PrincipalFromContext(ctx)
		if principalErr == nil {
			invocation.WithPrincipal(principal.UserID, principal.Email, principal.TenantID, string(principal.Method))
			attrs.WithTenant(principal.TenantID).WithMethod(string(principal.Method))
		}

		ctx, span := instrumentation.StartToolSpan(ctx, toolName, attrs.Build()...)
		defer span.End()
		invocation.WithSpanContext(ctx)

		var (
			result *mcp.CallToolResult
			err    error
		)
		switch {
		case principalErr != nil:
			invocation.CompleteDenied()
			result = mcp.NewToolResultError("authentication required")
		case !scope.Satisfies(principal.Scopes, required):
			invocation.CompleteDenied()
			result = InsufficientScopeResult(toolName, required)
		default:
			result, err = handler(ctx, request)
			switch {
			case err != nil:
				invocation.CompleteWithError(err)
				instrumentation.SetSpanError(span, err)
			case result != nil && result.IsError:
				invocation.Complete(false, nil)
			default:
				invocation.CompleteSuccess()
				instrumentation.SetSpanSuccess(span)
			}
		}

		tenantID := ""
		if principal != nil {
			tenantID = principal.TenantID
		}
		sc.Metrics().RecordToolInvocation(ctx, toolName, invocation.Status(), tenantID, time.Since(start))
		sc.AuditLogger().LogToolInvocation(invocation)

		return result, err
	}
}
