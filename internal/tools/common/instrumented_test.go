package common

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/auth"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/instrumentation"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/server"
)

func toolRequest(name string) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	return req
}

func withScopes(scopes ...string) context.Context {
	return auth.WithAuthContext(context.Background(), &auth.AuthContext{
		UserID:   "user-1",
		Email:    "jane@example.com",
		TenantID: "tenant-1",
		Method:   auth.MethodAPIKey,
		Scopes:   scopes,
	})
}

func TestScopeMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		ctx        context.Context
		tool       string
		wantCalled bool
		wantError  bool
		wantScope  string
	}{
		{
			name:       "read scope reaches read tool",
			ctx:        withScopes("read"),
			tool:       "list_records",
			wantCalled: true,
		},
		{
			name:      "read scope denied write tool",
			ctx:       withScopes("read"),
			tool:      "create_record",
			wantError: true,
			wantScope: "write",
		},
		{
			name:       "admin scope reaches admin tool",
			ctx:        withScopes("admin"),
			tool:       "delete_object_type",
			wantCalled: true,
		},
		{
			name:      "write scope denied admin tool",
			ctx:       withScopes("write"),
			tool:      "invite_member",
			wantError: true,
			wantScope: "admin",
		},
		{
			name:      "unknown tool defaults to write",
			ctx:       withScopes("read"),
			tool:      "unlisted_tool",
			wantError: true,
			wantScope: "write",
		},
		{
			name:      "empty scope set satisfies nothing",
			ctx:       withScopes(),
			tool:      "whoami",
			wantError: true,
			wantScope: "read",
		},
		{
			name:      "no principal",
			ctx:       context.Background(),
			tool:      "whoami",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := server.NewServerContext(context.Background())
			defer sc.Shutdown()

			called := false
			next := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				called = true
				_, err := PrincipalFromContext(ctx)
				require.NoError(t, err)
				return mcp.NewToolResultText("ok"), nil
			}

			result, err := ScopeMiddleware(sc)(next)(tt.ctx, toolRequest(tt.tool))
			require.NoError(t, err)
			require.NotNil(t, result)
			assert.Equal(t, tt.wantCalled, called)
			assert.Equal(t, tt.wantError, result.IsError)

			if tt.wantScope != "" {
				structured, ok := result.StructuredContent.(map[string]any)
				require.True(t, ok)
				assert.Equal(t, "insufficient_scope", structured["error"])
				assert.Equal(t, tt.wantScope, structured["required_scope"])
			}
		})
	}
}

func TestInstrumentedToolHandler_PropagatesHandlerError(t *testing.T) {
	sc := server.NewServerContext(context.Background())
	defer sc.Shutdown()

	expectedErr := errors.New("test error")
	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, expectedErr
	}

	_, err := InstrumentedToolHandler(sc, handler)(withScopes("read"), toolRequest("list_records"))
	assert.ErrorIs(t, err, expectedErr)
}

func TestInstrumentedToolHandler_AuditsDenials(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sc := server.NewServerContext(context.Background(),
		server.WithAuditLogger(instrumentation.NewAuditLogger(logger)))
	defer sc.Shutdown()

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("ok"), nil
	}
	wrapped := InstrumentedToolHandler(sc, handler)

	_, err := wrapped(withScopes("read"), toolRequest("delete_record"))
	require.NoError(t, err)

	out := buf.String()
	assert.True(t, strings.Contains(out, `"msg":"tool_denied"`), out)
	assert.Contains(t, out, `"required_scope":"write"`)
	assert.NotContains(t, out, "jane@example.com", "PII is excluded by default")
}
