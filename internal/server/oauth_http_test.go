package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/auth"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/mcp/oauth"
)

func newTestOAuthHandler(t *testing.T, issuer string) *oauth.Handler {
	t.Helper()
	h, err := oauth.NewHandler(&oauth.Config{
		Issuer:               issuer,
		AuthorizationServers: []string{"https://accounts.google.com"},
	}, nil)
	require.NoError(t, err)
	return h
}

func newTestMCPServer() *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("opencrm-test", "0.0.0", mcpserver.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("principal"), func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ac, ok := auth.FromContext(ctx)
		if !ok {
			return mcp.NewToolResultError("no principal"), nil
		}
		return mcp.NewToolResultText(ac.UserID + "@" + ac.TenantID), nil
	})
	return s
}

func TestNewOAuthHTTPServer(t *testing.T) {
	handler := newTestOAuthHandler(t, "https://crm.example.com")

	tests := []struct {
		name        string
		config      HTTPServerConfig
		errContains string
	}{
		{
			name: "valid",
			config: HTTPServerConfig{
				MCPServer:     newTestMCPServer(),
				OAuthHandler:  handler,
				Authenticator: fakeAuthenticator{},
			},
		},
		{
			name:        "missing MCP server",
			config:      HTTPServerConfig{OAuthHandler: handler, Authenticator: fakeAuthenticator{}},
			errContains: "MCP server is required",
		},
		{
			name:        "missing OAuth handler",
			config:      HTTPServerConfig{MCPServer: newTestMCPServer(), Authenticator: fakeAuthenticator{}},
			errContains: "OAuth handler is required",
		},
		{
			name:        "missing authenticator",
			config:      HTTPServerConfig{MCPServer: newTestMCPServer(), OAuthHandler: handler},
			errContains: "authenticator is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewOAuthHTTPServer(tt.config)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, s.Handler())
			assert.Same(t, handler, s.GetOAuthHandler())
		})
	}
}

type mcpClient struct {
	t       *testing.T
	baseURL string
}

func (c mcpClient) post(token, sessionID, body string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodPost, c.baseURL+MCPEndpointPath, strings.NewReader(body))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const initializeRequest = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`

func toolCallRequest(id int, name string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":{}}}`, id, name)
}

func TestOAuthHTTPServer_Routes(t *testing.T) {
	sessions, _ := newTestSessionManager(t)
	health := NewHealthChecker(nil)
	s, err := NewOAuthHTTPServer(HTTPServerConfig{
		MCPServer:     newTestMCPServer(),
		OAuthHandler:  newTestOAuthHandler(t, "https://crm.example.com"),
		Authenticator: fakeAuthenticator{},
		Sessions:      sessions,
		Health:        health,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	client := mcpClient{t: t, baseURL: ts.URL}

	t.Run("discovery endpoints are public", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/.well-known/oauth-protected-resource")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var prm map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&prm))
		assert.Equal(t, "https://crm.example.com/mcp", prm["resource"])
	})

	t.Run("health endpoints are public", func(t *testing.T) {
		for _, path := range []string{"/healthz", "/readyz", "/healthz/detailed"} {
			resp, err := http.Get(ts.URL + path)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		}
	})

	t.Run("mcp requires authentication", func(t *testing.T) {
		resp := client.post("", "", initializeRequest)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		challenge := resp.Header.Get("WWW-Authenticate")
		assert.Contains(t, challenge, `resource_metadata="https://crm.example.com/.well-known/oauth-protected-resource"`)
	})

	t.Run("session is bound to its principal", func(t *testing.T) {
		resp := client.post("alice", "", initializeRequest)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		sid := resp.Header.Get(SessionHeader)
		require.NotEmpty(t, sid)

		resp = client.post("alice", sid, toolCallRequest(2, "principal"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "alice@t1", "tool sees the authenticated principal")

		resp = client.post("bob", sid, toolCallRequest(3, "principal"))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("readiness flips on shutdown", func(t *testing.T) {
		require.NoError(t, s.Shutdown(context.Background()))
		assert.False(t, health.IsReady())

		resp, err := http.Get(ts.URL + "/readyz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}
