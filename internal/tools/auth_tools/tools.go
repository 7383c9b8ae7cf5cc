package auth_tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/scope"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/tools/batch"
	"github.com/Sawyer-Middeleer/open-crm-sub001/internal/tools/common"
)

// Principal is the whoami result.
type Principal struct {
	UserID       string   `json:"user_id"`
	Email        string   `json:"email,omitempty"`
	TenantID     string   `json:"tenant_id"`
	MembershipID string   `json:"membership_id,omitempty"`
	Role         string   `json:"role"`
	Method       string   `json:"method"`
	Provider     string   `json:"provider,omitempty"`
	Scopes       []string `json:"scopes"`
	HighestScope string   `json:"highest_scope,omitempty"`
}

// AccessDecision is the check_access result.
type AccessDecision struct {
	Operation     string   `json:"operation"`
	RequiredScope string   `json:"required_scope"`
	GrantedScopes []string `json:"granted_scopes"`
	Allowed       bool     `json:"allowed"`
	// Mapped is false when the operation is not in the scope table and the
	// default requirement applies.
	Mapped bool `json:"mapped"`
}

// RegisterAuthTools registers whoami and check_access with the MCP server.
func RegisterAuthTools(s *mcpserver.MCPServer) {
	whoamiTool := mcp.NewTool("whoami",
		mcp.WithDescription("Return the authenticated principal: user, tenant, role, authentication method and granted scopes"),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(whoamiTool, handleWhoami)

	checkAccessTool := mcp.NewTool("check_access",
		mcp.WithDescription("Report the scope an operation requires and whether the current credentials allow it"),
		mcp.WithString("operation",
			mcp.Description("Operation (tool) name, for example 'create_record'"),
		),
		mcp.WithArray("operations",
			mcp.Description("Several operation names to check in one call. Takes precedence over 'operation'."),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(checkAccessTool, handleCheckAccess)
}

func handleWhoami(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ac, err := common.PrincipalFromContext(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	p := Principal{
		UserID:       ac.UserID,
		Email:        ac.Email,
		TenantID:     ac.TenantID,
		MembershipID: ac.MembershipID,
		Role:         string(ac.Role),
		Method:       string(ac.Method),
		Provider:     ac.Provider,
		Scopes:       ac.Scopes,
		HighestScope: string(scope.Highest(ac.Scopes)),
	}
	result, _ := json.MarshalIndent(p, "", "  ")
	return mcp.NewToolResultText(string(result)), nil
}

func handleCheckAccess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	ac, err := common.PrincipalFromContext(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if raw, ok := args["operations"]; ok && raw != nil {
		operations, err := batch.ParseStringOrArray(raw, "operations")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		summary := batch.Process(operations, func(op string) (AccessDecision, error) {
			return decide(op, ac.Scopes), nil
		})
		result, _ := json.MarshalIndent(summary, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}

	operation, _ := args["operation"].(string)
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return mcp.NewToolResultError("operation is required"), nil
	}

	result, _ := json.MarshalIndent(decide(operation, ac.Scopes), "", "  ")
	return mcp.NewToolResultText(string(result)), nil
}

func decide(operation string, granted []string) AccessDecision {
	required := scope.RequiredScope(operation)
	return AccessDecision{
		Operation:     operation,
		RequiredScope: string(required),
		GrantedScopes: granted,
		Allowed:       scope.Satisfies(granted, required),
		Mapped:        isMapped(operation),
	}
}

func isMapped(operation string) bool {
	for _, op := range scope.Operations() {
		if op == operation {
			return true
		}
	}
	return false
}
