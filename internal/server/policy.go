package server

import (
	"fmt"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
)

// ToolAuthorizer is the central policy gate for all tool executions.
type ToolAuthorizer interface {
	Mode() string
	Environment() policy.Environment
	AuthorizeTool(name, capability string) error
}

func authorizeToolCall(authorizer ToolAuthorizer, tool ToolSpec) error {
	if authorizer == nil {
		return nil
	}
	if err := authorizer.AuthorizeTool(tool.Name, tool.Capability); err != nil {
		return fmt.Errorf("tool authorization denied: %w", err)
	}
	return nil
}

func resolvedMode(authorizer ToolAuthorizer) string {
	if authorizer == nil {
		return "read-only"
	}
	return authorizer.Mode()
}

func resolvedEnvironment(authorizer ToolAuthorizer) string {
	if authorizer == nil {
		return ""
	}
	return authorizer.Environment().Label
}
