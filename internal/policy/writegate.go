// Package policy holds the safety guardrails applied to every tool call:
// table access, sensitive-field masking, query safety, and write gating.
package policy

import (
	"fmt"
	"strings"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
)

// Environment labels.
const (
	EnvDev     = "dev"
	EnvTest    = "test"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

// Environment is the process-wide deployment context read by WriteGate.
type Environment struct {
	Label               string
	AllowWritesOverride bool
}

// ParseEnvironmentLabel normalizes and validates an environment label.
func ParseEnvironmentLabel(raw string) (string, error) {
	label := strings.ToLower(strings.TrimSpace(raw))
	if label == "" {
		return EnvDev, nil
	}
	switch label {
	case EnvDev, EnvTest, EnvStaging, EnvProd:
		return label, nil
	default:
		return "", fmt.Errorf("invalid environment %q (allowed: %s|%s|%s|%s)", raw, EnvDev, EnvTest, EnvStaging, EnvProd)
	}
}

// EnvironmentSource yields the environment in effect for the current call.
type EnvironmentSource func() Environment

// StaticEnvironment returns a source that always reports env.
func StaticEnvironment(env Environment) EnvironmentSource {
	return func() Environment { return env }
}

// WriteGate decides whether mutating operations may run at all.
type WriteGate struct {
	source EnvironmentSource
}

// NewWriteGate creates a gate that consults source on every call.
func NewWriteGate(source EnvironmentSource) *WriteGate {
	if source == nil {
		source = StaticEnvironment(Environment{Label: EnvDev})
	}
	return &WriteGate{source: source}
}

// Environment returns the environment currently in effect.
func (g *WriteGate) Environment() Environment {
	if g == nil || g.source == nil {
		return Environment{Label: EnvProd}
	}
	return g.source()
}

// CanWrite is false only in prod without the override flag. A nil gate
// denies.
func (g *WriteGate) CanWrite() bool {
	env := g.Environment()
	return !(strings.EqualFold(env.Label, EnvProd) && !env.AllowWritesOverride)
}

// Require returns a WriteGatingError naming operation when writes are
// blocked.
func (g *WriteGate) Require(operation string) error {
	if g.CanWrite() {
		return nil
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "write"
	}
	return apperr.WriteGating("%s blocked: write operations are disabled in %s environment (set ALLOW_WRITES_IN_PROD=true to override)", op, g.Environment().Label)
}

// Mode describes the effective write posture for logging and transport
// metadata.
func (g *WriteGate) Mode() string {
	if g.CanWrite() {
		return "read-write"
	}
	return "read-only"
}

// AuthorizeTool allows or denies tool execution based on tool capability.
func (g *WriteGate) AuthorizeTool(name, capability string) error {
	toolName := strings.TrimSpace(name)
	if toolName == "" {
		toolName = "unknown"
	}

	switch strings.ToLower(strings.TrimSpace(capability)) {
	case "read":
		return nil
	case "write":
		return g.Require("tool " + toolName)
	default:
		return apperr.Validation("tool %s has unknown capability %q", toolName, strings.TrimSpace(capability))
	}
}
