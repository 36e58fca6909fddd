package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
)

const (
	defaultProtocolVersion = "2024-11-05"
	defaultServerName      = "servicenow-devtools-mcp"
)

// ToolSpec represents a single MCP tool contract entry.
type ToolSpec struct {
	Name         string         `yaml:"name" json:"name"`
	Group        string         `yaml:"group,omitempty" json:"group,omitempty"`
	Capability   string         `yaml:"capability" json:"capability"`
	Description  string         `yaml:"description,omitempty" json:"description,omitempty"`
	InputSchema  map[string]any `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`
	OutputSchema map[string]any `yaml:"outputSchema,omitempty" json:"outputSchema,omitempty"`
}

type toolContract struct {
	Version    string     `yaml:"version"`
	Service    string     `yaml:"service"`
	APIVersion string     `yaml:"apiVersion"`
	Tools      []ToolSpec `yaml:"tools"`
}

// ToolRegistry provides read-only access to parsed tools and their compiled
// input schemas.
type ToolRegistry struct {
	tools   []ToolSpec
	byName  map[string]ToolSpec
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry parses tools contract YAML, validates minimal invariants,
// and compiles every input schema.
func NewToolRegistry(contractYAML []byte) (*ToolRegistry, error) {
	var parsed toolContract
	if err := yaml.Unmarshal(contractYAML, &parsed); err != nil {
		return nil, fmt.Errorf("decoding tool contract: %w", err)
	}
	if len(parsed.Tools) == 0 {
		return nil, fmt.Errorf("tool contract has no tools")
	}

	r := &ToolRegistry{
		tools:   make([]ToolSpec, 0, len(parsed.Tools)),
		byName:  make(map[string]ToolSpec, len(parsed.Tools)),
		schemas: make(map[string]*jsonschema.Schema, len(parsed.Tools)),
	}
	compiler := jsonschema.NewCompiler()
	for _, tool := range parsed.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return nil, fmt.Errorf("tool contract contains empty tool name")
		}
		if _, exists := r.byName[name]; exists {
			return nil, fmt.Errorf("tool contract contains duplicate tool %q", name)
		}
		tool.Name = name
		tool.Group = strings.TrimSpace(tool.Group)
		tool.Capability = strings.TrimSpace(tool.Capability)
		if tool.Capability == "" {
			return nil, fmt.Errorf("tool %q has empty capability", name)
		}
		if tool.InputSchema != nil {
			schema, err := compileInputSchema(compiler, name, tool.InputSchema)
			if err != nil {
				return nil, err
			}
			r.schemas[name] = schema
		}
		r.tools = append(r.tools, tool)
		r.byName[name] = tool
	}
	return r, nil
}

func compileInputSchema(compiler *jsonschema.Compiler, name string, raw map[string]any) (*jsonschema.Schema, error) {
	// yaml.v3 yields Go ints; the compiler wants JSON numbers.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding input schema for tool %q: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding input schema for tool %q: %w", name, err)
	}
	url := "tools/" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("adding input schema for tool %q: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling input schema for tool %q: %w", name, err)
	}
	return schema, nil
}

// Restrict returns a registry holding only names, in contract order. Every
// name must exist in the contract.
func (r *ToolRegistry) Restrict(names []string) (*ToolRegistry, error) {
	keep := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, ok := r.byName[name]; !ok {
			return nil, fmt.Errorf("tool %q has no contract entry", name)
		}
		keep[name] = struct{}{}
	}

	out := &ToolRegistry{
		byName:  make(map[string]ToolSpec, len(keep)),
		schemas: make(map[string]*jsonschema.Schema, len(keep)),
	}
	for _, tool := range r.tools {
		if _, ok := keep[tool.Name]; !ok {
			continue
		}
		out.tools = append(out.tools, tool)
		out.byName[tool.Name] = tool
		if schema, ok := r.schemas[tool.Name]; ok {
			out.schemas[tool.Name] = schema
		}
	}
	return out, nil
}

// List returns all registered tools in contract order.
func (r *ToolRegistry) List() []ToolSpec {
	items := make([]ToolSpec, 0, len(r.tools))
	items = append(items, r.tools...)
	return items
}

// Lookup returns a tool by name.
func (r *ToolRegistry) Lookup(name string) (ToolSpec, bool) {
	tool, ok := r.byName[strings.TrimSpace(name)]
	return tool, ok
}

// ValidateArguments checks args against the tool's input schema. Tools
// without a schema accept anything.
func (r *ToolRegistry) ValidateArguments(name string, args map[string]any) error {
	schema, ok := r.schemas[strings.TrimSpace(name)]
	if !ok {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return apperr.Validation("invalid arguments for %s: %v", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return apperr.Validation("invalid arguments for %s: %v", name, err)
	}
	if err := schema.Validate(doc); err != nil {
		return apperr.Validation("invalid arguments for %s: %s", name, summarizeSchemaError(err))
	}
	return nil
}

// summarizeSchemaError keeps the header and the first failing location.
func summarizeSchemaError(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	if len(lines) > 1 {
		return strings.TrimSpace(lines[0]) + " " + strings.TrimSpace(lines[1])
	}
	return lines[0]
}
