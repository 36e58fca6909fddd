// Package api embeds the MCP tool contract served by the transports.
package api

import _ "embed"

// ToolsContract contains the raw tool contract YAML.
//
//go:embed tools.yaml
var ToolsContract []byte
