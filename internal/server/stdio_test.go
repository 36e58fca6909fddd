package server

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/envelope"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
)

func TestRunStdio_InitializeListAndCall(t *testing.T) {
	registry := mustTestRegistry(t)
	caller := &fakeCaller{}

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"table_get","arguments":{"table":"incident","sys_id":"inc1"}}}`,
		"",
	}, "\n")
	in := bytes.NewBufferString(input)
	out := &bytes.Buffer{}

	err := RunStdio(context.Background(), in, out, registry, devGate(), caller, "test-version", zerolog.Nop())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)

	var initResp rpcResponse
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &initResp))
	require.Nil(t, initResp.Error)
	initMap, ok := initResp.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, defaultProtocolVersion, initMap["protocolVersion"])

	var listResp rpcResponse
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &listResp))
	require.Nil(t, listResp.Error)
	listMap, ok := listResp.Result.(map[string]any)
	require.True(t, ok)
	tools, ok := listMap["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 3)

	callMap := rpcCallResult(t, lines[2])
	require.Equal(t, false, callMap["isError"])
	structured := callMap["structuredContent"].(map[string]any)
	require.Equal(t, "ok", structured["status"])
	require.NotEmpty(t, structured["correlation_id"])
	require.Equal(t, []string{"table_get"}, caller.names())
}

func TestRunStdio_UnknownMethod(t *testing.T) {
	registry := mustTestRegistry(t)
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"nope","params":{}}` + "\n")
	out := &bytes.Buffer{}

	err := RunStdio(context.Background(), in, out, registry, devGate(), &fakeCaller{}, "test-version", zerolog.Nop())
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, rpcCodeMethodNotFound, resp.Error.Code)
}

func TestRunStdio_UnknownTool(t *testing.T) {
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}` + "\n")
	out := &bytes.Buffer{}

	err := RunStdio(context.Background(), in, out, mustTestRegistry(t), devGate(), &fakeCaller{}, "test-version", zerolog.Nop())
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, rpcCodeInvalidParams, resp.Error.Code)
	require.Contains(t, resp.Error.Message, "unknown tool: nope")
}

func TestRunStdio_ProdDeniesWriteToolInsideEnvelope(t *testing.T) {
	caller := &fakeCaller{}
	logs := &bytes.Buffer{}
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"dev_toggle","arguments":{"artifact_type":"business_rule","sys_id":"br1","active":false}}}` + "\n")
	out := &bytes.Buffer{}

	err := RunStdio(context.Background(), in, out, mustTestRegistry(t), prodGate(false), caller, "test-version", zerolog.New(logs))
	require.NoError(t, err)

	callMap := rpcCallResult(t, out.String())
	require.Equal(t, true, callMap["isError"])
	structured := callMap["structuredContent"].(map[string]any)
	require.Equal(t, "error", structured["status"])
	require.Equal(t, string(apperr.KindWriteGating), structured["error_kind"])
	require.Contains(t, structured["error"], "tool authorization denied")
	require.Empty(t, caller.names())

	events := auditEventsFromLogs(t, logs.String())
	require.Len(t, events, 1)
	require.Equal(t, "stdio", events[0]["transport"])
	require.Equal(t, "prod", events[0]["environment"])
	require.Equal(t, "read-only", events[0]["mode"])
	require.Equal(t, string(apperr.KindWriteGating), events[0]["error_kind"])
	require.NotEmpty(t, events[0]["correlation_id"])
}

func TestRunStdio_ProdOverrideAllowsWriteTool(t *testing.T) {
	caller := &fakeCaller{}
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"dev_toggle","arguments":{}}}` + "\n")
	out := &bytes.Buffer{}

	err := RunStdio(context.Background(), in, out, mustTestRegistry(t), prodGate(true), caller, "test-version", zerolog.Nop())
	require.NoError(t, err)

	callMap := rpcCallResult(t, out.String())
	require.Equal(t, false, callMap["isError"])
	require.Equal(t, []string{"dev_toggle"}, caller.names())
}

func TestRunStdio_SchemaViolationIsValidationEnvelope(t *testing.T) {
	caller := &fakeCaller{}
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"table_get","arguments":{"table":"incident"}}}` + "\n")
	out := &bytes.Buffer{}

	err := RunStdio(context.Background(), in, out, mustTestRegistry(t), devGate(), caller, "test-version", zerolog.Nop())
	require.NoError(t, err)

	callMap := rpcCallResult(t, out.String())
	require.Equal(t, true, callMap["isError"])
	structured := callMap["structuredContent"].(map[string]any)
	require.Equal(t, string(apperr.KindValidation), structured["error_kind"])
	require.Empty(t, caller.names())
}

func TestRunStdio_ToolFailurePassesThroughEnvelope(t *testing.T) {
	caller := &fakeCaller{fail: apperr.NotFound("record not found")}
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"table_get","arguments":{"table":"incident","sys_id":"missing"}}}` + "\n")
	out := &bytes.Buffer{}

	err := RunStdio(context.Background(), in, out, mustTestRegistry(t), devGate(), caller, "test-version", zerolog.Nop())
	require.NoError(t, err)

	callMap := rpcCallResult(t, out.String())
	require.Equal(t, true, callMap["isError"])
	content := callMap["content"].([]any)
	require.Len(t, content, 1)
	text := content[0].(map[string]any)["text"].(string)
	require.Contains(t, text, `"error_kind":"NotFoundError"`)
}

type fakeCaller struct {
	mu    sync.Mutex
	calls []string
	fail  error
}

func (f *fakeCaller) CallWithBuilder(_ context.Context, b *envelope.Builder, name string, args map[string]any) envelope.Envelope {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.fail != nil {
		return b.Failure(f.fail)
	}
	return b.Success(map[string]any{"tool": name, "arguments": args})
}

func (f *fakeCaller) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func mustTestRegistry(t *testing.T) *ToolRegistry {
	t.Helper()
	registry, err := NewToolRegistry([]byte(`
version: "1.0"
service: "servicenow-devtools-mcp"
apiVersion: "mcp/v1"
tools:
  - name: table_get
    group: introspection
    capability: read
    inputSchema:
      type: object
      required: [table, sys_id]
      additionalProperties: false
      properties:
        table:
          type: string
          minLength: 1
        sys_id:
          type: string
          minLength: 1
  - name: table_query
    group: introspection
    capability: read
    inputSchema:
      type: object
      required: [table]
      properties:
        table:
          type: string
        limit:
          type: integer
          minimum: 0
  - name: dev_toggle
    group: developer
    capability: write
    inputSchema:
      type: object
`))
	require.NoError(t, err)
	return registry
}

func devGate() *policy.WriteGate {
	return policy.NewWriteGate(policy.StaticEnvironment(policy.Environment{Label: policy.EnvDev}))
}

func prodGate(override bool) *policy.WriteGate {
	return policy.NewWriteGate(policy.StaticEnvironment(policy.Environment{Label: policy.EnvProd, AllowWritesOverride: override}))
}

func rpcCallResult(t *testing.T, line string) map[string]any {
	t.Helper()
	var resp rpcResponse
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(line)), &resp))
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	return result
}

func auditEventsFromLogs(t *testing.T, payload string) []map[string]string {
	t.Helper()

	lines := strings.Split(strings.TrimSpace(payload), "\n")
	events := make([]map[string]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &decoded))
		if decoded["event"] != "mcp.tool_call.completed" {
			continue
		}
		entry := map[string]string{}
		for key, value := range decoded {
			if asString, ok := value.(string); ok {
				entry[key] = asString
			}
		}
		events = append(events, entry)
	}
	return events
}
