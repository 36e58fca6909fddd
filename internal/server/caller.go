package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/audit"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/envelope"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/metrics"
)

// ToolCaller executes one tool call. The builder carries the correlation id
// for the call, and the outcome always comes back as an envelope.
type ToolCaller interface {
	CallWithBuilder(ctx context.Context, b *envelope.Builder, name string, args map[string]any) envelope.Envelope
}

// callMeta identifies one inbound call for auditing.
type callMeta struct {
	transport string
	requestID string
	sessionID string
}

// dispatcher runs the shared tool-call path for every transport: authorize,
// validate arguments, execute, audit.
type dispatcher struct {
	registry   *ToolRegistry
	authorizer ToolAuthorizer
	caller     ToolCaller
	audit      *audit.Logger
	logger     zerolog.Logger
}

func newDispatcher(registry *ToolRegistry, authorizer ToolAuthorizer, caller ToolCaller, logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		registry:   registry,
		authorizer: authorizer,
		caller:     caller,
		audit:      audit.NewLogger(logger),
		logger:     logger,
	}
}

func (d *dispatcher) execute(ctx context.Context, meta callMeta, tool ToolSpec, args map[string]any) envelope.Envelope {
	started := time.Now()
	b := envelope.NewBuilder()
	d.logger.Info().
		Str("transport", meta.transport).
		Str("tool", tool.Name).
		Str("correlation_id", b.CorrelationID()).
		Msg("received tool call")

	var env envelope.Envelope
	if err := d.admit(tool, args); err != nil {
		env = b.Failure(err)
		kind := apperr.KindOf(err)
		if kind == apperr.KindWriteGating {
			metrics.PolicyDenialsTotal.WithLabelValues(string(kind)).Inc()
		}
		metrics.ToolCallsTotal.WithLabelValues(tool.Name, string(env.Status), string(env.ErrorKind)).Inc()
	} else {
		env = d.caller.CallWithBuilder(ctx, b, tool.Name, args)
	}

	event := audit.ToolCallCompletion{
		CorrelationID: env.CorrelationID,
		RequestID:     meta.requestID,
		SessionID:     meta.sessionID,
		Transport:     meta.transport,
		ToolName:      tool.Name,
		Mode:          resolvedMode(d.authorizer),
		Environment:   resolvedEnvironment(d.authorizer),
		Arguments:     args,
		Result:        "success",
		Duration:      time.Since(started),
		ResponseCode:  http.StatusOK,
	}
	if !env.OK() {
		event.Result = "error"
		event.ErrorKind = string(env.ErrorKind)
		event.ErrorDetail = env.Error
	}
	d.audit.Complete(event)
	return env
}

func (d *dispatcher) admit(tool ToolSpec, args map[string]any) error {
	if err := authorizeToolCall(d.authorizer, tool); err != nil {
		return err
	}
	if err := d.registry.ValidateArguments(tool.Name, args); err != nil {
		return err
	}
	if d.caller == nil {
		return apperr.New(apperr.KindInternal, "no tool caller configured")
	}
	return nil
}

// rejected audits a call refused before it reached a tool.
func (d *dispatcher) rejected(meta callMeta, name string, args map[string]any, status int, detail string, started time.Time) {
	d.audit.Complete(audit.ToolCallCompletion{
		RequestID:    meta.requestID,
		SessionID:    meta.sessionID,
		Transport:    meta.transport,
		ToolName:     strings.TrimSpace(name),
		Mode:         resolvedMode(d.authorizer),
		Environment:  resolvedEnvironment(d.authorizer),
		Arguments:    args,
		Result:       "error",
		ErrorDetail:  detail,
		Duration:     time.Since(started),
		ResponseCode: status,
	})
}

// toolCallResultFromEnvelope renders env as an MCP tool result. The text
// block carries the same envelope as JSON for clients that ignore
// structured content.
func toolCallResultFromEnvelope(env envelope.Envelope) callToolResult {
	text, err := json.Marshal(env)
	if err != nil {
		text = []byte(`{"status":"error","error":"failed to encode tool result"}`)
	}
	return callToolResult{
		Content: []contentBlock{
			{
				Type: "text",
				Text: string(text),
			},
		},
		IsError:           !env.OK(),
		StructuredContent: env,
	}
}
