package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/httputil"
)

func registerMCPHTTPRoutes(r chi.Router, d *dispatcher, sessionAuth SessionAuthenticator, version string) {
	r.Route("/mcp/v1", func(r chi.Router) {
		r.Post("/initialize", handleInitializeHTTP(version))
		r.Get("/tools", handleListToolsHTTP(d.registry))
		r.Post("/tools/call", handleCallToolHTTP(d, sessionAuth))
		r.Post("/tools/call/sse", handleCallToolSSE(d, sessionAuth))
	})
}

func handleInitializeHTTP(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		httputil.RespondJSON(w, http.StatusOK, newInitializeResult(version))
	}
}

func handleListToolsHTTP(registry *ToolRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		httputil.RespondJSON(w, http.StatusOK, listToolsResult{Tools: toolDescriptors(registry)})
	}
}

// handleCallToolHTTP answers 200 with a tool result for every call that
// reached a tool, including policy and validation failures. Problem
// responses are reserved for transport-level rejections.
func handleCallToolHTTP(d *dispatcher, sessionAuth SessionAuthenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		meta := httpCallMeta(r, "http")

		params, tool, status, detail := parseCallToolRequest(r, d.registry, sessionAuth)
		if status != 0 {
			httputil.RespondProblem(w, r, status, detail)
			d.rejected(meta, params.Name, params.Arguments, status, detail, started)
			return
		}

		env := d.execute(r.Context(), meta, tool, params.Arguments)
		w.Header().Set("X-Correlation-ID", env.CorrelationID)
		httputil.RespondJSON(w, http.StatusOK, toolCallResultFromEnvelope(env))
	}
}

func handleCallToolSSE(d *dispatcher, sessionAuth SessionAuthenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		meta := httpCallMeta(r, "http-sse")

		params, tool, status, detail := parseCallToolRequest(r, d.registry, sessionAuth)
		if status != 0 {
			httputil.RespondProblem(w, r, status, detail)
			d.rejected(meta, params.Name, params.Arguments, status, detail, started)
			return
		}

		controller := http.NewResponseController(w)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		if err := writeSSEEvent(r.Context(), w, "accepted", map[string]any{
			"tool":      tool.Name,
			"status":    "accepted",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}); err != nil {
			d.logger.Warn().Err(err).Str("tool", tool.Name).Msg("writing sse accepted event")
			return
		}
		_ = controller.Flush()

		env := d.execute(r.Context(), meta, tool, params.Arguments)
		if err := writeSSEEvent(r.Context(), w, "result", toolCallResultFromEnvelope(env)); err != nil {
			d.logger.Warn().Err(err).Str("tool", tool.Name).Str("correlation_id", env.CorrelationID).Msg("writing sse result event")
			return
		}
		_ = controller.Flush()

		_ = writeSSEEvent(r.Context(), w, "done", map[string]any{"status": "done"})
		_ = controller.Flush()
	}
}

// parseCallToolRequest authenticates and decodes a call. A non-zero status
// means the request was rejected with detail.
func parseCallToolRequest(r *http.Request, registry *ToolRegistry, sessionAuth SessionAuthenticator) (callToolParams, ToolSpec, int, string) {
	if err := authenticateHTTPToolCall(r, sessionAuth); err != nil {
		status, detail := authFailureResponse(err)
		return callToolParams{}, ToolSpec{}, status, detail
	}

	var params callToolParams
	if err := decodeJSONStrict(r, &params); err != nil {
		return callToolParams{}, ToolSpec{}, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err)
	}

	name := strings.TrimSpace(params.Name)
	if name == "" {
		return params, ToolSpec{}, http.StatusBadRequest, "tool name is required"
	}

	tool, ok := registry.Lookup(name)
	if !ok {
		return params, ToolSpec{}, http.StatusNotFound, fmt.Sprintf("unknown tool: %s", name)
	}
	return params, tool, 0, ""
}

func authenticateHTTPToolCall(r *http.Request, authn SessionAuthenticator) error {
	if authn == nil {
		return ErrSessionTokenMissing
	}
	return authn.AuthenticateHTTP(r)
}

func httpCallMeta(r *http.Request, transport string) callMeta {
	requestID := httputil.RequestIDFromContext(r.Context())
	return callMeta{
		transport: transport,
		requestID: requestID,
		sessionID: sessionIDFromHTTPRequest(r, requestID),
	}
}

func writeSSEEvent(ctx context.Context, w http.ResponseWriter, event string, payload any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", strings.TrimSpace(event)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

func decodeJSONStrict(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("request must contain exactly one JSON object")
	}
	return nil
}

func sessionIDFromHTTPRequest(r *http.Request, fallback string) string {
	if r == nil {
		return strings.TrimSpace(fallback)
	}
	if sessionID := strings.TrimSpace(r.Header.Get("MCP-Session-ID")); sessionID != "" {
		return sessionID
	}
	if sessionID := strings.TrimSpace(r.Header.Get("X-Session-ID")); sessionID != "" {
		return sessionID
	}
	return strings.TrimSpace(fallback)
}
