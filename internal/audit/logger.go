// Package audit provides structured audit logging for MCP tool calls.
package audit

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]+=*`)
	basicAuthPattern   = regexp.MustCompile(`(?i)\bBasic\s+[A-Za-z0-9+/]+=*`)
	keyValuePattern    = regexp.MustCompile(`(?i)\b(token|secret|password|authorization|api_key)\s*[:=]\s*([^\s,;]+)`)
)

// ToolCallCompletion captures one finalized tool-call outcome.
type ToolCallCompletion struct {
	CorrelationID string
	RequestID     string
	SessionID     string
	Transport     string
	ToolName      string
	Mode          string
	Environment   string
	Arguments     map[string]any
	Result        string
	ErrorKind     string
	ErrorDetail   string
	Duration      time.Duration
	ResponseCode  int
}

// TargetSummary is a redacted summary of call targets. Field values from
// change sets are never included.
type TargetSummary struct {
	Table   string   `json:"table,omitempty"`
	SysIDs  []string `json:"sys_ids,omitempty"`
	Tag     string   `json:"tag,omitempty"`
	Token   string   `json:"preview_token,omitempty"`
	Changed []string `json:"changed_fields,omitempty"`
}

// Logger emits structured audit entries.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Complete writes a single completion log entry for one tool call.
func (l *Logger) Complete(event ToolCallCompletion) {
	if l == nil {
		return
	}

	result := strings.TrimSpace(event.Result)
	if result == "" {
		result = "error"
	}

	tool := strings.TrimSpace(event.ToolName)
	if tool == "" {
		tool = "unknown"
	}
	mode := strings.TrimSpace(event.Mode)
	if mode == "" {
		mode = "read-only"
	}

	duration := event.Duration
	if duration < 0 {
		duration = 0
	}

	level := l.logger.Info()
	if result != "success" {
		level = l.logger.Warn()
	}

	entry := level.
		Str("event", "mcp.tool_call.completed").
		Str("correlation_id", strings.TrimSpace(event.CorrelationID)).
		Str("request_id", strings.TrimSpace(event.RequestID)).
		Str("session_id", strings.TrimSpace(event.SessionID)).
		Str("transport", strings.TrimSpace(event.Transport)).
		Str("tool", tool).
		Str("mode", mode).
		Str("environment", strings.TrimSpace(event.Environment)).
		Str("result", result).
		Int64("duration_ms", duration.Milliseconds()).
		Interface("target", SummarizeTargets(event.Arguments))

	if event.ResponseCode > 0 {
		entry = entry.Int("response_code", event.ResponseCode)
	}
	if kind := strings.TrimSpace(event.ErrorKind); kind != "" {
		entry = entry.Str("error_kind", kind)
	}
	if redactedError := RedactSensitiveText(event.ErrorDetail); redactedError != "" {
		entry = entry.Str("error_detail", redactedError)
	}

	entry.Msg("tool call completed")
}

// SummarizeTargets builds a compact target summary from tool arguments.
// Preview tokens are shortened so the log never holds a usable token.
func SummarizeTargets(args map[string]any) TargetSummary {
	if args == nil {
		return TargetSummary{}
	}

	summary := TargetSummary{
		SysIDs: uniqueStrings(append(readString(args, "sys_id"), readStringSlice(args, "sys_ids")...)),
	}
	if tables := readString(args, "table", "artifact_type"); len(tables) > 0 {
		summary.Table = tables[0]
	}
	if tags := readString(args, "tag"); len(tags) > 0 {
		summary.Tag = tags[0]
	}
	if tokens := readString(args, "preview_token", "token"); len(tokens) > 0 {
		summary.Token = shortenToken(tokens[0])
	}
	if changes, ok := args["changes"].(map[string]any); ok {
		fields := make([]string, 0, len(changes))
		for field := range changes {
			fields = append(fields, field)
		}
		summary.Changed = uniqueStrings(fields)
	}
	return summary
}

func shortenToken(token string) string {
	if len(token) <= 8 {
		return "[REDACTED]"
	}
	return token[:8] + "..."
}

// RedactSensitiveText removes obvious secrets from free-text error details.
func RedactSensitiveText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	redacted := bearerTokenPattern.ReplaceAllString(trimmed, "Bearer [REDACTED]")
	redacted = basicAuthPattern.ReplaceAllString(redacted, "Basic [REDACTED]")
	redacted = keyValuePattern.ReplaceAllStringFunc(redacted, func(match string) string {
		parts := strings.SplitN(match, ":", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("%s: [REDACTED]", strings.TrimSpace(parts[0]))
		}
		parts = strings.SplitN(match, "=", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("%s=[REDACTED]", strings.TrimSpace(parts[0]))
		}
		return "[REDACTED]"
	})
	return redacted
}

func readString(args map[string]any, keys ...string) []string {
	values := make([]string, 0, len(keys))
	for _, key := range keys {
		asString, ok := args[key].(string)
		if !ok {
			continue
		}
		if trimmed := strings.TrimSpace(asString); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func readStringSlice(args map[string]any, keys ...string) []string {
	values := make([]string, 0, len(keys))
	for _, key := range keys {
		switch typed := args[key].(type) {
		case []string:
			for _, item := range typed {
				if trimmed := strings.TrimSpace(item); trimmed != "" {
					values = append(values, trimmed)
				}
			}
		case []any:
			for _, item := range typed {
				asString, ok := item.(string)
				if !ok {
					continue
				}
				if trimmed := strings.TrimSpace(asString); trimmed != "" {
					values = append(values, trimmed)
				}
			}
		}
	}
	return values
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		unique = append(unique, trimmed)
	}
	if len(unique) == 0 {
		return nil
	}
	slices.Sort(unique)
	return unique
}
