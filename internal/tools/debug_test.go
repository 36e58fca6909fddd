package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
)

func TestDebugTrace_MergesSourcesInTimeOrder(t *testing.T) {
	h := newHarness(t, "full")
	h.client.add(map[string]record.Record{
		"sys_audit/au1":        {"tablename": "incident", "documentkey": "inc1", "fieldname": "state", "oldvalue": "1", "newvalue": "2", "user": "admin", "sys_created_on": "2026-01-02 10:00:00"},
		"sys_audit/au2":        {"tablename": "incident", "documentkey": "inc1", "fieldname": "u_api_token", "oldvalue": "tok-old", "newvalue": "tok-123", "user": "admin", "sys_created_on": "2026-01-02 10:30:00"},
		"syslog/l2":            {"source": "incident", "documentkey": "inc1", "message": "business rule ran", "sys_created_on": "2026-01-02 09:00:00"},
		"sys_journal_field/j1": {"element_id": "inc1", "element": "comments", "value": "called the user", "sys_created_by": "bob", "sys_created_on": "2026-01-02 11:00:00"},
		"sys_journal_field/j2": {"element_id": "inc9", "element": "comments", "value": "other record", "sys_created_on": "2026-01-02 08:00:00"},
	})

	env := h.runner.Call(context.Background(), "debug_trace", map[string]any{"table": "incident", "record_sys_id": "inc1"})
	require.True(t, env.OK(), env.Error)

	queries := h.client.queryLog()
	require.Len(t, queries, 3)
	for _, query := range queries {
		require.Contains(t, query.Query, "sys_created_on>=javascript:gs.minutesAgoStart(60)")
		require.True(t, policy.HasDateBound(query.Query), query.Query)
	}

	data := decodeData(t, env)
	require.EqualValues(t, 4, data["event_count"])
	timeline := data["timeline"].([]any)
	sources := make([]string, 0, len(timeline))
	for _, raw := range timeline {
		sources = append(sources, raw.(map[string]any)["source"].(string))
	}
	require.Equal(t, []string{"syslog", "sys_audit", "sys_audit", "sys_journal_field"}, sources)
	require.Equal(t, "field 'u_api_token' changed from '***MASKED***' to '***MASKED***'", timeline[2].(map[string]any)["detail"])
	require.Equal(t, "[comments] called the user", timeline[3].(map[string]any)["detail"])

	encoded, err := json.Marshal(env)
	require.NoError(t, err)
	require.NotContains(t, string(encoded), "tok-")
}

func TestDebugTrace_Validation(t *testing.T) {
	h := newHarness(t, "full")

	env := h.runner.Call(context.Background(), "debug_trace", map[string]any{"table": "incident", "record_sys_id": "inc1^ORsys_id!=x"})
	requireKind(t, env, apperr.KindValidation)

	env = h.runner.Call(context.Background(), "debug_trace", map[string]any{"table": "incident", "record_sys_id": "inc1", "minutes": -5})
	requireKind(t, env, apperr.KindValidation)
	require.Empty(t, h.client.queries)
}

func TestDebugFieldMutationStory(t *testing.T) {
	h := newHarness(t, "full")
	h.client.add(map[string]record.Record{
		"sys_audit/au1": {"tablename": "incident", "documentkey": "inc1", "fieldname": "u_api_token", "oldvalue": "tok-old", "newvalue": "tok-123", "user": "admin", "sys_created_on": "2026-01-02 10:30:00"},
		"sys_audit/au2": {"tablename": "incident", "documentkey": "inc1", "fieldname": "state", "oldvalue": "1", "newvalue": "2", "user": "admin", "sys_created_on": "2026-01-02 10:00:00"},
	})

	env := h.runner.Call(context.Background(), "debug_field_mutation_story", map[string]any{"table": "incident", "sys_id": "inc1", "field": "u_api_token"})
	require.True(t, env.OK(), env.Error)

	query := h.client.lastQuery()
	require.Equal(t, "tablename=incident^documentkey=inc1^fieldname=u_api_token^sys_created_on>=javascript:gs.daysAgoStart(90)^ORDERBYsys_created_on", query.Query)
	require.Equal(t, defaultMutationRows, query.Limit)

	data := decodeData(t, env)
	require.EqualValues(t, 1, data["mutation_count"])
	mutation := data["mutations"].([]any)[0].(map[string]any)
	require.Equal(t, policy.MaskValue, mutation["old_value"])
	require.Equal(t, policy.MaskValue, mutation["new_value"])

	env = h.runner.Call(context.Background(), "debug_field_mutation_story", map[string]any{"table": "incident", "sys_id": "inc1", "field": "state=1"})
	requireKind(t, env, apperr.KindValidation)
}

func TestDebugFlowExecution(t *testing.T) {
	h := newHarness(t, "full")
	h.client.add(map[string]record.Record{
		"sys_flow_context/fc1": {"sys_id": "fc1", "name": "Onboard user", "state": "complete", "started": "2026-01-02 10:00:00", "ended": "2026-01-02 10:01:00"},
		"sys_flow_log/fl1":     {"context": "fc1", "step_label": "Create user", "state": "complete", "sys_created_on": "2026-01-02 10:00:10"},
		"sys_flow_log/fl2":     {"context": "fc1", "step_label": "Send email", "state": "error", "error_message": "no mailbox", "sys_created_on": "2026-01-02 10:00:20"},
	})

	env := h.runner.Call(context.Background(), "debug_flow_execution", map[string]any{"context_id": "fc1"})
	require.True(t, env.OK(), env.Error)
	data := decodeData(t, env)
	require.Equal(t, "Onboard user", data["context"].(map[string]any)["name"])
	require.EqualValues(t, 2, data["step_count"])
	steps := data["steps"].([]any)
	require.Equal(t, "no mailbox", steps[1].(map[string]any)["error_message"])

	env = h.runner.Call(context.Background(), "debug_flow_execution", map[string]any{"context_id": "fc9"})
	requireKind(t, env, apperr.KindNotFound)
}

func TestDebugEmailTrace_TruncatesBody(t *testing.T) {
	h := newHarness(t, "full")
	h.client.add(map[string]record.Record{
		"sys_email/e1": {"sys_id": "e1", "instance": "inc1", "type": "sent", "subject": "Incident opened", "recipients": "ops@example.com", "body_text": strings.Repeat("é", 400), "sys_created_on": "2026-01-02 10:00:00"},
		"sys_email/e2": {"sys_id": "e2", "instance": "inc2", "type": "sent", "subject": "Other"},
	})

	env := h.runner.Call(context.Background(), "debug_email_trace", map[string]any{"record_sys_id": "inc1"})
	require.True(t, env.OK(), env.Error)
	data := decodeData(t, env)
	require.EqualValues(t, 1, data["email_count"])
	email := data["emails"].([]any)[0].(map[string]any)
	require.Equal(t, "Incident opened", email["subject"])
	require.Equal(t, strings.Repeat("é", emailPreviewRunes), email["body_preview"])
	require.Equal(t, "instance=inc1^ORDERBYsys_created_on", h.client.lastQuery().Query)
}

func TestDebugIntegrationHealth(t *testing.T) {
	h := newHarness(t, "full")
	h.client.add(map[string]record.Record{
		"ecc_queue/q1":            {"sys_id": "q1", "name": "Discovery", "queue": "input", "state": "error", "error_string": "timeout", "sys_created_on": "2026-01-02 10:00:00"},
		"ecc_queue/q2":            {"sys_id": "q2", "name": "Discovery", "queue": "input", "state": "processed"},
		"sys_rest_transaction/t1": {"sys_id": "t1", "rest_message": "Billing", "http_method": "post", "http_status": "502", "endpoint": "https://billing.example.com"},
	})

	env := h.runner.Call(context.Background(), "debug_integration_health", map[string]any{})
	require.True(t, env.OK(), env.Error)
	data := decodeData(t, env)
	require.Equal(t, "ecc_queue", data["kind"])
	require.EqualValues(t, 24, data["hours"])
	require.EqualValues(t, 1, data["error_count"])
	require.Equal(t, "timeout", data["errors"].([]any)[0].(map[string]any)["error"])
	require.Equal(t, "state=error^sys_created_on>=javascript:gs.hoursAgoStart(24)^ORDERBYDESCsys_created_on", h.client.lastQuery().Query)

	env = h.runner.Call(context.Background(), "debug_integration_health", map[string]any{"kind": "rest_message", "hours": 2})
	require.True(t, env.OK(), env.Error)
	data = decodeData(t, env)
	require.EqualValues(t, 1, data["error_count"])
	require.Equal(t, "502", data["errors"].([]any)[0].(map[string]any)["http_status"])
	require.Equal(t, "http_status>=400^sys_created_on>=javascript:gs.hoursAgoStart(2)^ORDERBYDESCsys_created_on", h.client.lastQuery().Query)

	env = h.runner.Call(context.Background(), "debug_integration_health", map[string]any{"kind": "smtp"})
	requireKind(t, env, apperr.KindValidation)
}

func TestDebugImportsetRun(t *testing.T) {
	h := newHarness(t, "full")
	h.client.add(map[string]record.Record{
		"sys_import_set/is1":    {"sys_id": "is1", "table_name": "u_import_users", "state": "processed"},
		"sys_import_set_row/r1": {"sys_id": "r1", "sys_import_set": "is1", "sys_import_state": "inserted"},
		"sys_import_set_row/r2": {"sys_id": "r2", "sys_import_set": "is1", "sys_import_state": "error", "sys_import_state_comment": "missing email"},
		"sys_import_set_row/r3": {"sys_id": "r3", "sys_import_set": "is1", "sys_import_state": "inserted"},
		"sys_import_set_row/r9": {"sys_id": "r9", "sys_import_set": "is2", "sys_import_state": "error"},
	})

	env := h.runner.Call(context.Background(), "debug_importset_run", map[string]any{"import_set_sys_id": "is1"})
	require.True(t, env.OK(), env.Error)
	data := decodeData(t, env)
	require.Equal(t, "u_import_users", data["import_set"].(map[string]any)["table_name"])
	require.Equal(t, map[string]any{"total": float64(3), "inserted": float64(2), "error": float64(1)}, data["summary"])
	require.Equal(t, []any{map[string]any{"sys_id": "r2", "comment": "missing email"}}, data["errors"])

	env = h.runner.Call(context.Background(), "debug_importset_run", map[string]any{"import_set_sys_id": "is9"})
	requireKind(t, env, apperr.KindNotFound)
}
