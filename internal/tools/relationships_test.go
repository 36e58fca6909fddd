package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/servicenow"
)

func TestRelReferencesTo(t *testing.T) {
	h := newHarness(t, "full")
	h.client.add(map[string]record.Record{
		"sys_dictionary/d1": {"name": "problem", "element": "parent_incident", "column_label": "Parent incident", "internal_type": "reference", "reference": "incident"},
		"sys_dictionary/d2": {"name": "u_vault", "element": "incident", "internal_type": "reference", "reference": "incident"},
		"sys_dictionary/d3": {"name": "task_sla", "element": "task", "internal_type": "reference", "reference": "incident"},
		"sys_dictionary/d4": {"name": "problem", "element": "assigned_to", "internal_type": "reference", "reference": "sys_user"},
		"problem/prb1":      {"sys_id": "prb1", "parent_incident": "inc1", "u_api_token": "tok-999"},
		"task_sla/sla1":     {"sys_id": "sla1", "task": "other"},
	})

	env := h.runner.Call(context.Background(), "rel_references_to", map[string]any{"table": "incident", "sys_id": "inc1"})
	require.True(t, env.OK(), env.Error)
	require.Equal(t, []string{"skipped u_vault.incident: access to table 'u_vault' is denied by policy"}, env.Warnings)

	data := decodeData(t, env)
	require.Equal(t, map[string]any{"table": "incident", "sys_id": "inc1"}, data["target"])
	refs := data["incoming_references"].([]any)
	require.Len(t, refs, 1)
	ref := refs[0].(map[string]any)
	require.Equal(t, "problem", ref["table"])
	require.Equal(t, "parent_incident", ref["field"])
	require.EqualValues(t, 1, ref["count"])

	queries := h.client.queryLog()
	require.Equal(t, "internal_type=reference^reference=incident", queries[0].Query)
	require.Equal(t, "parent_incident=inc1", queries[1].Query)
	require.Equal(t, referenceSampleLimit, queries[1].Limit)
}

func TestRelReferencesTo_RejectsQuerySyntaxInSysID(t *testing.T) {
	h := newHarness(t, "full")

	env := h.runner.Call(context.Background(), "rel_references_to", map[string]any{"table": "incident", "sys_id": "inc1^ORactive=true"})
	requireKind(t, env, apperr.KindValidation)
	require.Empty(t, h.client.queries)
}

func TestRelReferencesFrom(t *testing.T) {
	h := newHarness(t, "full")
	h.client.fields["incident"] = append(h.client.fields["incident"],
		servicenow.Field{Table: "task", Element: "caller_id", Label: "Caller", InternalType: "reference", Reference: "sys_user"},
		servicenow.Field{Table: "task", Element: "assignment_group", Label: "Assignment group", InternalType: "reference", Reference: "sys_user_group"},
	)

	env := h.runner.Call(context.Background(), "rel_references_from", map[string]any{"table": "incident", "sys_id": "inc1"})
	require.True(t, env.OK(), env.Error)
	data := decodeData(t, env)
	outgoing := data["outgoing_references"].([]any)
	require.Len(t, outgoing, 1)
	require.Equal(t, map[string]any{
		"field":           "caller_id",
		"reference_table": "sys_user",
		"value":           "u1",
		"label":           "Caller",
	}, outgoing[0])

	env = h.runner.Call(context.Background(), "rel_references_from", map[string]any{"table": "incident", "sys_id": "missing"})
	requireKind(t, env, apperr.KindNotFound)
}
