package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestToolsContract_ListsEveryTool(t *testing.T) {
	doc := decodeContract(t)

	names := make([]string, 0, len(doc.Tools))
	for _, tool := range doc.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"list_tool_packages",
		"table_describe",
		"table_get",
		"table_query",
		"table_aggregate",
		"rel_references_to",
		"rel_references_from",
		"meta_list_artifacts",
		"meta_get_artifact",
		"meta_what_writes",
		"changes_updateset_inspect",
		"changes_diff_artifact",
		"changes_last_touched",
		"changes_release_notes",
		"debug_trace",
		"debug_field_mutation_story",
		"debug_flow_execution",
		"debug_email_trace",
		"debug_integration_health",
		"debug_importset_run",
		"dev_toggle",
		"dev_set_property",
		"dev_seed_test_data",
		"dev_cleanup",
		"table_preview_update",
		"table_apply_update",
		"table_preview_cancel",
	}, names)
}

func TestToolsContract_MutatingToolsAreWriteCapability(t *testing.T) {
	doc := decodeContract(t)

	writes := map[string]bool{}
	for _, tool := range doc.Tools {
		require.Containsf(t, []string{"read", "write"}, tool.Capability, "tool %s", tool.Name)
		require.NotNilf(t, tool.InputSchema, "tool %s has no input schema", tool.Name)
		if tool.Capability == "write" {
			writes[tool.Name] = true
		}
	}
	for _, name := range []string{
		"dev_toggle",
		"dev_set_property",
		"dev_seed_test_data",
		"dev_cleanup",
		"table_preview_update",
		"table_apply_update",
	} {
		assert.Truef(t, writes[name], "%s must be a write tool", name)
	}
	assert.False(t, writes["table_query"])
	assert.False(t, writes["debug_trace"])
	assert.False(t, writes["changes_last_touched"])
}

type contractDoc struct {
	Tools []struct {
		Name        string         `yaml:"name"`
		Group       string         `yaml:"group"`
		Capability  string         `yaml:"capability"`
		InputSchema map[string]any `yaml:"inputSchema"`
	} `yaml:"tools"`
}

func decodeContract(t *testing.T) contractDoc {
	t.Helper()
	var doc contractDoc
	require.NoError(t, yaml.Unmarshal(ToolsContract, &doc))
	return doc
}
