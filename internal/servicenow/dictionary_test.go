package servicenow

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func dictionaryHandler(t *testing.T, dictionaryCalls *atomic.Int32) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("sysparm_query")
		switch r.URL.Path {
		case "/api/now/table/sys_db_object":
			switch query {
			case "name=incident":
				writeJSON(w, http.StatusOK, map[string]any{"result": []any{map[string]any{"name": "incident", "super_class.name": "task"}}})
			default:
				writeJSON(w, http.StatusOK, map[string]any{"result": []any{map[string]any{"name": strings.TrimPrefix(query, "name="), "super_class.name": ""}}})
			}
		case "/api/now/table/sys_dictionary":
			dictionaryCalls.Add(1)
			require.Equal(t, "nameINincident,task^elementISNOTEMPTY", query)
			writeJSON(w, http.StatusOK, map[string]any{"result": []any{
				map[string]any{"name": "task", "element": "state", "internal_type": map[string]any{"value": "integer"}, "read_only": "false"},
				map[string]any{"name": "task", "element": "number", "read_only": "true"},
				map[string]any{"name": "incident", "element": "state", "internal_type": map[string]any{"value": "integer"}, "mandatory": "true"},
				map[string]any{"name": "incident", "element": "caller_id", "reference": map[string]any{"value": "sys_user"}},
			}})
		default:
			http.NotFound(w, r)
		}
	}
}

func TestTableFields_WalksHierarchyAndCaches(t *testing.T) {
	var dictionaryCalls atomic.Int32
	client := newTestClient(t, dictionaryHandler(t, &dictionaryCalls))
	ctx := context.Background()

	fields, err := client.TableFields(ctx, "incident")
	require.NoError(t, err)
	require.Len(t, fields, 3)
	require.Equal(t, "caller_id", fields[0].Element)
	require.Equal(t, "sys_user", fields[0].Reference)
	require.Equal(t, "state", fields[2].Element)
	require.Equal(t, "incident", fields[2].Table)
	require.True(t, fields[2].Mandatory)

	_, err = client.TableFields(ctx, "incident")
	require.NoError(t, err)
	require.Equal(t, int32(1), dictionaryCalls.Load())

	writable, err := client.WritableFields(ctx, "incident")
	require.NoError(t, err)
	require.Equal(t, []string{"caller_id", "state"}, writable)
}
