package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
)

func TestBuilder_FreshCorrelationIDPerCall(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		id := NewBuilder().CorrelationID()
		require.NotEmpty(t, id)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestBuilder_SuccessKeepsAllWarningsInOrder(t *testing.T) {
	b := NewBuilder()
	b.Warn("row limit clamped from 500 to 100")
	b.Warn("", "  ")
	b.Warn("2 fields masked")

	env := b.Success(map[string]any{"x": 1})
	require.True(t, env.OK())
	require.Equal(t, []string{"row limit clamped from 500 to 100", "2 fields masked"}, env.Warnings)
	require.Nil(t, env.Pagination)
}

func TestBuilder_FailureHasNoData(t *testing.T) {
	b := NewBuilder()
	b.Warn("row limit clamped from 500 to 100")

	env := b.Failure(fmt.Errorf("querying: %w", apperr.QuerySafety("table syslog needs a date bound")))
	require.Equal(t, StatusError, env.Status)
	require.Nil(t, env.Data)
	require.Equal(t, apperr.KindQuerySafety, env.ErrorKind)
	require.Contains(t, env.Error, "needs a date bound")
	require.Len(t, env.Warnings, 1)

	encoded, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	_, hasData := decoded["data"]
	require.False(t, hasData)
	require.Equal(t, "QuerySafetyError", decoded["error_kind"])
}

func TestBuilder_FailureUnclassified(t *testing.T) {
	env := NewBuilder().Failure(errors.New("boom"))
	require.Equal(t, apperr.KindInternal, env.ErrorKind)
	require.Equal(t, "boom", env.Error)
}

func TestBuilder_Page(t *testing.T) {
	env := NewBuilder().Page([]string{"a"}, Pagination{Offset: 10, Limit: 5, Total: Total(42)})
	require.NotNil(t, env.Pagination)
	require.Equal(t, 42, *env.Pagination.Total)

	encoded, err := json.Marshal(env)
	require.NoError(t, err)
	require.Contains(t, string(encoded), `"warnings":[]`)
}
