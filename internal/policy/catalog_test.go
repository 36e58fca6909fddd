package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
)

func TestCheckTableAccess_DefaultDenyList(t *testing.T) {
	t.Parallel()

	catalog := NewCatalog(nil, nil)
	for _, table := range DefaultDeniedTables {
		table := table
		t.Run(table, func(t *testing.T) {
			t.Parallel()
			err := catalog.CheckTableAccess(table)
			require.Error(t, err)
			require.True(t, apperr.IsKind(err, apperr.KindPolicy))
			require.Contains(t, err.Error(), "access to table '"+table+"' is denied by policy")
		})
	}
}

func TestCheckTableAccess_CaseInsensitiveAndExtended(t *testing.T) {
	catalog := NewCatalog([]string{" u_secret_vault ", ""}, nil)

	require.Error(t, catalog.CheckTableAccess("SYS_CERTIFICATE"))
	require.Error(t, catalog.CheckTableAccess("u_secret_vault"))
	require.NoError(t, catalog.CheckTableAccess("incident"))
	require.Contains(t, catalog.DeniedTables(), "u_secret_vault")
}

func TestCheckTableAccess_EmptyName(t *testing.T) {
	err := NewCatalog(nil, nil).CheckTableAccess("  ")
	require.Error(t, err)
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestCheckTableAccess_RejectsQuerySyntaxInName(t *testing.T) {
	t.Parallel()

	catalog := NewCatalog(nil, nil)
	tests := []string{
		"sys_user_has_password^",
		"incident,sys_user_has_password",
		"incident^name=sys_user_has_password",
		"sys_user_has_password@",
		"incident.caller_id",
		"sys user",
	}
	for _, table := range tests {
		table := table
		t.Run(table, func(t *testing.T) {
			t.Parallel()
			err := catalog.CheckTableAccess(table)
			require.Error(t, err)
			require.True(t, apperr.IsKind(err, apperr.KindValidation))
			require.Contains(t, err.Error(), "invalid table name")
		})
	}

	require.NoError(t, catalog.CheckTableAccess("U_Custom_2"))
}

func TestClassify_UnknownTableDefaults(t *testing.T) {
	catalog := NewCatalog(nil, DefaultLargeTables)

	require.Equal(t, TableClassification{Name: "incident"}, catalog.Classify("incident"))
	require.Equal(t, TableClassification{Name: "syslog", Large: true}, catalog.Classify("SysLog"))
	require.Equal(t, []string{"sys_audit", "sys_email_log", "sys_log_transaction", "syslog"}, catalog.LargeTables())
}
