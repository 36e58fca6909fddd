package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVICENOW_INSTANCE_URL",
		"SERVICENOW_USERNAME",
		"SERVICENOW_PASSWORD",
		"SERVICENOW_TOKEN",
		"SERVICENOW_CREDENTIALS_FILE",
		"SERVICENOW_ENV",
		"ALLOW_WRITES_IN_PROD",
		"MAX_ROW_LIMIT",
		"LARGE_TABLE_NAMES_CSV",
		"SERVICENOW_MCP_DENIED_TABLES",
		"SERVICENOW_MCP_MASK_PATTERNS",
		"MCP_TOOL_PACKAGE",
		"SERVICENOW_MCP_PREVIEW_TTL",
		"SERVICENOW_MCP_SEED_STORE_PATH",
		"SERVICENOW_REQUEST_TIMEOUT",
		"SERVICENOW_MAX_RETRIES",
		"SERVICENOW_RATE_LIMIT",
		"SERVICENOW_RATE_LIMIT_BURST",
		"SERVICENOW_METADATA_CACHE_TTL",
		"SERVICENOW_MCP_TRANSPORT",
		"SERVICENOW_MCP_LISTEN_ADDR",
		"SERVICENOW_MCP_SESSION_TOKEN",
		"SERVICENOW_MCP_LOG_LEVEL",
		"SERVICENOW_MCP_LOG_FILE",
		"SERVICENOW_MCP_METRICS_ENABLED",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICENOW_INSTANCE_URL", "https://dev12345.service-now.com/")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://dev12345.service-now.com", cfg.InstanceURL)
	require.Equal(t, policy.EnvDev, cfg.Environment)
	require.False(t, cfg.AllowWritesInProd)
	require.Equal(t, defaultMaxRowLimit, cfg.MaxRowLimit)
	require.Equal(t, policy.DefaultLargeTables, cfg.LargeTables)
	require.Empty(t, cfg.DeniedTables)
	require.Equal(t, "dev_debug", cfg.ToolPackage)
	require.Equal(t, 5*time.Minute, cfg.PreviewTTL)
	require.Equal(t, defaultListenAddr, cfg.ListenAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, TransportStdio, cfg.Transport)
	require.Equal(t, defaultCredentialsPath, cfg.CredentialsPath)
	require.Equal(t, defaultMaxRetries, cfg.MaxRetries)
	require.Equal(t, defaultRateLimit, cfg.RateLimit)
	require.True(t, cfg.MetricsEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICENOW_INSTANCE_URL", "https://prod.service-now.com")
	t.Setenv("SERVICENOW_ENV", "PROD")
	t.Setenv("ALLOW_WRITES_IN_PROD", "yes")
	t.Setenv("MAX_ROW_LIMIT", "250")
	t.Setenv("LARGE_TABLE_NAMES_CSV", "syslog, u_big_table ,,")
	t.Setenv("SERVICENOW_MCP_DENIED_TABLES", "u_vault")
	t.Setenv("MCP_TOOL_PACKAGE", "introspection_only")
	t.Setenv("SERVICENOW_MCP_PREVIEW_TTL", "90s")
	t.Setenv("SERVICENOW_MAX_RETRIES", "0")
	t.Setenv("SERVICENOW_MCP_TRANSPORT", "HTTP")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, policy.EnvProd, cfg.Environment)
	require.True(t, cfg.AllowWritesInProd)
	require.Equal(t, 250, cfg.MaxRowLimit)
	require.Equal(t, []string{"syslog", "u_big_table"}, cfg.LargeTables)
	require.Equal(t, []string{"u_vault"}, cfg.DeniedTables)
	require.Equal(t, "introspection_only", cfg.ToolPackage)
	require.Equal(t, 90*time.Second, cfg.PreviewTTL)
	require.Equal(t, 0, cfg.MaxRetries)
	require.Equal(t, TransportHTTP, cfg.Transport)
	require.Equal(t, policy.Environment{Label: policy.EnvProd, AllowWritesOverride: true}, cfg.EnvironmentContext())
}

func TestLoad_FatalErrors(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		message string
	}{
		{name: "missing instance", env: map[string]string{}, message: "SERVICENOW_INSTANCE_URL is required"},
		{name: "bad instance", env: map[string]string{"SERVICENOW_INSTANCE_URL": "dev12345"}, message: "invalid SERVICENOW_INSTANCE_URL"},
		{name: "unparseable row limit", env: map[string]string{"MAX_ROW_LIMIT": "lots"}, message: "invalid MAX_ROW_LIMIT"},
		{name: "zero row limit", env: map[string]string{"MAX_ROW_LIMIT": "0"}, message: "invalid MAX_ROW_LIMIT"},
		{name: "bad ttl", env: map[string]string{"SERVICENOW_MCP_PREVIEW_TTL": "soon"}, message: "invalid SERVICENOW_MCP_PREVIEW_TTL"},
		{name: "bad env", env: map[string]string{"SERVICENOW_ENV": "production"}, message: "invalid SERVICENOW_ENV"},
		{name: "unknown package", env: map[string]string{"MCP_TOOL_PACKAGE": "everything"}, message: "unknown MCP_TOOL_PACKAGE"},
		{name: "bad transport", env: map[string]string{"SERVICENOW_MCP_TRANSPORT": "udp"}, message: "invalid SERVICENOW_MCP_TRANSPORT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			if _, ok := tc.env["SERVICENOW_INSTANCE_URL"]; !ok && tc.name != "missing instance" {
				t.Setenv("SERVICENOW_INSTANCE_URL", "https://dev12345.service-now.com")
			}
			for key, value := range tc.env {
				t.Setenv(key, value)
			}

			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestPackageGroups(t *testing.T) {
	groups, ok := PackageGroups("introspection_only")
	require.True(t, ok)
	require.Equal(t, []string{GroupIntrospection, GroupRelationships, GroupMetadata}, groups)

	groups, ok = PackageGroups("none")
	require.True(t, ok)
	require.Empty(t, groups)

	_, ok = PackageGroups("everything")
	require.False(t, ok)
	require.Equal(t, []string{"dev_debug", "full", "introspection_only", "none"}, PackageNames())
}
