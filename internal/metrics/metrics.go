// Package metrics exposes Prometheus collectors for the MCP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tool calls
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicenow_mcp_tool_calls_total",
			Help: "Total number of tool calls by tool, status and error kind",
		},
		[]string{"tool", "status", "error_kind"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "servicenow_mcp_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"tool"},
	)

	// Guardrails
	PolicyDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicenow_mcp_policy_denials_total",
			Help: "Calls rejected by a guardrail, by error kind",
		},
		[]string{"kind"},
	)

	RowLimitClampsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "servicenow_mcp_row_limit_clamps_total",
			Help: "Queries whose requested row limit was clamped",
		},
	)

	MaskedFieldsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "servicenow_mcp_masked_fields_total",
			Help: "Field values redacted in tool responses",
		},
	)

	// Preview/apply
	PreviewTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicenow_mcp_preview_tokens_total",
			Help: "Preview token lifecycle events (created, applied, expired, cancelled, rejected)",
		},
		[]string{"event"},
	)

	// Seeding
	SeededRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicenow_mcp_seeded_records_total",
			Help: "Seeded record events (created, deleted, delete_failed)",
		},
		[]string{"event"},
	)

	// Upstream
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicenow_mcp_upstream_requests_total",
			Help: "Requests sent to the ServiceNow REST API by method and status class",
		},
		[]string{"method", "status"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "servicenow_mcp_upstream_request_duration_seconds",
			Help:    "ServiceNow REST API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"method"},
	)

	MetadataCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicenow_mcp_metadata_cache_total",
			Help: "Table dictionary cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)
)
