// Package tools implements the MCP tools on top of the ServiceNow client and
// the safety layer. Every call produces exactly one envelope.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/config"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/envelope"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/metrics"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/preview"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/seed"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/servicenow"
)

// Client is the subset of the ServiceNow client used by tools.
type Client interface {
	FetchRecord(ctx context.Context, table, sysID string, opts servicenow.RecordOptions) (record.Record, error)
	QueryRecords(ctx context.Context, table string, opts servicenow.QueryOptions) (servicenow.QueryResult, error)
	Aggregate(ctx context.Context, table string, opts servicenow.AggregateOptions) (any, error)
	TableFields(ctx context.Context, table string) ([]servicenow.Field, error)
	UpdateRecord(ctx context.Context, table, sysID string, changes record.Record) (record.Record, error)
}

// Config wires a Runner.
type Config struct {
	Client   Client
	Guard    *policy.QueryGuard
	Masker   *policy.Masker
	Gate     *policy.WriteGate
	Previews *preview.Service
	Seeds    *seed.Service
	Package  string
}

type handler func(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error)

type tool struct {
	group string
	run   handler
}

// Runner executes MCP tool calls.
type Runner struct {
	client   Client
	guard    *policy.QueryGuard
	catalog  *policy.Catalog
	masker   *policy.Masker
	gate     *policy.WriteGate
	previews *preview.Service
	seeds    *seed.Service

	pkg     string
	enabled map[string]tool
	logger  zerolog.Logger
}

// NewRunner creates a runner exposing the tools of cfg.Package.
func NewRunner(cfg Config, logger zerolog.Logger) (*Runner, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("servicenow client is required")
	}
	if cfg.Guard == nil || cfg.Masker == nil || cfg.Gate == nil {
		return nil, fmt.Errorf("query guard, masker, and write gate are required")
	}
	if cfg.Previews == nil || cfg.Seeds == nil {
		return nil, fmt.Errorf("preview and seed services are required")
	}
	pkg := strings.TrimSpace(cfg.Package)
	groups, ok := config.PackageGroups(pkg)
	if !ok {
		return nil, fmt.Errorf("unknown tool package %q (available: %s)", pkg, strings.Join(config.PackageNames(), ", "))
	}

	r := &Runner{
		client:   cfg.Client,
		guard:    cfg.Guard,
		catalog:  cfg.Guard.Catalog(),
		masker:   cfg.Masker,
		gate:     cfg.Gate,
		previews: cfg.Previews,
		seeds:    cfg.Seeds,
		pkg:      pkg,
		logger:   logger.With().Str("component", "tools").Logger(),
	}

	allowed := make(map[string]struct{}, len(groups))
	for _, group := range groups {
		allowed[group] = struct{}{}
	}
	r.enabled = map[string]tool{}
	for name, t := range r.catalogue() {
		if _, ok := allowed[t.group]; ok || t.group == "" {
			r.enabled[name] = t
		}
	}
	return r, nil
}

func (r *Runner) catalogue() map[string]tool {
	return map[string]tool{
		"list_tool_packages": {run: r.listToolPackages},

		"table_describe":  {group: config.GroupIntrospection, run: r.tableDescribe},
		"table_get":       {group: config.GroupIntrospection, run: r.tableGet},
		"table_query":     {group: config.GroupIntrospection, run: r.tableQuery},
		"table_aggregate": {group: config.GroupIntrospection, run: r.tableAggregate},

		"rel_references_to":   {group: config.GroupRelationships, run: r.relReferencesTo},
		"rel_references_from": {group: config.GroupRelationships, run: r.relReferencesFrom},

		"meta_list_artifacts": {group: config.GroupMetadata, run: r.metaListArtifacts},
		"meta_get_artifact":   {group: config.GroupMetadata, run: r.metaGetArtifact},
		"meta_what_writes":    {group: config.GroupMetadata, run: r.metaWhatWrites},

		"changes_updateset_inspect": {group: config.GroupChanges, run: r.changesUpdatesetInspect},
		"changes_diff_artifact":     {group: config.GroupChanges, run: r.changesDiffArtifact},
		"changes_last_touched":      {group: config.GroupChanges, run: r.changesLastTouched},
		"changes_release_notes":     {group: config.GroupChanges, run: r.changesReleaseNotes},

		"debug_trace":                {group: config.GroupDebug, run: r.debugTrace},
		"debug_field_mutation_story": {group: config.GroupDebug, run: r.debugFieldMutationStory},
		"debug_flow_execution":       {group: config.GroupDebug, run: r.debugFlowExecution},
		"debug_email_trace":          {group: config.GroupDebug, run: r.debugEmailTrace},
		"debug_integration_health":   {group: config.GroupDebug, run: r.debugIntegrationHealth},
		"debug_importset_run":        {group: config.GroupDebug, run: r.debugImportsetRun},

		"dev_toggle":           {group: config.GroupDeveloper, run: r.devToggle},
		"dev_set_property":     {group: config.GroupDeveloper, run: r.devSetProperty},
		"dev_seed_test_data":   {group: config.GroupDeveloper, run: r.devSeedTestData},
		"dev_cleanup":          {group: config.GroupDeveloper, run: r.devCleanup},
		"table_preview_update": {group: config.GroupDeveloper, run: r.tablePreviewUpdate},
		"table_apply_update":   {group: config.GroupDeveloper, run: r.tableApplyUpdate},
		"table_preview_cancel": {group: config.GroupDeveloper, run: r.tablePreviewCancel},
	}
}

// Package returns the active tool package name.
func (r *Runner) Package() string {
	return r.pkg
}

// Groups returns the tool groups enabled by the active package.
func (r *Runner) Groups() []string {
	groups, _ := config.PackageGroups(r.pkg)
	return groups
}

// Tools returns the enabled tool names, sorted.
func (r *Runner) Tools() []string {
	names := make([]string, 0, len(r.enabled))
	for name := range r.enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call executes one tool by name. Failures are reported inside the envelope.
func (r *Runner) Call(ctx context.Context, name string, args map[string]any) envelope.Envelope {
	b := envelope.NewBuilder()
	return r.CallWithBuilder(ctx, b, name, args)
}

// CallWithBuilder is Call with a caller-owned builder, so the transport can
// log the correlation id it hands back.
func (r *Runner) CallWithBuilder(ctx context.Context, b *envelope.Builder, name string, args map[string]any) envelope.Envelope {
	started := time.Now()
	name = strings.TrimSpace(name)
	ctx = servicenow.WithCorrelationID(ctx, b.CorrelationID())

	var (
		env envelope.Envelope
		err error
	)
	label := name
	t, ok := r.enabled[name]
	if !ok {
		label = "unknown"
		err = apperr.Validation("tool %s is not available in package %s", name, r.pkg)
	} else {
		env, err = t.run(ctx, b, args)
	}
	if err != nil {
		env = b.Failure(err)
		r.recordFailure(name, err)
	}

	metrics.ToolCallsTotal.WithLabelValues(label, string(env.Status), string(env.ErrorKind)).Inc()
	metrics.ToolCallDuration.WithLabelValues(label).Observe(time.Since(started).Seconds())
	return env
}

func (r *Runner) recordFailure(name string, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindPolicy, apperr.KindQuerySafety, apperr.KindWriteGating:
		metrics.PolicyDenialsTotal.WithLabelValues(string(kind)).Inc()
	}
	r.logger.Debug().Err(err).Str("tool", name).Str("error_kind", string(kind)).Msg("tool call failed")
}

func (r *Runner) listToolPackages(_ context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct{}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	packages := make(map[string][]string, len(config.ToolPackages))
	for _, name := range config.PackageNames() {
		groups, _ := config.PackageGroups(name)
		packages[name] = groups
	}
	return b.Success(map[string]any{
		"current":  r.pkg,
		"groups":   r.Groups(),
		"tools":    r.Tools(),
		"packages": packages,
	}), nil
}

func (r *Runner) maskRecord(rec record.Record) record.Record {
	masked, n := r.masker.MaskRecords([]record.Record{rec})
	if n > 0 {
		metrics.MaskedFieldsTotal.Add(float64(n))
	}
	return masked[0]
}

func (r *Runner) maskRecords(recs []record.Record) []record.Record {
	masked, n := r.masker.MaskRecords(recs)
	if n > 0 {
		metrics.MaskedFieldsTotal.Add(float64(n))
	}
	return masked
}

// enforce runs the query guard and records clamp warnings on b.
func (r *Runner) enforce(b *envelope.Builder, table, query string, limit int) (policy.EffectiveQuery, error) {
	eq, err := r.guard.Enforce(table, query, limit)
	if err != nil {
		return policy.EffectiveQuery{}, err
	}
	if eq.Clamped() {
		metrics.RowLimitClampsTotal.Inc()
	}
	b.Warn(eq.Warnings...)
	return eq, nil
}

// refuseSensitiveFilters fails when a query, ordering or having clause
// names a sensitive field. Masked fields may not be filtered or sorted on.
func (r *Runner) refuseSensitiveFilters(query, orderBy, having string) error {
	fields := policy.QueryFields(query)
	fields = append(fields, policy.OrderFields(orderBy)...)
	for _, part := range strings.Split(having, "^") {
		fields = append(fields, strings.TrimSpace(part))
	}
	for _, field := range fields {
		if field != "" && r.masker.IsSensitive(field) {
			return apperr.Policy("filtering or sorting on sensitive field '%s' is not allowed", field)
		}
	}
	return nil
}

// queryValuePattern bounds caller values that are spliced into encoded
// queries, such as sys_ids and field names.
var queryValuePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// requireQueryValue is requireString for values placed inside an encoded
// query. Query operators and separators are rejected.
func requireQueryValue(value, name string) (string, error) {
	trimmed, err := requireString(value, name)
	if err != nil {
		return "", err
	}
	if !queryValuePattern.MatchString(trimmed) {
		return "", apperr.Validation("invalid %s '%s': only letters, digits, '_', '.' and '-' are allowed", name, trimmed)
	}
	return trimmed, nil
}

func decodeArgsStrict(args map[string]any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return apperr.Validation("invalid tool arguments: %v", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return apperr.Validation("invalid tool arguments: %v", err)
	}
	if decoder.More() {
		return apperr.Validation("tool arguments must be a single JSON object")
	}
	return nil
}

// splitFields parses a comma-separated field list.
func splitFields(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func requireString(value, name string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", apperr.Validation("%s is required", name)
	}
	return trimmed, nil
}
