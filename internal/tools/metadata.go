package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/envelope"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/servicenow"
)

// artifactTables maps artifact types to the tables that store them.
var artifactTables = map[string]string{
	"business_rule":  "sys_script",
	"script_include": "sys_script_include",
	"ui_policy":      "sys_ui_policy",
	"ui_action":      "sys_ui_action",
	"client_script":  "sys_script_client",
	"scheduled_job":  "sysauto_script",
	"fix_script":     "sys_script_fix",
}

const whatWritesScanLimit = 200

var artifactListFields = []string{"sys_id", "name", "active", "sys_scope", "sys_updated_on", "sys_updated_by"}

var writerFields = []string{"sys_id", "name", "when", "order", "active", "action_insert", "action_update", "script"}

// ArtifactTypes returns the supported artifact types, sorted.
func ArtifactTypes() []string {
	types := make([]string, 0, len(artifactTables))
	for name := range artifactTables {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

func artifactTable(artifactType string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(artifactType))
	table, ok := artifactTables[key]
	if !ok {
		return "", apperr.Validation("unknown artifact type '%s'; valid types: %s", strings.TrimSpace(artifactType), strings.Join(ArtifactTypes(), ", "))
	}
	return table, nil
}

func (r *Runner) metaListArtifacts(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		ArtifactType string `json:"artifact_type"`
		Query        string `json:"query"`
		Limit        int    `json:"limit"`
		Offset       int    `json:"offset"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	if req.Offset < 0 {
		return envelope.Envelope{}, apperr.Validation("offset must be >= 0")
	}
	table, err := artifactTable(req.ArtifactType)
	if err != nil {
		return envelope.Envelope{}, err
	}

	eq, err := r.enforce(b, table, req.Query, req.Limit)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := r.refuseSensitiveFilters(eq.Query, "", ""); err != nil {
		return envelope.Envelope{}, err
	}
	result, err := r.client.QueryRecords(ctx, table, servicenow.QueryOptions{
		Query:   eq.Query,
		Fields:  artifactListFields,
		Limit:   eq.Limit,
		Offset:  req.Offset,
		OrderBy: "name",
	})
	if err != nil {
		return envelope.Envelope{}, err
	}

	return b.Page(map[string]any{
		"artifact_type": strings.ToLower(strings.TrimSpace(req.ArtifactType)),
		"table":         table,
		"artifacts":     r.maskRecords(result.Records),
	}, envelope.Pagination{
		Offset: req.Offset,
		Limit:  eq.Limit,
		Total:  envelope.Total(result.Total),
	}), nil
}

func (r *Runner) metaGetArtifact(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		ArtifactType string `json:"artifact_type"`
		SysID        string `json:"sys_id"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	table, err := artifactTable(req.ArtifactType)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := r.catalog.CheckTableAccess(table); err != nil {
		return envelope.Envelope{}, err
	}
	sysID, err := requireString(req.SysID, "sys_id")
	if err != nil {
		return envelope.Envelope{}, err
	}

	rec, err := r.client.FetchRecord(ctx, table, sysID, servicenow.RecordOptions{})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if rec == nil {
		return envelope.Envelope{}, apperr.NotFound("%s %s not found", strings.TrimSpace(req.ArtifactType), sysID)
	}
	return b.Success(map[string]any{
		"artifact_type": strings.ToLower(strings.TrimSpace(req.ArtifactType)),
		"table":         table,
		"artifact":      r.maskRecord(rec),
	}), nil
}

// metaWhatWrites lists business rules on table, optionally narrowed to
// those whose script mentions field.
func (r *Runner) metaWhatWrites(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Table string `json:"table"`
		Field string `json:"field"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	table := strings.TrimSpace(req.Table)
	if err := r.catalog.CheckTableAccess(table); err != nil {
		return envelope.Envelope{}, err
	}
	field := strings.TrimSpace(req.Field)

	eq, err := r.enforce(b, artifactTables["business_rule"], "collection="+table, whatWritesScanLimit)
	if err != nil {
		return envelope.Envelope{}, err
	}
	result, err := r.client.QueryRecords(ctx, eq.Table, servicenow.QueryOptions{
		Query:   eq.Query,
		Fields:  writerFields,
		Limit:   eq.Limit,
		OrderBy: "order",
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if result.Total > len(result.Records) {
		b.Warn(fmt.Sprintf("only the first %d of %d business rules were scanned", len(result.Records), result.Total))
	}

	writers := make([]record.Record, 0, len(result.Records))
	for _, rec := range result.Records {
		if field != "" && !strings.Contains(rec.String("script"), field) {
			continue
		}
		writer := rec.Clone()
		delete(writer, "script")
		writers = append(writers, writer)
	}

	var fieldOut any
	if field != "" {
		fieldOut = field
	}
	return b.Success(map[string]any{
		"table":   table,
		"field":   fieldOut,
		"writers": r.maskRecords(writers),
		"total":   len(writers),
	}), nil
}
