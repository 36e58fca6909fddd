package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/envelope"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/servicenow"
)

const propertiesTable = "sys_properties"

func (r *Runner) devToggle(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		ArtifactType string `json:"artifact_type"`
		SysID        string `json:"sys_id"`
		Active       *bool  `json:"active"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	if err := r.gate.Require("dev_toggle"); err != nil {
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
	if req.Active == nil {
		return envelope.Envelope{}, apperr.Validation("active is required")
	}

	current, err := r.client.FetchRecord(ctx, table, sysID, servicenow.RecordOptions{Fields: []string{"sys_id", "name", "active"}})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if current == nil {
		return envelope.Envelope{}, apperr.NotFound("%s %s not found", strings.TrimSpace(req.ArtifactType), sysID)
	}

	updated, err := r.client.UpdateRecord(ctx, table, sysID, record.Record{"active": *req.Active})
	if err != nil {
		return envelope.Envelope{}, err
	}
	newActive := fmt.Sprintf("%t", *req.Active)
	if updated != nil && updated.String("active") != "" {
		newActive = updated.String("active")
	}
	r.logger.Info().Str("table", table).Str("sys_id", sysID).Bool("active", *req.Active).Msg("artifact toggled")

	return b.Success(map[string]any{
		"artifact_type": strings.ToLower(strings.TrimSpace(req.ArtifactType)),
		"table":         table,
		"sys_id":        sysID,
		"name":          current.String("name"),
		"old_active":    current.String("active"),
		"new_active":    newActive,
	}), nil
}

func (r *Runner) devSetProperty(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Name  string  `json:"name"`
		Value *string `json:"value"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	if err := r.gate.Require("dev_set_property"); err != nil {
		return envelope.Envelope{}, err
	}
	if err := r.catalog.CheckTableAccess(propertiesTable); err != nil {
		return envelope.Envelope{}, err
	}
	name, err := requireString(req.Name, "name")
	if err != nil {
		return envelope.Envelope{}, err
	}
	if strings.Contains(name, "^") {
		return envelope.Envelope{}, apperr.Validation("property name must not contain '^'")
	}
	if req.Value == nil {
		return envelope.Envelope{}, apperr.Validation("value is required")
	}

	found, err := r.client.QueryRecords(ctx, propertiesTable, servicenow.QueryOptions{
		Query:  "name=" + name,
		Fields: []string{"sys_id", "name", "value"},
		Limit:  1,
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if len(found.Records) == 0 {
		return envelope.Envelope{}, apperr.NotFound("property '%s' not found", name)
	}
	prop := found.Records[0]
	sysID := prop.String("sys_id")

	updated, err := r.client.UpdateRecord(ctx, propertiesTable, sysID, record.Record{"value": *req.Value})
	if err != nil {
		return envelope.Envelope{}, err
	}
	oldValue := prop.String("value")
	newValue := *req.Value
	if updated != nil {
		if _, ok := updated["value"]; ok {
			newValue = updated.String("value")
		}
	}
	if r.masker.IsSensitive(name) {
		oldValue, newValue = policy.MaskValue, policy.MaskValue
	}
	r.logger.Info().Str("property", name).Str("sys_id", sysID).Msg("system property updated")

	return b.Success(map[string]any{
		"name":      name,
		"sys_id":    sysID,
		"old_value": oldValue,
		"new_value": newValue,
	}), nil
}

func (r *Runner) devSeedTestData(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Table   string          `json:"table"`
		Records []record.Record `json:"records"`
		Tag     string          `json:"tag"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}

	result, err := r.seeds.Seed(ctx, req.Table, req.Records, req.Tag)
	if err != nil {
		if result.Created > 0 {
			b.Warn(fmt.Sprintf("%d record(s) were created and tracked under tag %s; run dev_cleanup to remove them", result.Created, result.Tag))
		}
		return envelope.Envelope{}, err
	}
	return b.Success(map[string]any{
		"table":         result.Table,
		"tag":           result.Tag,
		"sys_ids":       result.SysIDs,
		"created_count": result.Created,
	}), nil
}

func (r *Runner) devCleanup(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	tag := strings.TrimSpace(req.Tag)
	if tag == "" {
		return envelope.Envelope{}, r.missingTagError(ctx)
	}

	report, err := r.seeds.Cleanup(ctx, tag)
	if err != nil {
		return envelope.Envelope{}, err
	}
	for _, failure := range report.Failed {
		b.Warn(fmt.Sprintf("failed to delete %s/%s: %s (still tracked under %s)", failure.Table, failure.SysID, failure.Error, tag))
	}
	return b.Success(map[string]any{
		"tag":           report.Tag,
		"deleted":       report.Deleted,
		"failed":        report.Failed,
		"deleted_count": len(report.Deleted),
		"failed_count":  len(report.Failed),
	}), nil
}

func (r *Runner) missingTagError(ctx context.Context) error {
	tags, err := r.seeds.Tags(ctx)
	if err != nil || len(tags) == 0 {
		return apperr.Validation("tag is required")
	}
	names := make([]string, 0, len(tags))
	for _, summary := range tags {
		names = append(names, summary.Tag)
	}
	return apperr.Validation("tag is required; tracked tags: %s", strings.Join(names, ", "))
}
