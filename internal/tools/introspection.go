package tools

import (
	"context"
	"strings"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/envelope"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/servicenow"
)

func (r *Runner) tableDescribe(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Table string `json:"table"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	table := strings.TrimSpace(req.Table)
	if err := r.catalog.CheckTableAccess(table); err != nil {
		return envelope.Envelope{}, err
	}

	fields, err := r.client.TableFields(ctx, table)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if len(fields) == 0 {
		return envelope.Envelope{}, apperr.NotFound("table '%s' has no dictionary entries", table)
	}

	out := make([]map[string]any, 0, len(fields))
	for _, f := range fields {
		entry := map[string]any{
			"element":       f.Element,
			"column_label":  f.Label,
			"internal_type": f.InternalType,
			"max_length":    f.MaxLength,
			"mandatory":     f.Mandatory,
			"read_only":     f.ReadOnly,
			"reference":     f.Reference,
			"default_value": f.DefaultValue,
			"defined_on":    f.Table,
		}
		if r.masker.IsSensitive(f.Element) {
			entry["default_value"] = maskedDefault(f.DefaultValue)
			entry["sensitive"] = true
		}
		out = append(out, entry)
	}
	return b.Success(map[string]any{
		"table":       table,
		"fields":      out,
		"field_count": len(out),
	}), nil
}

func (r *Runner) tableGet(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Table         string `json:"table"`
		SysID         string `json:"sys_id"`
		Fields        string `json:"fields"`
		DisplayValues bool   `json:"display_values"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	table := strings.TrimSpace(req.Table)
	if err := r.catalog.CheckTableAccess(table); err != nil {
		return envelope.Envelope{}, err
	}
	sysID, err := requireString(req.SysID, "sys_id")
	if err != nil {
		return envelope.Envelope{}, err
	}

	rec, err := r.client.FetchRecord(ctx, table, sysID, servicenow.RecordOptions{
		Fields:       splitFields(req.Fields),
		DisplayValue: req.DisplayValues,
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if rec == nil {
		return envelope.Envelope{}, apperr.NotFound("record %s not found in %s", sysID, table)
	}
	return b.Success(r.maskRecord(rec)), nil
}

func (r *Runner) tableQuery(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Table         string `json:"table"`
		Query         string `json:"query"`
		Fields        string `json:"fields"`
		Limit         int    `json:"limit"`
		Offset        int    `json:"offset"`
		OrderBy       string `json:"order_by"`
		DisplayValues bool   `json:"display_values"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	if req.Offset < 0 {
		return envelope.Envelope{}, apperr.Validation("offset must be >= 0")
	}

	eq, err := r.enforce(b, req.Table, req.Query, req.Limit)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := r.refuseSensitiveFilters(eq.Query, req.OrderBy, ""); err != nil {
		return envelope.Envelope{}, err
	}

	result, err := r.client.QueryRecords(ctx, eq.Table, servicenow.QueryOptions{
		Query:        eq.Query,
		Fields:       splitFields(req.Fields),
		Limit:        eq.Limit,
		Offset:       req.Offset,
		OrderBy:      req.OrderBy,
		DisplayValue: req.DisplayValues,
	})
	if err != nil {
		return envelope.Envelope{}, err
	}

	return b.Page(r.maskRecords(result.Records), envelope.Pagination{
		Offset: req.Offset,
		Limit:  eq.Limit,
		Total:  envelope.Total(result.Total),
	}), nil
}

func (r *Runner) tableAggregate(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Table     string `json:"table"`
		Query     string `json:"query"`
		GroupBy   string `json:"group_by"`
		AvgFields string `json:"avg_fields"`
		MinFields string `json:"min_fields"`
		MaxFields string `json:"max_fields"`
		SumFields string `json:"sum_fields"`
		Having    string `json:"having"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}

	eq, err := r.guard.Enforce(req.Table, req.Query, 0)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := r.refuseSensitiveFilters(eq.Query, "", req.Having); err != nil {
		return envelope.Envelope{}, err
	}

	opts := servicenow.AggregateOptions{
		Query:     eq.Query,
		GroupBy:   splitFields(req.GroupBy),
		AvgFields: splitFields(req.AvgFields),
		MinFields: splitFields(req.MinFields),
		MaxFields: splitFields(req.MaxFields),
		SumFields: splitFields(req.SumFields),
		Having:    req.Having,
	}
	for _, list := range [][]string{opts.GroupBy, opts.AvgFields, opts.MinFields, opts.MaxFields, opts.SumFields} {
		for _, field := range list {
			if r.masker.IsSensitive(field) {
				return envelope.Envelope{}, apperr.Policy("aggregating sensitive field '%s' is not allowed", field)
			}
		}
	}

	result, err := r.client.Aggregate(ctx, eq.Table, opts)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return b.Success(map[string]any{
		"table":  eq.Table,
		"result": result,
	}), nil
}

func maskedDefault(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return policy.MaskValue
}
