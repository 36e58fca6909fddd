package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/envelope"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/servicenow"
)

const (
	dictionaryTable      = "sys_dictionary"
	referenceScanLimit   = 100
	referenceSampleLimit = 5
)

// relReferencesTo finds records in other tables whose reference fields point
// at one record. Referencing tables that policy refuses are skipped with a
// warning.
func (r *Runner) relReferencesTo(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Table string `json:"table"`
		SysID string `json:"sys_id"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	table := strings.TrimSpace(req.Table)
	if err := r.catalog.CheckTableAccess(table); err != nil {
		return envelope.Envelope{}, err
	}
	sysID, err := requireQueryValue(req.SysID, "sys_id")
	if err != nil {
		return envelope.Envelope{}, err
	}

	eq, err := r.enforce(b, dictionaryTable, "internal_type=reference^reference="+table, referenceScanLimit)
	if err != nil {
		return envelope.Envelope{}, err
	}
	refFields, err := r.client.QueryRecords(ctx, eq.Table, servicenow.QueryOptions{
		Query:  eq.Query,
		Fields: []string{"name", "element", "column_label"},
		Limit:  eq.Limit,
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if refFields.Total > len(refFields.Records) {
		b.Warn(fmt.Sprintf("only the first %d of %d reference fields were scanned", len(refFields.Records), refFields.Total))
	}

	references := []map[string]any{}
	for _, field := range refFields.Records {
		refTable := strings.TrimSpace(field.String("name"))
		refField := strings.TrimSpace(field.String("element"))
		if refTable == "" || refField == "" {
			continue
		}
		refEq, err := r.enforce(b, refTable, refField+"="+sysID, referenceSampleLimit)
		if err != nil {
			b.Warn(fmt.Sprintf("skipped %s.%s: %s", refTable, refField, err.Error()))
			continue
		}
		matches, err := r.client.QueryRecords(ctx, refEq.Table, servicenow.QueryOptions{
			Query:  refEq.Query,
			Fields: []string{"sys_id", refField},
			Limit:  refEq.Limit,
		})
		if err != nil {
			b.Warn(fmt.Sprintf("skipped %s.%s: %s", refTable, refField, err.Error()))
			continue
		}
		if len(matches.Records) == 0 {
			continue
		}
		references = append(references, map[string]any{
			"table":          refTable,
			"field":          refField,
			"label":          field.String("column_label"),
			"count":          matches.Total,
			"sample_records": r.maskRecords(matches.Records),
		})
	}
	sort.SliceStable(references, func(i, j int) bool {
		if references[i]["table"] != references[j]["table"] {
			return references[i]["table"].(string) < references[j]["table"].(string)
		}
		return references[i]["field"].(string) < references[j]["field"].(string)
	})

	return b.Success(map[string]any{
		"target":              map[string]any{"table": table, "sys_id": sysID},
		"incoming_references": references,
	}), nil
}

// relReferencesFrom lists the populated reference fields of one record,
// inherited columns included.
func (r *Runner) relReferencesFrom(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Table string `json:"table"`
		SysID string `json:"sys_id"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	table := strings.TrimSpace(req.Table)
	if err := r.catalog.CheckTableAccess(table); err != nil {
		return envelope.Envelope{}, err
	}
	sysID, err := requireQueryValue(req.SysID, "sys_id")
	if err != nil {
		return envelope.Envelope{}, err
	}

	rec, err := r.client.FetchRecord(ctx, table, sysID, servicenow.RecordOptions{})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if rec == nil {
		return envelope.Envelope{}, apperr.NotFound("record %s not found in %s", sysID, table)
	}
	fields, err := r.client.TableFields(ctx, table)
	if err != nil {
		return envelope.Envelope{}, err
	}

	masked := r.maskRecord(rec)
	outgoing := []map[string]any{}
	for _, f := range fields {
		if f.InternalType != "reference" {
			continue
		}
		value := masked.String(f.Element)
		if value == "" {
			continue
		}
		outgoing = append(outgoing, map[string]any{
			"field":           f.Element,
			"reference_table": f.Reference,
			"value":           value,
			"label":           f.Label,
		})
	}

	return b.Success(map[string]any{
		"source":              map[string]any{"table": table, "sys_id": sysID},
		"outgoing_references": outgoing,
	}), nil
}
