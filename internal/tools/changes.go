package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/envelope"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/servicenow"
)

const (
	updateSetTable     = "sys_update_set"
	updateXMLTable     = "sys_update_xml"
	updateVersionTable = "sys_update_version"
	auditTable         = "sys_audit"

	defaultLastTouchedLimit = 20
	defaultAuditDays        = 30
)

// riskyArtifactTypes are update set member types worth a second look.
var riskyArtifactTypes = map[string]struct{}{
	"sys_security_acl":    {},
	"sys_properties":      {},
	"sys_db_object":       {},
	"sys_dictionary":      {},
	"sys_script":          {},
	"sys_script_include":  {},
	"sys_ws_operation":    {},
	"sys_rest_message_fn": {},
}

var updateSetFields = []string{"sys_id", "name", "state", "description", "sys_created_by", "sys_updated_on"}

var updateMemberFields = []string{"sys_id", "name", "type", "action", "target_name"}

// updateSetMembers loads an update set and as many of its members as the
// row limit allows.
func (r *Runner) updateSetMembers(ctx context.Context, b *envelope.Builder, updateSetID string) (record.Record, []record.Record, error) {
	if err := r.catalog.CheckTableAccess(updateSetTable); err != nil {
		return nil, nil, err
	}
	updateSet, err := r.client.FetchRecord(ctx, updateSetTable, updateSetID, servicenow.RecordOptions{Fields: updateSetFields})
	if err != nil {
		return nil, nil, err
	}
	if updateSet == nil {
		return nil, nil, apperr.NotFound("update set %s not found", updateSetID)
	}

	eq, err := r.enforce(b, updateXMLTable, "update_set="+updateSetID+"^ORDERBYtype", 0)
	if err != nil {
		return nil, nil, err
	}
	result, err := r.client.QueryRecords(ctx, eq.Table, servicenow.QueryOptions{
		Query:  eq.Query,
		Fields: updateMemberFields,
		Limit:  eq.Limit,
	})
	if err != nil {
		return nil, nil, err
	}
	if result.Total > len(result.Records) {
		b.Warn(fmt.Sprintf("only the first %d of %d update set members were read", len(result.Records), result.Total))
	}
	return r.maskRecord(updateSet), r.maskRecords(result.Records), nil
}

// groupMembers buckets members by artifact type, sorted by type.
func groupMembers(members []record.Record) ([]string, map[string][]record.Record) {
	groups := map[string][]record.Record{}
	for _, member := range members {
		kind := member.String("type")
		if kind == "" {
			kind = "unknown"
		}
		groups[kind] = append(groups[kind], member)
	}
	types := make([]string, 0, len(groups))
	for kind := range groups {
		types = append(types, kind)
	}
	sort.Strings(types)
	return types, groups
}

func (r *Runner) changesUpdatesetInspect(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		UpdateSetID string `json:"update_set_id"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	updateSetID, err := requireQueryValue(req.UpdateSetID, "update_set_id")
	if err != nil {
		return envelope.Envelope{}, err
	}

	updateSet, members, err := r.updateSetMembers(ctx, b, updateSetID)
	if err != nil {
		return envelope.Envelope{}, err
	}

	types, groups := groupMembers(members)
	summary := make([]map[string]any, 0, len(types))
	riskFlags := []string{}
	for _, kind := range types {
		items := make([]map[string]any, 0, len(groups[kind]))
		for _, member := range groups[kind] {
			items = append(items, map[string]any{
				"sys_id":      member.String("sys_id"),
				"name":        member.String("name"),
				"target_name": member.String("target_name"),
				"action":      member.String("action"),
			})
		}
		summary = append(summary, map[string]any{"type": kind, "count": len(items), "items": items})
		if _, risky := riskyArtifactTypes[kind]; risky {
			riskFlags = append(riskFlags, fmt.Sprintf("contains %d '%s' artifact(s); review carefully", len(items), kind))
		}
	}

	return b.Success(map[string]any{
		"update_set": map[string]any{
			"sys_id": updateSet.String("sys_id"),
			"name":   updateSet.String("name"),
			"state":  updateSet.String("state"),
		},
		"total_members": len(members),
		"groups":        summary,
		"risk_flags":    riskFlags,
	}), nil
}

// changesDiffArtifact diffs the two newest recorded versions of an
// artifact. Payloads are masked before diffing.
func (r *Runner) changesDiffArtifact(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
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
	updateName := table + "_" + sysID

	eq, err := r.enforce(b, updateVersionTable, "name="+updateName+"^ORDERBYDESCsys_recorded_at", 2)
	if err != nil {
		return envelope.Envelope{}, err
	}
	result, err := r.client.QueryRecords(ctx, eq.Table, servicenow.QueryOptions{
		Query:  eq.Query,
		Fields: []string{"sys_id", "name", "payload", "sys_recorded_at"},
		Limit:  eq.Limit,
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if len(result.Records) < 2 {
		return envelope.Envelope{}, apperr.NotFound("artifact %s has %d recorded version(s); at least 2 are needed to diff", updateName, len(result.Records))
	}

	newer, older := result.Records[0], result.Records[1]
	oldDate, newDate := older.String("sys_recorded_at"), newer.String("sys_recorded_at")
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(r.masker.MaskXML(older.String("payload"))),
		B:        difflib.SplitLines(r.masker.MaskXML(newer.String("payload"))),
		FromFile: fmt.Sprintf("%s (%s)", updateName, oldDate),
		ToFile:   fmt.Sprintf("%s (%s)", updateName, newDate),
		Context:  3,
	})
	if err != nil {
		return envelope.Envelope{}, apperr.Wrap(apperr.KindInternal, err, "diffing %s: %s", updateName, err.Error())
	}

	return b.Success(map[string]any{
		"artifact":    updateName,
		"old_version": oldDate,
		"new_version": newDate,
		"diff":        diff,
	}), nil
}

// changesLastTouched lists the newest audit entries of one record within a
// window of days.
func (r *Runner) changesLastTouched(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Table string `json:"table"`
		SysID string `json:"sys_id"`
		Limit int    `json:"limit"`
		Days  int    `json:"days"`
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
	days, err := windowOrDefault(req.Days, defaultAuditDays, "days")
	if err != nil {
		return envelope.Envelope{}, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultLastTouchedLimit
	}

	query := fmt.Sprintf("tablename=%s^documentkey=%s^%s^ORDERBYDESCsys_created_on", table, sysID, daysAgo(days))
	eq, err := r.enforce(b, auditTable, query, limit)
	if err != nil {
		return envelope.Envelope{}, err
	}
	result, err := r.client.QueryRecords(ctx, eq.Table, servicenow.QueryOptions{
		Query:  eq.Query,
		Fields: auditFields,
		Limit:  eq.Limit,
	})
	if err != nil {
		return envelope.Envelope{}, err
	}

	changes := make([]map[string]any, 0, len(result.Records))
	for _, entry := range result.Records {
		field := entry.String("fieldname")
		oldValue, newValue := r.auditValues(field, entry.String("oldvalue"), entry.String("newvalue"))
		changes = append(changes, map[string]any{
			"user":      entry.String("user"),
			"field":     field,
			"old_value": oldValue,
			"new_value": newValue,
			"timestamp": entry.String("sys_created_on"),
		})
	}

	return b.Success(map[string]any{
		"table":   table,
		"sys_id":  sysID,
		"days":    days,
		"total":   len(changes),
		"changes": changes,
	}), nil
}

// changesReleaseNotes renders an update set as Markdown release notes.
func (r *Runner) changesReleaseNotes(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		UpdateSetID string `json:"update_set_id"`
		Format      string `json:"format"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	updateSetID, err := requireQueryValue(req.UpdateSetID, "update_set_id")
	if err != nil {
		return envelope.Envelope{}, err
	}
	if format := strings.TrimSpace(req.Format); format != "" && format != "markdown" {
		return envelope.Envelope{}, apperr.Validation("unsupported format '%s'; only markdown is available", format)
	}

	updateSet, members, err := r.updateSetMembers(ctx, b, updateSetID)
	if err != nil {
		return envelope.Envelope{}, err
	}
	name := updateSet.String("name")
	if name == "" {
		name = "Unnamed Update Set"
	}

	var notes strings.Builder
	fmt.Fprintf(&notes, "# Release Notes: %s\n\n", name)
	if description := updateSet.String("description"); description != "" {
		fmt.Fprintf(&notes, "**Description:** %s\n\n", description)
	}
	for _, line := range [][2]string{
		{"State", updateSet.String("state")},
		{"Author", updateSet.String("sys_created_by")},
		{"Last Updated", updateSet.String("sys_updated_on")},
	} {
		if line[1] != "" {
			fmt.Fprintf(&notes, "**%s:** %s\n", line[0], line[1])
		}
	}
	fmt.Fprintf(&notes, "**Total Changes:** %d\n\n", len(members))

	types, groups := groupMembers(members)
	if len(types) == 0 {
		notes.WriteString("_No changes in this update set._\n")
	} else {
		notes.WriteString("## Changes by Type\n\n")
		for _, kind := range types {
			fmt.Fprintf(&notes, "### %s (%d)\n", kind, len(groups[kind]))
			for _, member := range groups[kind] {
				target := member.String("target_name")
				if target == "" {
					target = member.String("sys_id")
				}
				fmt.Fprintf(&notes, "- %s (%s)\n", target, member.String("action"))
			}
			notes.WriteString("\n")
		}
	}

	return b.Success(map[string]any{
		"update_set_name": name,
		"format":          "markdown",
		"release_notes":   notes.String(),
	}), nil
}
