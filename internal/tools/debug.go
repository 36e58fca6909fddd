package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/envelope"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/metrics"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/policy"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/servicenow"
)

const (
	syslogTable          = "syslog"
	journalTable         = "sys_journal_field"
	flowContextTable     = "sys_flow_context"
	flowLogTable         = "sys_flow_log"
	emailTable           = "sys_email"
	eccQueueTable        = "ecc_queue"
	restTransactionTable = "sys_rest_transaction"
	importSetTable       = "sys_import_set"
	importSetRowTable    = "sys_import_set_row"

	defaultTraceMinutes = 60
	defaultHealthHours  = 24
	defaultMutationDays = 90
	defaultMutationRows = 50
	journalPreviewRunes = 200
	emailPreviewRunes   = 300
)

var auditFields = []string{"sys_id", "user", "fieldname", "oldvalue", "newvalue", "sys_created_on"}

// auditValues masks both sides of an audited change to a sensitive field.
func (r *Runner) auditValues(field, oldValue, newValue string) (string, string) {
	if r.masker.IsSensitive(field) {
		metrics.MaskedFieldsTotal.Add(2)
		return policy.MaskValue, policy.MaskValue
	}
	return oldValue, newValue
}

// windowOrDefault resolves a look-back window argument. Zero means the
// default.
func windowOrDefault(value, def int, name string) (int, error) {
	if value < 0 {
		return 0, apperr.Validation("%s must be >= 0", name)
	}
	if value == 0 {
		return def, nil
	}
	return value, nil
}

func minutesAgo(n int) string {
	return fmt.Sprintf("sys_created_on>=javascript:gs.minutesAgoStart(%d)", n)
}

func hoursAgo(n int) string {
	return fmt.Sprintf("sys_created_on>=javascript:gs.hoursAgoStart(%d)", n)
}

func daysAgo(n int) string {
	return fmt.Sprintf("sys_created_on>=javascript:gs.daysAgoStart(%d)", n)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// queryAll runs one guarded query at the row ceiling and warns when the
// instance holds more matches than were returned.
func (r *Runner) queryAll(ctx context.Context, b *envelope.Builder, table, query string, fields []string) ([]record.Record, error) {
	eq, err := r.enforce(b, table, query, 0)
	if err != nil {
		return nil, err
	}
	result, err := r.client.QueryRecords(ctx, eq.Table, servicenow.QueryOptions{
		Query:  eq.Query,
		Fields: fields,
		Limit:  eq.Limit,
	})
	if err != nil {
		return nil, err
	}
	if result.Total > len(result.Records) {
		b.Warn(fmt.Sprintf("only the first %d of %d %s rows were read", len(result.Records), result.Total, table))
	}
	return r.maskRecords(result.Records), nil
}

type traceEvent struct {
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
	User      string `json:"user"`
	Detail    string `json:"detail"`
}

// debugTrace merges audit, syslog and journal activity of one record into a
// single timeline, oldest first.
func (r *Runner) debugTrace(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		RecordSysID string `json:"record_sys_id"`
		Table       string `json:"table"`
		Minutes     int    `json:"minutes"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	table := strings.TrimSpace(req.Table)
	if err := r.catalog.CheckTableAccess(table); err != nil {
		return envelope.Envelope{}, err
	}
	sysID, err := requireQueryValue(req.RecordSysID, "record_sys_id")
	if err != nil {
		return envelope.Envelope{}, err
	}
	minutes, err := windowOrDefault(req.Minutes, defaultTraceMinutes, "minutes")
	if err != nil {
		return envelope.Envelope{}, err
	}
	since := minutesAgo(minutes)

	timeline := []traceEvent{}

	audits, err := r.queryAll(ctx, b, auditTable,
		fmt.Sprintf("tablename=%s^documentkey=%s^%s^ORDERBYsys_created_on", table, sysID, since), auditFields)
	if err != nil {
		return envelope.Envelope{}, err
	}
	for _, entry := range audits {
		field := entry.String("fieldname")
		oldValue, newValue := r.auditValues(field, entry.String("oldvalue"), entry.String("newvalue"))
		timeline = append(timeline, traceEvent{
			Source:    auditTable,
			Timestamp: entry.String("sys_created_on"),
			User:      entry.String("user"),
			Detail:    fmt.Sprintf("field '%s' changed from '%s' to '%s'", field, oldValue, newValue),
		})
	}

	logs, err := r.queryAll(ctx, b, syslogTable,
		fmt.Sprintf("source=%s^documentkey=%s^%s^ORDERBYsys_created_on", table, sysID, since),
		[]string{"sys_id", "message", "source", "level", "sys_created_on"})
	if err != nil {
		return envelope.Envelope{}, err
	}
	for _, entry := range logs {
		timeline = append(timeline, traceEvent{
			Source:    syslogTable,
			Timestamp: entry.String("sys_created_on"),
			Detail:    entry.String("message"),
		})
	}

	journal, err := r.queryAll(ctx, b, journalTable,
		fmt.Sprintf("element_id=%s^%s^ORDERBYsys_created_on", sysID, since),
		[]string{"sys_id", "element", "value", "sys_created_on", "sys_created_by"})
	if err != nil {
		return envelope.Envelope{}, err
	}
	for _, entry := range journal {
		element := entry.String("element")
		value := entry.String("value")
		if r.masker.IsSensitive(element) {
			value = policy.MaskValue
		}
		timeline = append(timeline, traceEvent{
			Source:    journalTable,
			Timestamp: entry.String("sys_created_on"),
			User:      entry.String("sys_created_by"),
			Detail:    fmt.Sprintf("[%s] %s", element, truncateRunes(value, journalPreviewRunes)),
		})
	}

	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp < timeline[j].Timestamp
	})

	return b.Success(map[string]any{
		"record_sys_id": sysID,
		"table":         table,
		"minutes":       minutes,
		"event_count":   len(timeline),
		"timeline":      timeline,
	}), nil
}

// debugFieldMutationStory is the audit history of a single field, oldest
// first.
func (r *Runner) debugFieldMutationStory(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Table string `json:"table"`
		SysID string `json:"sys_id"`
		Field string `json:"field"`
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
	field, err := requireQueryValue(req.Field, "field")
	if err != nil {
		return envelope.Envelope{}, err
	}
	days, err := windowOrDefault(req.Days, defaultMutationDays, "days")
	if err != nil {
		return envelope.Envelope{}, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultMutationRows
	}

	query := fmt.Sprintf("tablename=%s^documentkey=%s^fieldname=%s^%s^ORDERBYsys_created_on", table, sysID, field, daysAgo(days))
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

	mutations := make([]map[string]any, 0, len(result.Records))
	for _, entry := range result.Records {
		oldValue, newValue := r.auditValues(field, entry.String("oldvalue"), entry.String("newvalue"))
		mutations = append(mutations, map[string]any{
			"user":      entry.String("user"),
			"old_value": oldValue,
			"new_value": newValue,
			"timestamp": entry.String("sys_created_on"),
		})
	}

	return b.Success(map[string]any{
		"table":          table,
		"sys_id":         sysID,
		"field":          field,
		"days":           days,
		"mutation_count": len(mutations),
		"mutations":      mutations,
	}), nil
}

func (r *Runner) debugFlowExecution(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		ContextID string `json:"context_id"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	contextID, err := requireQueryValue(req.ContextID, "context_id")
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := r.catalog.CheckTableAccess(flowContextTable); err != nil {
		return envelope.Envelope{}, err
	}

	flow, err := r.client.FetchRecord(ctx, flowContextTable, contextID, servicenow.RecordOptions{
		Fields: []string{"sys_id", "name", "state", "started", "ended"},
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if flow == nil {
		return envelope.Envelope{}, apperr.NotFound("flow context %s not found", contextID)
	}
	flow = r.maskRecord(flow)

	logs, err := r.queryAll(ctx, b, flowLogTable, "context="+contextID+"^ORDERBYsys_created_on",
		[]string{"sys_id", "step_label", "state", "sys_created_on", "output_data", "error_message"})
	if err != nil {
		return envelope.Envelope{}, err
	}
	steps := make([]map[string]any, 0, len(logs))
	for _, entry := range logs {
		steps = append(steps, map[string]any{
			"step_label":    entry.String("step_label"),
			"state":         entry.String("state"),
			"timestamp":     entry.String("sys_created_on"),
			"output_data":   entry.String("output_data"),
			"error_message": entry.String("error_message"),
		})
	}

	return b.Success(map[string]any{
		"context": map[string]any{
			"sys_id":  flow.String("sys_id"),
			"name":    flow.String("name"),
			"state":   flow.String("state"),
			"started": flow.String("started"),
			"ended":   flow.String("ended"),
		},
		"step_count": len(steps),
		"steps":      steps,
	}), nil
}

func (r *Runner) debugEmailTrace(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		RecordSysID string `json:"record_sys_id"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	sysID, err := requireQueryValue(req.RecordSysID, "record_sys_id")
	if err != nil {
		return envelope.Envelope{}, err
	}

	records, err := r.queryAll(ctx, b, emailTable, "instance="+sysID+"^ORDERBYsys_created_on",
		[]string{"sys_id", "type", "subject", "recipients", "sys_created_on", "body_text"})
	if err != nil {
		return envelope.Envelope{}, err
	}
	emails := make([]map[string]any, 0, len(records))
	for _, entry := range records {
		emails = append(emails, map[string]any{
			"sys_id":       entry.String("sys_id"),
			"type":         entry.String("type"),
			"subject":      entry.String("subject"),
			"recipients":   entry.String("recipients"),
			"timestamp":    entry.String("sys_created_on"),
			"body_preview": truncateRunes(entry.String("body_text"), emailPreviewRunes),
		})
	}

	return b.Success(map[string]any{
		"record_sys_id": sysID,
		"email_count":   len(emails),
		"emails":        emails,
	}), nil
}

// debugIntegrationHealth lists recent integration failures from the ECC
// queue or outbound REST transactions.
func (r *Runner) debugIntegrationHealth(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		Kind  string `json:"kind"`
		Hours int    `json:"hours"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	hours, err := windowOrDefault(req.Hours, defaultHealthHours, "hours")
	if err != nil {
		return envelope.Envelope{}, err
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		kind = eccQueueTable
	}

	var failures []map[string]any
	switch kind {
	case eccQueueTable:
		records, err := r.queryAll(ctx, b, eccQueueTable, "state=error^"+hoursAgo(hours)+"^ORDERBYDESCsys_created_on",
			[]string{"sys_id", "name", "queue", "state", "error_string", "sys_created_on"})
		if err != nil {
			return envelope.Envelope{}, err
		}
		for _, entry := range records {
			failures = append(failures, map[string]any{
				"sys_id":    entry.String("sys_id"),
				"name":      entry.String("name"),
				"queue":     entry.String("queue"),
				"error":     entry.String("error_string"),
				"timestamp": entry.String("sys_created_on"),
			})
		}
	case "rest_message":
		records, err := r.queryAll(ctx, b, restTransactionTable, "http_status>=400^"+hoursAgo(hours)+"^ORDERBYDESCsys_created_on",
			[]string{"sys_id", "rest_message", "http_method", "http_status", "endpoint", "sys_created_on"})
		if err != nil {
			return envelope.Envelope{}, err
		}
		for _, entry := range records {
			failures = append(failures, map[string]any{
				"sys_id":       entry.String("sys_id"),
				"rest_message": entry.String("rest_message"),
				"http_method":  entry.String("http_method"),
				"http_status":  entry.String("http_status"),
				"endpoint":     entry.String("endpoint"),
				"timestamp":    entry.String("sys_created_on"),
			})
		}
	default:
		return envelope.Envelope{}, apperr.Validation("unknown kind '%s'; use 'ecc_queue' or 'rest_message'", kind)
	}
	if failures == nil {
		failures = []map[string]any{}
	}

	return b.Success(map[string]any{
		"kind":        kind,
		"hours":       hours,
		"error_count": len(failures),
		"errors":      failures,
	}), nil
}

// debugImportsetRun summarizes an import set run by row state.
func (r *Runner) debugImportsetRun(ctx context.Context, b *envelope.Builder, args map[string]any) (envelope.Envelope, error) {
	var req struct {
		ImportSetSysID string `json:"import_set_sys_id"`
	}
	if err := decodeArgsStrict(args, &req); err != nil {
		return envelope.Envelope{}, err
	}
	importSetID, err := requireQueryValue(req.ImportSetSysID, "import_set_sys_id")
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := r.catalog.CheckTableAccess(importSetTable); err != nil {
		return envelope.Envelope{}, err
	}

	importSet, err := r.client.FetchRecord(ctx, importSetTable, importSetID, servicenow.RecordOptions{
		Fields: []string{"sys_id", "table_name", "state"},
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if importSet == nil {
		return envelope.Envelope{}, apperr.NotFound("import set %s not found", importSetID)
	}

	rows, err := r.queryAll(ctx, b, importSetRowTable, "sys_import_set="+importSetID+"^ORDERBYsys_created_on",
		[]string{"sys_id", "sys_import_state", "sys_target_sys_id", "sys_import_state_comment"})
	if err != nil {
		return envelope.Envelope{}, err
	}

	summary := map[string]int{"total": len(rows)}
	rowErrors := []map[string]any{}
	for _, row := range rows {
		state := row.String("sys_import_state")
		if state == "" {
			state = "unknown"
		}
		summary[state]++
		if state == "error" {
			rowErrors = append(rowErrors, map[string]any{
				"sys_id":  row.String("sys_id"),
				"comment": row.String("sys_import_state_comment"),
			})
		}
	}

	return b.Success(map[string]any{
		"import_set": map[string]any{
			"sys_id":     importSet.String("sys_id"),
			"table_name": importSet.String("table_name"),
			"state":      importSet.String("state"),
		},
		"summary": summary,
		"errors":  rowErrors,
	}), nil
}
