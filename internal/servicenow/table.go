package servicenow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
)

// RecordOptions controls single-record reads.
type RecordOptions struct {
	Fields       []string
	DisplayValue bool
}

// QueryOptions controls list reads.
type QueryOptions struct {
	Query        string
	Fields       []string
	Limit        int
	Offset       int
	OrderBy      string
	DisplayValue bool
}

// QueryResult is one page of records plus the total match count reported by
// the instance.
type QueryResult struct {
	Records []record.Record
	Total   int
}

// AggregateOptions maps to the Stats API parameters.
type AggregateOptions struct {
	Query        string
	GroupBy      []string
	AvgFields    []string
	MinFields    []string
	MaxFields    []string
	SumFields    []string
	Having       string
	OrderBy      string
	DisplayValue bool
}

func tablePath(table string, sysID ...string) string {
	path := "/api/now/table/" + url.PathEscape(strings.TrimSpace(table))
	if len(sysID) > 0 && strings.TrimSpace(sysID[0]) != "" {
		path += "/" + url.PathEscape(strings.TrimSpace(sysID[0]))
	}
	return path
}

// GetRecord fetches one record with all fields.
func (c *Client) GetRecord(ctx context.Context, table, sysID string) (record.Record, error) {
	return c.FetchRecord(ctx, table, sysID, RecordOptions{})
}

// FetchRecord fetches one record.
func (c *Client) FetchRecord(ctx context.Context, table, sysID string, opts RecordOptions) (record.Record, error) {
	if strings.TrimSpace(sysID) == "" {
		return nil, apperr.Validation("sys_id is required")
	}
	params := url.Values{}
	if fields := joinFields(opts.Fields); fields != "" {
		params.Set("sysparm_fields", fields)
	}
	if opts.DisplayValue {
		params.Set("sysparm_display_value", "true")
	}

	resp, err := c.do(ctx, http.MethodGet, tablePath(table, sysID), params, nil)
	if err != nil {
		return nil, err
	}
	var out record.Record
	if err := decodeResult(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// QueryRecords runs an encoded query and returns one page.
func (c *Client) QueryRecords(ctx context.Context, table string, opts QueryOptions) (QueryResult, error) {
	params := url.Values{}
	params.Set("sysparm_query", opts.Query)
	if opts.Limit > 0 {
		params.Set("sysparm_limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("sysparm_offset", strconv.Itoa(opts.Offset))
	}
	if fields := joinFields(opts.Fields); fields != "" {
		params.Set("sysparm_fields", fields)
	}
	if order := strings.TrimSpace(opts.OrderBy); order != "" {
		params.Set("sysparm_orderby", order)
	}
	if opts.DisplayValue {
		params.Set("sysparm_display_value", "true")
	}

	resp, err := c.do(ctx, http.MethodGet, tablePath(table), params, nil)
	if err != nil {
		return QueryResult{}, err
	}
	var records []record.Record
	if err := decodeResult(resp, &records); err != nil {
		return QueryResult{}, err
	}

	total := len(records)
	if raw := strings.TrimSpace(resp.header.Get("X-Total-Count")); raw != "" {
		if parsed, convErr := strconv.Atoi(raw); convErr == nil {
			total = parsed
		}
	}
	return QueryResult{Records: records, Total: total}, nil
}

// Aggregate runs a Stats API query. The result is returned as decoded JSON
// because its shape depends on grouping.
func (c *Client) Aggregate(ctx context.Context, table string, opts AggregateOptions) (any, error) {
	params := url.Values{}
	params.Set("sysparm_query", opts.Query)
	params.Set("sysparm_count", "true")
	setList := func(key string, values []string) {
		if joined := joinFields(values); joined != "" {
			params.Set(key, joined)
		}
	}
	setList("sysparm_group_by", opts.GroupBy)
	setList("sysparm_avg_fields", opts.AvgFields)
	setList("sysparm_min_fields", opts.MinFields)
	setList("sysparm_max_fields", opts.MaxFields)
	setList("sysparm_sum_fields", opts.SumFields)
	if having := strings.TrimSpace(opts.Having); having != "" {
		params.Set("sysparm_having", having)
	}
	if order := strings.TrimSpace(opts.OrderBy); order != "" {
		params.Set("sysparm_orderby", order)
	}
	if opts.DisplayValue {
		params.Set("sysparm_display_value", "true")
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/now/stats/"+url.PathEscape(strings.TrimSpace(table)), params, nil)
	if err != nil {
		return nil, err
	}
	var out any
	if err := decodeResult(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRecord inserts fields into table and returns the new sys_id.
func (c *Client) CreateRecord(ctx context.Context, table string, fields record.Record) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, tablePath(table), nil, fields)
	if err != nil {
		return "", err
	}
	var created record.Record
	if err := decodeResult(resp, &created); err != nil {
		return "", err
	}
	sysID := created.String("sys_id")
	if sysID == "" {
		return "", apperr.Server("ServiceNow created a record in %s without returning a sys_id", table)
	}
	return sysID, nil
}

// UpdateRecord patches a record and returns its new state.
func (c *Client) UpdateRecord(ctx context.Context, table, sysID string, changes record.Record) (record.Record, error) {
	if strings.TrimSpace(sysID) == "" {
		return nil, apperr.Validation("sys_id is required")
	}
	resp, err := c.do(ctx, http.MethodPatch, tablePath(table, sysID), nil, changes)
	if err != nil {
		return nil, err
	}
	var updated record.Record
	if err := decodeResult(resp, &updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRecord removes a record.
func (c *Client) DeleteRecord(ctx context.Context, table, sysID string) error {
	if strings.TrimSpace(sysID) == "" {
		return apperr.Validation("sys_id is required")
	}
	if _, err := c.do(ctx, http.MethodDelete, tablePath(table, sysID), nil, nil); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", table, sysID, err)
	}
	return nil
}

func joinFields(fields []string) string {
	cleaned := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return strings.Join(cleaned, ",")
}
