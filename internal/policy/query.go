package policy

import (
	"fmt"
	"strings"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
)

// knownDateFields are date/time columns whose names do not follow the
// suffix convention.
var knownDateFields = map[string]struct{}{
	"sys_created_on":  {},
	"sys_updated_on":  {},
	"opened_at":       {},
	"closed_at":       {},
	"resolved_at":     {},
	"sys_recorded_at": {},
	"due_date":        {},
	"start_date":      {},
	"end_date":        {},
	"work_start":      {},
	"work_end":        {},
}

var dateFieldSuffixes = []string{"_on", "_at", "_date", "_time"}

// Word operators that bound a date range, matched after the symbolic ones.
// NOTON and DATEPART select unbounded sets of days and are not accepted.
var dateWordOperators = []string{
	"RELATIVEGT", "RELATIVEGE", "RELATIVELT", "RELATIVELE",
	"BETWEEN", "ON",
}

// Encoded query keywords that are not conditions.
var queryKeywords = []string{"ORDERBYDESC", "ORDERBY", "GROUPBY", "EQ"}

// EffectiveQuery is a query that passed every safety check.
type EffectiveQuery struct {
	Table     string
	Query     string
	Limit     int
	Requested int
	Warnings  []string
}

// Clamped reports whether the requested limit was reduced.
func (q EffectiveQuery) Clamped() bool {
	return q.Requested > q.Limit
}

// QueryGuard enforces deny, large-table and row-limit rules before any
// remote call.
type QueryGuard struct {
	catalog     *Catalog
	maxRowLimit int
}

// NewQueryGuard creates a guard. maxRowLimit must be positive.
func NewQueryGuard(catalog *Catalog, maxRowLimit int) (*QueryGuard, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if maxRowLimit <= 0 {
		return nil, fmt.Errorf("max row limit must be positive, got %d", maxRowLimit)
	}
	return &QueryGuard{catalog: catalog, maxRowLimit: maxRowLimit}, nil
}

// MaxRowLimit returns the configured ceiling.
func (g *QueryGuard) MaxRowLimit() int {
	return g.maxRowLimit
}

// Catalog returns the catalog the guard classifies tables with.
func (g *QueryGuard) Catalog() *Catalog {
	return g.catalog
}

// Enforce runs the deny check, then the large-table date-bound check, then
// the limit clamp. The query is never rewritten.
func (g *QueryGuard) Enforce(table, query string, requestedLimit int) (EffectiveQuery, error) {
	if err := g.catalog.CheckTableAccess(table); err != nil {
		return EffectiveQuery{}, err
	}

	query = strings.TrimSpace(query)
	if g.catalog.IsLarge(table) && !HasDateBound(query) {
		return EffectiveQuery{}, apperr.QuerySafety(
			"table '%s' is large and requires a date-bounded filter in every query segment (e.g., sys_created_on>=YYYY-MM-DD); add a date field constraint to your query",
			strings.TrimSpace(table),
		)
	}

	limit, warning := g.Clamp(requestedLimit)
	out := EffectiveQuery{
		Table:     strings.TrimSpace(table),
		Query:     query,
		Limit:     limit,
		Requested: requestedLimit,
	}
	if warning != "" {
		out.Warnings = append(out.Warnings, warning)
	}
	return out, nil
}

// Clamp resolves a requested row count against the ceiling. A requested
// value of zero or less means unspecified and resolves to the ceiling
// without a warning.
func (g *QueryGuard) Clamp(requested int) (int, string) {
	if requested <= 0 {
		return g.maxRowLimit, ""
	}
	if requested > g.maxRowLimit {
		return g.maxRowLimit, fmt.Sprintf("row limit clamped from %d to %d", requested, g.maxRowLimit)
	}
	return requested, ""
}

// HasDateBound reports whether every ^NQ segment of an encoded query holds
// at least one AND-term made only of date-bound conditions. Conditions
// joined with ^OR belong to the preceding term.
func HasDateBound(query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return false
	}
	for _, segment := range strings.Split(query, "^NQ") {
		if !segmentHasDateBound(segment) {
			return false
		}
	}
	return true
}

func segmentHasDateBound(segment string) bool {
	var terms [][]string
	for _, part := range strings.Split(segment, "^") {
		part = strings.TrimSpace(part)
		if part == "" || isQueryKeyword(part) {
			continue
		}
		if strings.HasPrefix(part, "OR") {
			part = strings.TrimPrefix(part, "OR")
			if len(terms) > 0 {
				terms[len(terms)-1] = append(terms[len(terms)-1], part)
				continue
			}
		}
		terms = append(terms, []string{part})
	}

	for _, term := range terms {
		bound := true
		for _, condition := range term {
			if !isDateBoundCondition(condition) {
				bound = false
				break
			}
		}
		if bound {
			return true
		}
	}
	return false
}

func isQueryKeyword(part string) bool {
	for _, keyword := range queryKeywords {
		if part == keyword || (keyword != "EQ" && strings.HasPrefix(part, keyword)) {
			return true
		}
	}
	return false
}

// isDateBoundCondition parses field and operator from one condition.
// ServiceNow column names are lower case while operators are upper case or
// symbols, which is what separates them.
func isDateBoundCondition(condition string) bool {
	end := 0
	for end < len(condition) && isFieldByte(condition[end]) {
		end++
	}
	if end == 0 {
		return false
	}
	field := condition[:end]
	if !IsDateField(field) {
		return false
	}

	op := condition[end:]
	if strings.HasPrefix(op, ">") || strings.HasPrefix(op, "<") {
		return true
	}
	for _, word := range dateWordOperators {
		if strings.HasPrefix(op, word) {
			return true
		}
	}
	return false
}

func isFieldByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '_' || b == '.'
}

// IsDateField reports whether field names a date/time column. Dot-walked
// references are judged by their last element.
func IsDateField(field string) bool {
	name := strings.ToLower(strings.TrimSpace(field))
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" {
		return false
	}
	if _, ok := knownDateFields[name]; ok {
		return true
	}
	for _, suffix := range dateFieldSuffixes {
		if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
			return true
		}
	}
	return false
}

// QueryFields returns the field named by each condition and ORDERBY or
// GROUPBY keyword of an encoded query, in order. Dot-walked names are kept
// whole.
func QueryFields(query string) []string {
	var fields []string
	for _, segment := range strings.Split(strings.TrimSpace(query), "^NQ") {
		for _, part := range strings.Split(segment, "^") {
			part = strings.TrimSpace(part)
			if part == "" || part == "EQ" {
				continue
			}
			if field := conditionField(part); field != "" {
				fields = append(fields, field)
			}
		}
	}
	return fields
}

// OrderFields parses a sysparm_orderby value: a comma-separated list where
// each entry may carry a leading "-" or an ORDERBY/ORDERBYDESC keyword.
func OrderFields(orderBy string) []string {
	var fields []string
	for _, part := range strings.Split(orderBy, ",") {
		part = strings.TrimPrefix(strings.TrimSpace(part), "-")
		if field := conditionField(part); field != "" {
			fields = append(fields, field)
		}
	}
	return fields
}

func conditionField(part string) string {
	for _, keyword := range []string{"ORDERBYDESC", "ORDERBY", "GROUPBY"} {
		if strings.HasPrefix(part, keyword) {
			return leadingField(strings.TrimPrefix(part, keyword))
		}
	}
	return leadingField(strings.TrimPrefix(part, "OR"))
}

func leadingField(s string) string {
	end := 0
	for end < len(s) && isFieldByte(s[end]) {
		end++
	}
	return s[:end]
}
