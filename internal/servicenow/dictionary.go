package servicenow

import (
	"context"
	"sort"
	"strings"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/metrics"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
)

// maxHierarchyDepth bounds the super_class walk.
const maxHierarchyDepth = 10

var dictionaryFields = []string{
	"name",
	"element",
	"column_label",
	"internal_type",
	"max_length",
	"mandatory",
	"read_only",
	"reference",
	"default_value",
	"active",
}

// Field is one sys_dictionary column definition.
type Field struct {
	Table        string `json:"table"`
	Element      string `json:"element"`
	Label        string `json:"column_label"`
	InternalType string `json:"internal_type"`
	MaxLength    string `json:"max_length"`
	Mandatory    bool   `json:"mandatory"`
	ReadOnly     bool   `json:"read_only"`
	Reference    string `json:"reference,omitempty"`
	DefaultValue string `json:"default_value,omitempty"`
}

// TableHierarchy returns table followed by its ancestors, nearest first.
func (c *Client) TableHierarchy(ctx context.Context, table string) ([]string, error) {
	chain := []string{strings.TrimSpace(table)}
	seen := map[string]struct{}{chain[0]: {}}
	current := chain[0]
	for depth := 0; depth < maxHierarchyDepth; depth++ {
		result, err := c.QueryRecords(ctx, "sys_db_object", QueryOptions{
			Query:  "name=" + current,
			Fields: []string{"name", "super_class.name"},
			Limit:  1,
		})
		if err != nil {
			return nil, err
		}
		if len(result.Records) == 0 {
			break
		}
		parent := strings.TrimSpace(result.Records[0].String("super_class.name"))
		if parent == "" {
			break
		}
		if _, dup := seen[parent]; dup {
			break
		}
		seen[parent] = struct{}{}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}

// TableFields returns the dictionary of table including inherited columns.
// Results are cached for the configured metadata TTL.
func (c *Client) TableFields(ctx context.Context, table string) ([]Field, error) {
	key := strings.ToLower(strings.TrimSpace(table))
	if cached, ok := c.fields.Get(key); ok {
		metrics.MetadataCacheTotal.WithLabelValues("hit").Inc()
		return cached, nil
	}
	metrics.MetadataCacheTotal.WithLabelValues("miss").Inc()

	chain, err := c.TableHierarchy(ctx, table)
	if err != nil {
		return nil, err
	}

	result, err := c.QueryRecords(ctx, "sys_dictionary", QueryOptions{
		Query:  "nameIN" + strings.Join(chain, ",") + "^elementISNOTEMPTY",
		Fields: dictionaryFields,
		Limit:  1000,
	})
	if err != nil {
		return nil, err
	}

	rank := make(map[string]int, len(chain))
	for i, name := range chain {
		rank[name] = i
	}

	// A child table may override an inherited column; the nearest definition
	// wins.
	byElement := make(map[string]Field, len(result.Records))
	for _, rec := range result.Records {
		field := fieldFromRecord(rec)
		if field.Element == "" {
			continue
		}
		existing, ok := byElement[field.Element]
		if ok && rank[existing.Table] <= rank[field.Table] {
			continue
		}
		byElement[field.Element] = field
	}

	fields := make([]Field, 0, len(byElement))
	for _, field := range byElement {
		fields = append(fields, field)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Element < fields[j].Element })

	c.fields.Add(key, fields)
	return fields, nil
}

// WritableFields lists columns of table that are not read-only.
func (c *Client) WritableFields(ctx context.Context, table string) ([]string, error) {
	fields, err := c.TableFields(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if !field.ReadOnly {
			out = append(out, field.Element)
		}
	}
	return out, nil
}

func fieldFromRecord(rec record.Record) Field {
	return Field{
		Table:        rec.String("name"),
		Element:      rec.String("element"),
		Label:        rec.String("column_label"),
		InternalType: rec.String("internal_type"),
		MaxLength:    rec.String("max_length"),
		Mandatory:    rec.String("mandatory") == "true",
		ReadOnly:     rec.String("read_only") == "true",
		Reference:    rec.String("reference"),
		DefaultValue: rec.String("default_value"),
	}
}
