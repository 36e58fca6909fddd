// Package record defines the field map exchanged with ServiceNow tables.
package record

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Record is one table row keyed by field name. Values are restricted to
// string, number, boolean, null, and nested Record (or map[string]any).
type Record map[string]any

// Validate checks that every key is non-empty and every value belongs to the
// closed set of supported kinds.
func (r Record) Validate() error {
	return validateMap(r, "")
}

func validateMap(m map[string]any, prefix string) error {
	for key, value := range m {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("field name must not be empty%s", pathSuffix(prefix))
		}
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if err := validateValue(value, path); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(value any, path string) error {
	switch typed := value.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return nil
	case float32:
		return validateFloat(float64(typed), path)
	case float64:
		return validateFloat(typed, path)
	case Record:
		return validateMap(typed, path)
	case map[string]any:
		return validateMap(typed, path)
	default:
		return fmt.Errorf("field %s has unsupported value type %T", path, value)
	}
}

func validateFloat(v float64, path string) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("field %s must be a finite number", path)
	}
	return nil
}

func pathSuffix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return " (under " + prefix + ")"
}

// Clone returns a deep copy of r. Nested maps are copied; scalar values are
// shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for key, value := range r {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case Record:
		return typed.Clone()
	case map[string]any:
		return Record(typed).Clone()
	default:
		return value
	}
}

// Merge returns a copy of r with every field in overlay applied on top.
func (r Record) Merge(overlay Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for key, value := range overlay {
		out[key] = cloneValue(value)
	}
	return out
}

// String returns the field value rendered as ServiceNow would display it in
// a raw (non display-value) response.
func (r Record) String(field string) string {
	value, ok := r[field]
	if !ok || value == nil {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return typed
	case map[string]any:
		// Reference fields come back as {"link": ..., "value": sys_id}.
		if inner, ok := typed["value"].(string); ok {
			return inner
		}
	case Record:
		if inner, ok := typed["value"].(string); ok {
			return inner
		}
	}
	return fmt.Sprint(value)
}

// Fields returns the record's keys in sorted order.
func (r Record) Fields() []string {
	keys := make([]string, 0, len(r))
	for key := range r {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// FieldChange is one entry of a before/after diff.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff describes the effect of applying changes to before, one entry per
// changed field.
func Diff(before Record, changes Record) map[string]FieldChange {
	out := make(map[string]FieldChange, len(changes))
	for field, next := range changes {
		var prev any = ""
		if value, ok := before[field]; ok {
			prev = value
		}
		out[field] = FieldChange{Old: prev, New: next}
	}
	return out
}

// FromJSON decodes a JSON object into a Record and validates it.
func FromJSON(raw []byte) (Record, error) {
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("record must be a JSON object")
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
