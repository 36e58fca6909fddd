package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/record"
)

// MaskValue replaces the value of every sensitive field.
const MaskValue = "***MASKED***"

// DefaultMaskPatterns match field names that must never leave the process
// in clear text.
var DefaultMaskPatterns = []string{
	"password",
	"token",
	"secret",
	"credential",
	"api_key",
	"private_key",
}

// Masker redacts sensitive fields by name. Values are never inspected.
type Masker struct {
	patterns []*regexp.Regexp
}

// NewMasker compiles the default patterns plus extra. Each pattern is a
// case-insensitive regular expression matched anywhere in the field name.
func NewMasker(extra []string) (*Masker, error) {
	m := &Masker{}
	for _, raw := range append(append([]string{}, DefaultMaskPatterns...), extra...) {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid mask pattern %q: %w", pattern, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// IsSensitive reports whether field matches any mask pattern.
func (m *Masker) IsSensitive(field string) bool {
	for _, re := range m.patterns {
		if re.MatchString(field) {
			return true
		}
	}
	return false
}

// MaskRecord returns a masked deep copy of rec. Keys are never removed and
// rec itself is left untouched.
func (m *Masker) MaskRecord(rec record.Record) record.Record {
	masked, _ := m.mask(rec)
	return masked
}

// MaskRecords masks every record and returns how many field values were
// redacted in total.
func (m *Masker) MaskRecords(recs []record.Record) ([]record.Record, int) {
	out := make([]record.Record, 0, len(recs))
	total := 0
	for _, rec := range recs {
		masked, n := m.mask(rec)
		out = append(out, masked)
		total += n
	}
	return out, total
}

// MaskDiff redacts both sides of every change whose field is sensitive.
func (m *Masker) MaskDiff(diff map[string]record.FieldChange) map[string]record.FieldChange {
	out := make(map[string]record.FieldChange, len(diff))
	for field, change := range diff {
		if m.IsSensitive(field) {
			change = record.FieldChange{Old: MaskValue, New: MaskValue}
		}
		out[field] = change
	}
	return out
}

// xmlElement matches a leaf element with text or CDATA content. Open and
// close tag names are compared by MaskXML.
var xmlElement = regexp.MustCompile(`<([A-Za-z_][\w.:-]*)(\s[^>]*)?>(<!\[CDATA\[[\s\S]*?\]\]>|[^<]*)</([A-Za-z_][\w.:-]*)>`)

// MaskXML redacts the content of every leaf element of an XML payload whose
// tag is a sensitive field name. Update payloads carry field values this
// way.
func (m *Masker) MaskXML(payload string) string {
	return xmlElement.ReplaceAllStringFunc(payload, func(element string) string {
		parts := xmlElement.FindStringSubmatch(element)
		if parts[1] != parts[4] || parts[3] == "" || !m.IsSensitive(parts[1]) {
			return element
		}
		return "<" + parts[1] + parts[2] + ">" + MaskValue + "</" + parts[4] + ">"
	})
}

func (m *Masker) mask(rec record.Record) (record.Record, int) {
	if rec == nil {
		return nil, 0
	}
	out := rec.Clone()
	count := m.maskInPlace(out)
	return out, count
}

func (m *Masker) maskInPlace(rec record.Record) int {
	count := 0
	for field, value := range rec {
		if m.IsSensitive(field) {
			rec[field] = MaskValue
			count++
			continue
		}
		if nested, ok := value.(record.Record); ok {
			count += m.maskInPlace(nested)
		}
	}
	return count
}
