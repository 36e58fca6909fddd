package policy

import (
	"regexp"
	"sort"
	"strings"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
)

// DefaultDeniedTables are never reachable through any tool. Configuration can
// only add to this list.
var DefaultDeniedTables = []string{
	"sys_user_has_password",
	"oauth_credential",
	"oauth_entity",
	"sys_certificate",
	"sys_ssh_key",
	"sys_credentials",
	"discovery_credentials",
	"sys_user_token",
	"sys_user_has_role",
	"sys_user_grmember",
	"sys_group_has_role",
}

// DefaultLargeTables is used when LARGE_TABLE_NAMES_CSV is unset.
var DefaultLargeTables = []string{
	"syslog",
	"sys_audit",
	"sys_log_transaction",
	"sys_email_log",
}

// tableNamePattern is matched against the lower-cased name. Anything else
// could smuggle encoded query syntax past the deny list.
var tableNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// TableClassification is the policy view of one table.
type TableClassification struct {
	Name  string `json:"name"`
	Deny  bool   `json:"deny"`
	Large bool   `json:"large"`
}

// Catalog classifies tables. It is built once at startup and read-only
// afterwards, so it is safe for concurrent use.
type Catalog struct {
	denied map[string]struct{}
	large  map[string]struct{}
}

// NewCatalog builds a catalog from the default deny list plus extraDenied,
// and the given large tables.
func NewCatalog(extraDenied, largeTables []string) *Catalog {
	c := &Catalog{
		denied: make(map[string]struct{}, len(DefaultDeniedTables)+len(extraDenied)),
		large:  make(map[string]struct{}, len(largeTables)),
	}
	for _, name := range DefaultDeniedTables {
		c.denied[normalizeTable(name)] = struct{}{}
	}
	for _, name := range extraDenied {
		if key := normalizeTable(name); key != "" {
			c.denied[key] = struct{}{}
		}
	}
	for _, name := range largeTables {
		if key := normalizeTable(name); key != "" {
			c.large[key] = struct{}{}
		}
	}
	return c
}

func normalizeTable(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Classify returns the classification of table. Unknown tables are neither
// denied nor large.
func (c *Catalog) Classify(table string) TableClassification {
	key := normalizeTable(table)
	_, denied := c.denied[key]
	_, large := c.large[key]
	return TableClassification{Name: key, Deny: denied, Large: large}
}

// IsLarge reports whether table requires a date-bounded query.
func (c *Catalog) IsLarge(table string) bool {
	return c.Classify(table).Large
}

// CheckTableAccess fails with a ValidationError when table is not a plain
// table name and with a PolicyError when it is on the deny list. There is
// no override.
func (c *Catalog) CheckTableAccess(table string) error {
	name := strings.TrimSpace(table)
	if name == "" {
		return apperr.Validation("table name is required")
	}
	if !tableNamePattern.MatchString(strings.ToLower(name)) {
		return apperr.Validation("invalid table name '%s': only letters, digits and underscores are allowed", name)
	}
	if c.Classify(name).Deny {
		return apperr.Policy("access to table '%s' is denied by policy", name)
	}
	return nil
}

// DeniedTables returns the effective deny list, sorted.
func (c *Catalog) DeniedTables() []string {
	return sortedKeys(c.denied)
}

// LargeTables returns the configured large tables, sorted.
func (c *Catalog) LargeTables() []string {
	return sortedKeys(c.large)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
