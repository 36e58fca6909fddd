package config

import "sort"

// Tool groups.
const (
	GroupIntrospection = "introspection"
	GroupRelationships = "relationships"
	GroupMetadata      = "metadata"
	GroupChanges       = "changes"
	GroupDebug         = "debug"
	GroupDeveloper     = "developer"
)

// ToolPackages maps MCP_TOOL_PACKAGE values to the tool groups they enable.
var ToolPackages = map[string][]string{
	"dev_debug":          {GroupIntrospection, GroupRelationships, GroupMetadata, GroupChanges, GroupDebug, GroupDeveloper},
	"introspection_only": {GroupIntrospection, GroupRelationships, GroupMetadata},
	"full":               {GroupIntrospection, GroupRelationships, GroupMetadata, GroupChanges, GroupDebug, GroupDeveloper},
	"none":               {},
}

// PackageNames returns the known package names, sorted.
func PackageNames() []string {
	names := make([]string, 0, len(ToolPackages))
	for name := range ToolPackages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PackageGroups returns the groups enabled by package name.
func PackageGroups(name string) ([]string, bool) {
	groups, ok := ToolPackages[name]
	if !ok {
		return nil, false
	}
	out := make([]string, len(groups))
	copy(out, groups)
	return out, true
}
