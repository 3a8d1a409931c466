package cache

import "strings"

// Key generators. Keys are lowercased: SQL Server identifiers are
// case-insensitive under the default collations, so Sales and sales
// are the same lookup.

func TablesKey(database string) string {
	return build(PrefixTables, database)
}

func ProceduresKey(database string) string {
	return build(PrefixProcedures, database)
}

func SchemaKey(database, schema, table string) string {
	return build(PrefixSchema, database, schema+"."+table)
}

func ColumnsKey(database, pattern string) string {
	return build(PrefixColumns, database, pattern)
}

func DependenciesKey(database, schema, object string) string {
	return build(PrefixDependencies, database, schema+"."+object)
}

func build(prefix string, parts ...string) string {
	return strings.ToLower(prefix + ":" + strings.Join(parts, ":"))
}
