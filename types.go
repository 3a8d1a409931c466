package mssqlmcp

import (
	"github.com/rickchristie/mssql-mcp/internal/cache"
	"github.com/rickchristie/mssql-mcp/internal/connpool"
	"github.com/rickchristie/mssql-mcp/internal/validator"
)

// QueryInput is the input for the Query tool. Setting Offset or Limit
// switches the row cap to OFFSET/FETCH pagination.
type QueryInput struct {
	SQL    string `json:"sql"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (in QueryInput) paginated() bool {
	return in.Offset != 0 || in.Limit != 0
}

// QueryOutput is the output of the Query tool. All errors (SQL Server errors,
// validation rejections, hook rejections, Go errors) are placed in Error with
// their category in ErrorKind. Matching error prompt messages are appended
// to Error.
type QueryOutput struct {
	Columns     []string         `json:"columns"`
	Rows        []map[string]any `json:"rows"`
	RowCount    int              `json:"row_count"`
	Warnings    []string         `json:"warnings,omitempty"`
	ExecutedSQL string           `json:"executed_sql,omitempty"`
	Error       string           `json:"error,omitempty"`
	ErrorKind   ErrorKind        `json:"error_kind,omitempty"`
}

// ValidateQueryInput is the input for the ValidateQuery tool.
type ValidateQueryInput struct {
	SQL    string `json:"sql"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ValidateQueryOutput reports what Query would do with the SQL without running it.
type ValidateQueryOutput struct {
	IsReadOnly       bool               `json:"is_read_only"`
	BlockedOperation validator.Operation `json:"blocked_operation,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	Warnings         []string           `json:"warnings,omitempty"`
	RewrittenSQL     string             `json:"rewritten_sql,omitempty"`
	Error            string             `json:"error,omitempty"`
	ErrorKind        ErrorKind          `json:"error_kind,omitempty"`
}

// ListTablesInput is the input for the ListTables tool.
type ListTablesInput struct {
	Schema string `json:"schema,omitempty"`
}

// TableEntry represents a single table or view.
type TableEntry struct {
	Schema   string `json:"schema"`
	Name     string `json:"name"`
	Type     string `json:"type"` // "table" or "view"
	RowCount int64  `json:"row_count"`
}

// ListTablesOutput is the output of the ListTables tool.
type ListTablesOutput struct {
	Database  string       `json:"database"`
	Tables    []TableEntry `json:"tables"`
	Error     string       `json:"error,omitempty"`
	ErrorKind ErrorKind    `json:"error_kind,omitempty"`
}

// ListProceduresInput is the input for the ListProcedures tool.
type ListProceduresInput struct {
	Schema string `json:"schema,omitempty"`
}

// ProcedureEntry represents a stored procedure or user-defined function.
type ProcedureEntry struct {
	Schema   string `json:"schema"`
	Name     string `json:"name"`
	Type     string `json:"type"` // procedure, scalar_function, inline_table_function, table_function
	Created  string `json:"created"`
	Modified string `json:"modified"`
}

// ListProceduresOutput is the output of the ListProcedures tool.
type ListProceduresOutput struct {
	Database   string           `json:"database"`
	Procedures []ProcedureEntry `json:"procedures"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  ErrorKind        `json:"error_kind,omitempty"`
}

// DescribeTableInput is the input for the DescribeTable tool.
type DescribeTableInput struct {
	Table  string `json:"table"`
	Schema string `json:"schema"`
}

// ColumnInfo describes a single column.
type ColumnInfo struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Nullable     bool   `json:"nullable"`
	Default      string `json:"default,omitempty"`
	IsIdentity   bool   `json:"is_identity,omitempty"`
	IsComputed   bool   `json:"is_computed,omitempty"`
	IsPrimaryKey bool   `json:"is_primary_key"`
}

// IndexInfo describes a single index.
type IndexInfo struct {
	Name      string `json:"name"`
	Type      string `json:"type"` // CLUSTERED, NONCLUSTERED, ...
	Columns   string `json:"columns"`
	IsUnique  bool   `json:"is_unique"`
	IsPrimary bool   `json:"is_primary"`
}

// ForeignKeyInfo describes a single foreign key.
type ForeignKeyInfo struct {
	Name              string `json:"name"`
	Columns           string `json:"columns"`
	ReferencedTable   string `json:"referenced_table"`
	ReferencedColumns string `json:"referenced_columns"`
	OnUpdate          string `json:"on_update"`
	OnDelete          string `json:"on_delete"`
}

// DescribeTableOutput is the output of the DescribeTable tool.
type DescribeTableOutput struct {
	Schema      string           `json:"schema"`
	Name        string           `json:"name"`
	Type        string           `json:"type"`                 // "table" or "view"
	Definition  string           `json:"definition,omitempty"` // view definition
	Columns     []ColumnInfo     `json:"columns"`
	Indexes     []IndexInfo      `json:"indexes"`
	ForeignKeys []ForeignKeyInfo `json:"foreign_keys"`
	Error       string           `json:"error,omitempty"`
	ErrorKind   ErrorKind        `json:"error_kind,omitempty"`
}

// SearchColumnsInput is the input for the SearchColumns tool. Pattern is a
// LIKE pattern; without wildcards it matches anywhere in the column name.
type SearchColumnsInput struct {
	Pattern string `json:"pattern"`
}

// ColumnMatch is one column found by SearchColumns.
type ColumnMatch struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Column string `json:"column"`
	Type   string `json:"type"`
}

// SearchColumnsOutput is the output of the SearchColumns tool.
type SearchColumnsOutput struct {
	Pattern   string        `json:"pattern"`
	Columns   []ColumnMatch `json:"columns"`
	Truncated bool          `json:"truncated,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
}

// GetDependenciesInput is the input for the GetDependencies tool.
type GetDependenciesInput struct {
	Object string `json:"object"`
	Schema string `json:"schema"`
}

// DependencyEntry is one edge of the object's dependency graph.
type DependencyEntry struct {
	Direction string `json:"direction"` // "references" or "referenced_by"
	Schema    string `json:"schema"`
	Name      string `json:"name"`
	Type      string `json:"type"`
}

// GetDependenciesOutput is the output of the GetDependencies tool.
type GetDependenciesOutput struct {
	Schema       string            `json:"schema"`
	Object       string            `json:"object"`
	Dependencies []DependencyEntry `json:"dependencies"`
	Error        string            `json:"error,omitempty"`
	ErrorKind    ErrorKind         `json:"error_kind,omitempty"`
}

// CacheStatsInput is the input for the CacheStats tool.
type CacheStatsInput struct {
	Reset bool `json:"reset,omitempty"`
}

// CacheStatsOutput is the output of the CacheStats tool. Metrics are the
// values before any reset.
type CacheStatsOutput struct {
	Metrics cache.Metrics `json:"metrics"`
	Info    cache.Info    `json:"info"`
	Reset   bool          `json:"reset,omitempty"`
}

// InvalidateCacheInput is the input for the InvalidateCache tool. An empty
// pattern or "*" clears everything.
type InvalidateCacheInput struct {
	Pattern string `json:"pattern"`
}

// InvalidateCacheOutput is the output of the InvalidateCache tool.
type InvalidateCacheOutput struct {
	Pattern string `json:"pattern"`
	Removed int    `json:"removed"`
}

// PoolStatsInput is the input for the PoolStats tool.
type PoolStatsInput struct {
	Reset bool `json:"reset,omitempty"`
}

// PoolStatsOutput is the output of the PoolStats tool. Statistics are the
// values before any reset.
type PoolStatsOutput struct {
	connpool.Statistics
	Database string `json:"database"`
	Reset    bool   `json:"reset,omitempty"`
}

// SwitchDatabaseInput is the input for the SwitchDatabase tool.
type SwitchDatabaseInput struct {
	Database string `json:"database"`
}

// SwitchDatabaseOutput is the output of the SwitchDatabase tool.
type SwitchDatabaseOutput struct {
	Previous  string    `json:"previous"`
	Current   string    `json:"current"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}
