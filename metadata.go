package mssqlmcp

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rickchristie/mssql-mcp/internal/cache"
)

// maxColumnMatches bounds SearchColumns results.
const maxColumnMatches = 500

const searchColumnsSQL = `/* mssql-mcp:search_columns */
SELECT TOP (@limit)
    s.name AS schema_name,
    o.name AS table_name,
    c.name AS column_name,
    t.name AS type_name
FROM sys.columns c
JOIN sys.objects o ON o.object_id = c.object_id
JOIN sys.schemas s ON s.schema_id = o.schema_id
JOIN sys.types t ON t.user_type_id = c.user_type_id
WHERE o.type IN ('U', 'V')
  AND o.is_ms_shipped = 0
  AND c.name LIKE @pattern
ORDER BY s.name, o.name, c.column_id;
`

const dependenciesSQL = `/* mssql-mcp:get_dependencies */
SELECT 'references' AS direction,
    COALESCE(d.referenced_schema_name, rs.name, '') AS schema_name,
    d.referenced_entity_name AS object_name,
    COALESCE(ro.type_desc, d.referenced_class_desc) AS object_type
FROM sys.sql_expression_dependencies d
LEFT JOIN sys.objects ro ON ro.object_id = d.referenced_id
LEFT JOIN sys.schemas rs ON rs.schema_id = ro.schema_id
WHERE d.referencing_id = OBJECT_ID(QUOTENAME(@schema) + '.' + QUOTENAME(@object))
UNION ALL
SELECT 'referenced_by',
    s.name,
    o.name,
    o.type_desc
FROM sys.sql_expression_dependencies d
JOIN sys.objects o ON o.object_id = d.referencing_id
JOIN sys.schemas s ON s.schema_id = o.schema_id
WHERE d.referenced_id = OBJECT_ID(QUOTENAME(@schema) + '.' + QUOTENAME(@object))
ORDER BY 1, 2, 3;
`

// SearchColumns finds columns of user tables and views by LIKE pattern.
// Results are cached under columns:<database>:<pattern>.
func (p *SqlServerMcp) SearchColumns(ctx context.Context, input SearchColumnsInput) *SearchColumnsOutput {
	startTime := time.Now()
	pattern := strings.TrimSpace(input.Pattern)
	if pattern == "" {
		msg, kind := p.metadataError("search_columns", startTime, newInputError("pattern is required"))
		return &SearchColumnsOutput{Error: msg, ErrorKind: kind}
	}
	if !strings.ContainsAny(pattern, "%_[") {
		pattern = "%" + pattern + "%"
	}

	type found struct {
		Columns   []ColumnMatch
		Truncated bool
	}
	res, err := cache.GetOrCreate(ctx, p.cache, cache.ColumnsKey(p.conn.Database(), pattern), 0, func(ctx context.Context) (found, error) {
		var f found
		err := p.withMetadataConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
			rows, err := conn.QueryContext(ctx, searchColumnsSQL,
				sql.Named("limit", maxColumnMatches+1),
				sql.Named("pattern", pattern))
			if err != nil {
				return fmt.Errorf("search columns query failed: %w", err)
			}
			defer rows.Close()
			for rows.Next() {
				var m ColumnMatch
				if err := rows.Scan(&m.Schema, &m.Table, &m.Column, &m.Type); err != nil {
					return fmt.Errorf("search columns scan failed: %w", err)
				}
				f.Columns = append(f.Columns, m)
			}
			return rows.Err()
		})
		if len(f.Columns) > maxColumnMatches {
			f.Columns = f.Columns[:maxColumnMatches]
			f.Truncated = true
		}
		return f, err
	})
	if err != nil {
		msg, kind := p.metadataError("search_columns", startTime, err)
		return &SearchColumnsOutput{Pattern: pattern, Error: msg, ErrorKind: kind}
	}

	p.metrics.observeTool("search_columns", "", time.Since(startTime))
	return &SearchColumnsOutput{
		Pattern:   pattern,
		Columns:   append([]ColumnMatch{}, res.Columns...),
		Truncated: res.Truncated,
	}
}

// GetDependencies lists what a view, procedure or function references and
// what references it. Results are cached under dependencies:<database>:<schema>.<object>.
func (p *SqlServerMcp) GetDependencies(ctx context.Context, input GetDependenciesInput) *GetDependenciesOutput {
	startTime := time.Now()
	schema, object, err := splitQualifiedName(input.Schema, input.Object)
	if err != nil {
		msg, kind := p.metadataError("get_dependencies", startTime, err)
		return &GetDependenciesOutput{Error: msg, ErrorKind: kind}
	}

	deps, err := cache.GetOrCreate(ctx, p.cache, cache.DependenciesKey(p.conn.Database(), schema, object), 0, func(ctx context.Context) ([]DependencyEntry, error) {
		var deps []DependencyEntry
		err := p.withMetadataConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
			rows, err := conn.QueryContext(ctx, dependenciesSQL, sql.Named("schema", schema), sql.Named("object", object))
			if err != nil {
				return fmt.Errorf("dependencies query failed: %w", err)
			}
			defer rows.Close()
			for rows.Next() {
				var d DependencyEntry
				var typ sql.NullString
				if err := rows.Scan(&d.Direction, &d.Schema, &d.Name, &typ); err != nil {
					return fmt.Errorf("dependencies scan failed: %w", err)
				}
				d.Type = strings.ToLower(typ.String)
				deps = append(deps, d)
			}
			return rows.Err()
		})
		return deps, err
	})
	if err != nil {
		msg, kind := p.metadataError("get_dependencies", startTime, err)
		return &GetDependenciesOutput{Schema: schema, Object: object, Error: msg, ErrorKind: kind}
	}

	p.metrics.observeTool("get_dependencies", "", time.Since(startTime))
	return &GetDependenciesOutput{
		Schema:       schema,
		Object:       object,
		Dependencies: append([]DependencyEntry{}, deps...),
	}
}

// withMetadataConn runs fn on a pooled connection under the metadata timeout.
// It takes a query slot like Query does.
func (p *SqlServerMcp) withMetadataConn(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	release, err := p.acquireSlot(ctx)
	if err != nil {
		return err
	}
	defer release()

	conn, err := p.pool.AcquireConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	queryCtx, cancel := context.WithTimeout(ctx, seconds(p.config.Query.MetadataTimeoutSeconds))
	defer cancel()
	return fn(queryCtx, conn)
}

// metadataError converts err for a metadata tool and records the failure.
func (p *SqlServerMcp) metadataError(tool string, start time.Time, err error) (string, ErrorKind) {
	msg, kind := p.handleError(fmt.Errorf("%s: %w", tool, err), KindFactoryFailure)
	p.metrics.observeTool(tool, kind, time.Since(start))
	return msg, kind
}

// splitQualifiedName resolves an object name that may be given as
// "schema.name" or "[schema].[name]". The schema defaults to dbo.
func splitQualifiedName(schema, name string) (string, string, error) {
	name = strings.TrimSpace(name)
	schema = strings.TrimSpace(schema)
	if name == "" {
		return "", "", newInputError("object name is required")
	}
	if schema == "" {
		if s, n, ok := strings.Cut(name, "."); ok {
			schema, name = s, n
		}
	}
	schema, name = unbracket(schema), unbracket(name)
	if schema == "" {
		schema = "dbo"
	}
	if name == "" || strings.Contains(name, ".") {
		return "", "", newInputError(fmt.Sprintf("invalid object name %q: use name or schema.name", name))
	}
	return schema, name, nil
}

func unbracket(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		return strings.ReplaceAll(s[1:len(s)-1], "]]", "]")
	}
	return s
}

// formatColumnType renders a sys.types name with its length, precision or
// scale the way SQL Server tooling shows it. maxLength is in bytes, -1 for MAX.
func formatColumnType(typeName string, maxLength, precision, scale int) string {
	switch strings.ToLower(typeName) {
	case "varchar", "char", "varbinary", "binary":
		if maxLength == -1 {
			return typeName + "(max)"
		}
		return fmt.Sprintf("%s(%d)", typeName, maxLength)
	case "nvarchar", "nchar":
		if maxLength == -1 {
			return typeName + "(max)"
		}
		return fmt.Sprintf("%s(%d)", typeName, maxLength/2)
	case "decimal", "numeric":
		return fmt.Sprintf("%s(%d,%d)", typeName, precision, scale)
	case "datetime2", "time", "datetimeoffset":
		return fmt.Sprintf("%s(%d)", typeName, scale)
	default:
		return typeName
	}
}
