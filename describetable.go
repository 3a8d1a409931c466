package mssqlmcp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rickchristie/mssql-mcp/internal/cache"
)

// SQL queries for DescribeTable

const objectLookupSQL = `/* mssql-mcp:describe_object */
SELECT o.object_id,
       o.type,
       COALESCE(m.definition, '') AS definition
FROM sys.objects o
JOIN sys.schemas s ON s.schema_id = o.schema_id
LEFT JOIN sys.sql_modules m ON m.object_id = o.object_id
WHERE s.name = @schema
  AND o.name = @table
  AND o.type IN ('U', 'V');
`

const describeColumnsSQL = `/* mssql-mcp:describe_columns */
SELECT
    c.name,
    t.name AS type_name,
    c.max_length,
    c.precision,
    c.scale,
    c.is_nullable,
    COALESCE(dc.definition, '') AS default_val,
    c.is_identity,
    c.is_computed,
    CASE WHEN pk.column_id IS NOT NULL THEN 1 ELSE 0 END AS is_primary_key
FROM sys.columns c
JOIN sys.types t ON t.user_type_id = c.user_type_id
LEFT JOIN sys.default_constraints dc ON dc.object_id = c.default_object_id
LEFT JOIN (
    SELECT ic.object_id, ic.column_id
    FROM sys.indexes i
    JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
    WHERE i.is_primary_key = 1
) pk ON pk.object_id = c.object_id AND pk.column_id = c.column_id
WHERE c.object_id = @object_id
ORDER BY c.column_id;
`

const describeIndexesSQL = `/* mssql-mcp:describe_indexes */
SELECT
    i.name,
    i.type_desc,
    STRING_AGG(c.name, ', ') WITHIN GROUP (ORDER BY ic.key_ordinal) AS columns,
    i.is_unique,
    i.is_primary_key
FROM sys.indexes i
JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
WHERE i.object_id = @object_id
  AND i.name IS NOT NULL
  AND ic.is_included_column = 0
GROUP BY i.name, i.type_desc, i.is_unique, i.is_primary_key
ORDER BY i.name;
`

const describeForeignKeysSQL = `/* mssql-mcp:describe_foreign_keys */
SELECT
    fk.name,
    STRING_AGG(pc.name, ', ') WITHIN GROUP (ORDER BY fkc.constraint_column_id) AS columns,
    rs.name + '.' + rt.name AS referenced_table,
    STRING_AGG(rc.name, ', ') WITHIN GROUP (ORDER BY fkc.constraint_column_id) AS referenced_columns,
    fk.update_referential_action_desc,
    fk.delete_referential_action_desc
FROM sys.foreign_keys fk
JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
JOIN sys.columns pc ON pc.object_id = fkc.parent_object_id AND pc.column_id = fkc.parent_column_id
JOIN sys.columns rc ON rc.object_id = fkc.referenced_object_id AND rc.column_id = fkc.referenced_column_id
JOIN sys.tables rt ON rt.object_id = fk.referenced_object_id
JOIN sys.schemas rs ON rs.schema_id = rt.schema_id
WHERE fk.parent_object_id = @object_id
GROUP BY fk.name, rs.name, rt.name, fk.update_referential_action_desc, fk.delete_referential_action_desc
ORDER BY fk.name;
`

// DescribeTable returns columns, indexes and foreign keys of a table, or the
// columns and definition of a view. Results are cached under
// schema:<database>:<schema>.<table>. Does NOT go through the hook or
// sanitization pipeline.
func (p *SqlServerMcp) DescribeTable(ctx context.Context, input DescribeTableInput) *DescribeTableOutput {
	startTime := time.Now()

	schema, table, err := splitQualifiedName(input.Schema, input.Table)
	if err != nil {
		msg, kind := p.metadataError("describe_table", startTime, err)
		return &DescribeTableOutput{Error: msg, ErrorKind: kind}
	}

	key := cache.SchemaKey(p.conn.Database(), schema, table)
	desc, err := cache.GetOrCreate(ctx, p.cache, key, 0, func(ctx context.Context) (DescribeTableOutput, error) {
		return p.loadDescription(ctx, schema, table)
	})
	if err != nil {
		msg, kind := p.metadataError("describe_table", startTime, err)
		return &DescribeTableOutput{Schema: schema, Name: table, Error: msg, ErrorKind: kind}
	}

	output := desc
	output.Columns = append([]ColumnInfo{}, desc.Columns...)
	output.Indexes = append([]IndexInfo{}, desc.Indexes...)
	output.ForeignKeys = append([]ForeignKeyInfo{}, desc.ForeignKeys...)

	p.metrics.observeTool("describe_table", "", time.Since(startTime))
	p.logger.Info().
		Str("schema", schema).
		Str("table", table).
		Dur("duration", time.Since(startTime)).
		Str("type", output.Type).
		Int("column_count", len(output.Columns)).
		Msg("DescribeTable executed")
	return &output
}

func (p *SqlServerMcp) loadDescription(ctx context.Context, schema, table string) (DescribeTableOutput, error) {
	output := DescribeTableOutput{Schema: schema, Name: table}
	err := p.withMetadataConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var objectID int64
		var objectType string
		err := conn.QueryRowContext(ctx, objectLookupSQL,
			sql.Named("schema", schema), sql.Named("table", table),
		).Scan(&objectID, &objectType, &output.Definition)
		if errors.Is(err, sql.ErrNoRows) {
			return newInputError(fmt.Sprintf("table not found: %s.%s", schema, table))
		}
		if err != nil {
			return fmt.Errorf("failed to look up object: %w", err)
		}

		// sys.objects.type is char(2).
		if strings.TrimSpace(objectType) == "U" {
			output.Type = "table"
			output.Definition = ""
		} else {
			output.Type = "view"
		}

		if err := fetchColumns(ctx, conn, objectID, &output); err != nil {
			return err
		}
		if err := fetchIndexes(ctx, conn, objectID, &output); err != nil {
			return err
		}
		if output.Type == "table" {
			if err := fetchForeignKeys(ctx, conn, objectID, &output); err != nil {
				return err
			}
		}
		return nil
	})
	return output, err
}

func fetchColumns(ctx context.Context, conn *sql.Conn, objectID int64, output *DescribeTableOutput) error {
	rows, err := conn.QueryContext(ctx, describeColumnsSQL, sql.Named("object_id", objectID))
	if err != nil {
		return fmt.Errorf("failed to fetch columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var col ColumnInfo
		var typeName string
		var maxLength, precision, scale int
		var isPK int
		if err := rows.Scan(&col.Name, &typeName, &maxLength, &precision, &scale,
			&col.Nullable, &col.Default, &col.IsIdentity, &col.IsComputed, &isPK); err != nil {
			return fmt.Errorf("failed to scan column: %w", err)
		}
		col.Type = formatColumnType(typeName, maxLength, precision, scale)
		col.IsPrimaryKey = isPK == 1
		output.Columns = append(output.Columns, col)
	}
	return rows.Err()
}

func fetchIndexes(ctx context.Context, conn *sql.Conn, objectID int64, output *DescribeTableOutput) error {
	rows, err := conn.QueryContext(ctx, describeIndexesSQL, sql.Named("object_id", objectID))
	if err != nil {
		return fmt.Errorf("failed to fetch indexes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idx IndexInfo
		if err := rows.Scan(&idx.Name, &idx.Type, &idx.Columns, &idx.IsUnique, &idx.IsPrimary); err != nil {
			return fmt.Errorf("failed to scan index: %w", err)
		}
		output.Indexes = append(output.Indexes, idx)
	}
	return rows.Err()
}

func fetchForeignKeys(ctx context.Context, conn *sql.Conn, objectID int64, output *DescribeTableOutput) error {
	rows, err := conn.QueryContext(ctx, describeForeignKeysSQL, sql.Named("object_id", objectID))
	if err != nil {
		return fmt.Errorf("failed to fetch foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fk ForeignKeyInfo
		if err := rows.Scan(&fk.Name, &fk.Columns, &fk.ReferencedTable, &fk.ReferencedColumns, &fk.OnUpdate, &fk.OnDelete); err != nil {
			return fmt.Errorf("failed to scan foreign key: %w", err)
		}
		output.ForeignKeys = append(output.ForeignKeys, fk)
	}
	return rows.Err()
}
