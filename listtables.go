package mssqlmcp

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rickchristie/mssql-mcp/internal/cache"
)

const listTablesSQL = `/* mssql-mcp:list_tables */
SELECT
    s.name AS schema_name,
    o.name AS object_name,
    CASE o.type WHEN 'U' THEN 'table' ELSE 'view' END AS object_type,
    COALESCE(SUM(CASE WHEN p.index_id IN (0, 1) THEN p.rows END), 0) AS row_count
FROM sys.objects o
JOIN sys.schemas s ON s.schema_id = o.schema_id
LEFT JOIN sys.partitions p ON p.object_id = o.object_id
WHERE o.type IN ('U', 'V')
  AND o.is_ms_shipped = 0
GROUP BY s.name, o.name, o.type
ORDER BY s.name, o.name;
`

const listProceduresSQL = `/* mssql-mcp:list_procedures */
SELECT
    s.name AS schema_name,
    o.name AS object_name,
    CASE o.type
        WHEN 'P' THEN 'procedure'
        WHEN 'FN' THEN 'scalar_function'
        WHEN 'IF' THEN 'inline_table_function'
        WHEN 'TF' THEN 'table_function'
    END AS object_type,
    o.create_date,
    o.modify_date
FROM sys.objects o
JOIN sys.schemas s ON s.schema_id = o.schema_id
WHERE o.type IN ('P', 'FN', 'IF', 'TF')
  AND o.is_ms_shipped = 0
ORDER BY s.name, o.name;
`

// ListTables returns the user tables and views of the current database.
// The full list is cached under tables:<database>; the schema filter is
// applied to the cached list. Does not go through the query pipeline.
func (p *SqlServerMcp) ListTables(ctx context.Context, input ListTablesInput) *ListTablesOutput {
	startTime := time.Now()
	database := p.conn.Database()

	tables, err := cache.GetOrCreate(ctx, p.cache, cache.TablesKey(database), 0, p.loadTables)
	if err != nil {
		msg, kind := p.metadataError("list_tables", startTime, err)
		return &ListTablesOutput{Database: database, Error: msg, ErrorKind: kind}
	}

	out := make([]TableEntry, 0, len(tables))
	for _, t := range tables {
		if input.Schema == "" || strings.EqualFold(t.Schema, input.Schema) {
			out = append(out, t)
		}
	}

	p.metrics.observeTool("list_tables", "", time.Since(startTime))
	p.logger.Info().
		Dur("duration", time.Since(startTime)).
		Int("table_count", len(out)).
		Msg("ListTables executed")
	return &ListTablesOutput{Database: database, Tables: out}
}

func (p *SqlServerMcp) loadTables(ctx context.Context) ([]TableEntry, error) {
	var tables []TableEntry
	err := p.withMetadataConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, listTablesSQL)
		if err != nil {
			return fmt.Errorf("list tables query failed: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var entry TableEntry
			if err := rows.Scan(&entry.Schema, &entry.Name, &entry.Type, &entry.RowCount); err != nil {
				return fmt.Errorf("list tables scan failed: %w", err)
			}
			tables = append(tables, entry)
		}
		return rows.Err()
	})
	return tables, err
}

// ListProcedures returns stored procedures and user-defined functions,
// cached under procedures:<database>.
func (p *SqlServerMcp) ListProcedures(ctx context.Context, input ListProceduresInput) *ListProceduresOutput {
	startTime := time.Now()
	database := p.conn.Database()

	procs, err := cache.GetOrCreate(ctx, p.cache, cache.ProceduresKey(database), 0, p.loadProcedures)
	if err != nil {
		msg, kind := p.metadataError("list_procedures", startTime, err)
		return &ListProceduresOutput{Database: database, Error: msg, ErrorKind: kind}
	}

	out := make([]ProcedureEntry, 0, len(procs))
	for _, pr := range procs {
		if input.Schema == "" || strings.EqualFold(pr.Schema, input.Schema) {
			out = append(out, pr)
		}
	}

	p.metrics.observeTool("list_procedures", "", time.Since(startTime))
	p.logger.Info().
		Dur("duration", time.Since(startTime)).
		Int("procedure_count", len(out)).
		Msg("ListProcedures executed")
	return &ListProceduresOutput{Database: database, Procedures: out}
}

func (p *SqlServerMcp) loadProcedures(ctx context.Context) ([]ProcedureEntry, error) {
	var procs []ProcedureEntry
	err := p.withMetadataConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, listProceduresSQL)
		if err != nil {
			return fmt.Errorf("list procedures query failed: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var entry ProcedureEntry
			var created, modified time.Time
			if err := rows.Scan(&entry.Schema, &entry.Name, &entry.Type, &created, &modified); err != nil {
				return fmt.Errorf("list procedures scan failed: %w", err)
			}
			entry.Created = created.Format(time.DateTime)
			entry.Modified = modified.Format(time.DateTime)
			procs = append(procs, entry)
		}
		return rows.Err()
	})
	return procs, err
}
