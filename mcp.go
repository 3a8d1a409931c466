package mssqlmcp

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterMCPTools registers the query, metadata and introspection tools on
// the given MCP server.
func RegisterMCPTools(mcpServer *server.MCPServer, engine *SqlServerMcp) {
	// Query tool
	queryTool := mcp.NewTool("query",
		mcp.WithDescription("Execute a read-only T-SQL query against SQL Server. The query is validated, row-limited and run inside a transaction that is always rolled back. Returns results as JSON."),
		mcp.WithString("sql",
			mcp.Required(),
			mcp.Description("The SELECT (or WITH ... SELECT) statement to execute"),
		),
		mcp.WithNumber("offset",
			mcp.Description("Rows to skip. Setting offset or limit switches to OFFSET/FETCH pagination."),
			mcp.Min(0),
		),
		mcp.WithNumber("limit",
			mcp.Description("Page size for pagination (capped at the server's maximum rows)"),
			mcp.Min(0),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(queryTool, engine.loggedToolHandler("query", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, err := req.RequireString("sql")
		if err != nil {
			return mcp.NewToolResultError("sql parameter is required"), nil
		}
		output := engine.Query(ctx, QueryInput{
			SQL:    sql,
			Offset: req.GetInt("offset", 0),
			Limit:  req.GetInt("limit", 0),
		})
		return toolResult(output, output.Error)
	}))

	// ValidateQuery tool
	validateTool := mcp.NewTool("validate_query",
		mcp.WithDescription("Check whether a T-SQL statement would be accepted by the query tool without running it. Returns the verdict, warnings and the rewritten SQL."),
		mcp.WithString("sql",
			mcp.Required(),
			mcp.Description("The statement to validate"),
		),
		mcp.WithNumber("offset",
			mcp.Description("Rows to skip, as for the query tool"),
			mcp.Min(0),
		),
		mcp.WithNumber("limit",
			mcp.Description("Page size, as for the query tool"),
			mcp.Min(0),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(validateTool, engine.loggedToolHandler("validate_query", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, err := req.RequireString("sql")
		if err != nil {
			return mcp.NewToolResultError("sql parameter is required"), nil
		}
		output := engine.ValidateQuery(ctx, ValidateQueryInput{
			SQL:    sql,
			Offset: req.GetInt("offset", 0),
			Limit:  req.GetInt("limit", 0),
		})
		return toolResult(output, output.Error)
	}))

	// ListTables tool
	listTablesTool := mcp.NewTool("list_tables",
		mcp.WithDescription("List user tables and views in the current database with approximate row counts."),
		mcp.WithString("schema",
			mcp.Description("Only return objects in this schema"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(listTablesTool, engine.loggedToolHandler("list_tables", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		output := engine.ListTables(ctx, ListTablesInput{Schema: req.GetString("schema", "")})
		return toolResult(output, output.Error)
	}))

	// ListProcedures tool
	listProceduresTool := mcp.NewTool("list_procedures",
		mcp.WithDescription("List stored procedures and user-defined functions in the current database."),
		mcp.WithString("schema",
			mcp.Description("Only return objects in this schema"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(listProceduresTool, engine.loggedToolHandler("list_procedures", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		output := engine.ListProcedures(ctx, ListProceduresInput{Schema: req.GetString("schema", "")})
		return toolResult(output, output.Error)
	}))

	// DescribeTable tool
	describeTableTool := mcp.NewTool("describe_table",
		mcp.WithDescription("Describe a table or view: columns, types, defaults, identity, indexes and foreign keys, or the view definition."),
		mcp.WithString("table",
			mcp.Required(),
			mcp.Description("The table name, optionally schema-qualified (schema.table)"),
		),
		mcp.WithString("schema",
			mcp.Description("The schema name (defaults to 'dbo')"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(describeTableTool, engine.loggedToolHandler("describe_table", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		table, err := req.RequireString("table")
		if err != nil {
			return mcp.NewToolResultError("table parameter is required"), nil
		}
		output := engine.DescribeTable(ctx, DescribeTableInput{Table: table, Schema: req.GetString("schema", "")})
		return toolResult(output, output.Error)
	}))

	// SearchColumns tool
	searchColumnsTool := mcp.NewTool("search_columns",
		mcp.WithDescription("Find columns by name across all user tables and views. Accepts a LIKE pattern; plain text matches anywhere in the name."),
		mcp.WithString("pattern",
			mcp.Required(),
			mcp.Description("Column name or LIKE pattern, e.g. 'email' or 'cust%_id'"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(searchColumnsTool, engine.loggedToolHandler("search_columns", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pattern, err := req.RequireString("pattern")
		if err != nil {
			return mcp.NewToolResultError("pattern parameter is required"), nil
		}
		output := engine.SearchColumns(ctx, SearchColumnsInput{Pattern: pattern})
		return toolResult(output, output.Error)
	}))

	// GetDependencies tool
	dependenciesTool := mcp.NewTool("get_dependencies",
		mcp.WithDescription("List the objects a view, procedure or function references, and the objects that reference it."),
		mcp.WithString("object",
			mcp.Required(),
			mcp.Description("The object name, optionally schema-qualified (schema.object)"),
		),
		mcp.WithString("schema",
			mcp.Description("The schema name (defaults to 'dbo')"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(dependenciesTool, engine.loggedToolHandler("get_dependencies", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		object, err := req.RequireString("object")
		if err != nil {
			return mcp.NewToolResultError("object parameter is required"), nil
		}
		output := engine.GetDependencies(ctx, GetDependenciesInput{Object: object, Schema: req.GetString("schema", "")})
		return toolResult(output, output.Error)
	}))

	// CacheStats tool
	cacheStatsTool := mcp.NewTool("cache_stats",
		mcp.WithDescription("Show metadata cache hit/miss counters, TTLs and tracked keys."),
		mcp.WithBoolean("reset",
			mcp.Description("Zero the hit/miss counters after reading them"),
		),
	)

	mcpServer.AddTool(cacheStatsTool, engine.loggedToolHandler("cache_stats", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return toolResult(engine.CacheStats(ctx, CacheStatsInput{Reset: req.GetBool("reset", false)}), "")
	}))

	// InvalidateCache tool
	invalidateCacheTool := mcp.NewTool("invalidate_cache",
		mcp.WithDescription("Drop cached metadata so the next call reads the catalog again. Keys look like 'tables:<db>' or 'schema:<db>:<schema>.<table>'."),
		mcp.WithString("pattern",
			mcp.Description("Glob over cache keys, e.g. 'schema:sales:*'. Empty or '*' clears everything."),
		),
	)

	mcpServer.AddTool(invalidateCacheTool, engine.loggedToolHandler("invalidate_cache", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return toolResult(engine.InvalidateCache(ctx, InvalidateCacheInput{Pattern: req.GetString("pattern", "")}), "")
	}))

	// PoolStats tool
	poolStatsTool := mcp.NewTool("pool_stats",
		mcp.WithDescription("Show connection acquisition statistics and the circuit breaker state."),
		mcp.WithBoolean("reset",
			mcp.Description("Zero the counters after reading them"),
		),
	)

	mcpServer.AddTool(poolStatsTool, engine.loggedToolHandler("pool_stats", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return toolResult(engine.PoolStats(ctx, PoolStatsInput{Reset: req.GetBool("reset", false)}), "")
	}))

	// SwitchDatabase tool
	switchDatabaseTool := mcp.NewTool("switch_database",
		mcp.WithDescription("Point subsequent tool calls at another database on the same server."),
		mcp.WithString("database",
			mcp.Required(),
			mcp.Description("The database name"),
		),
	)

	mcpServer.AddTool(switchDatabaseTool, engine.loggedToolHandler("switch_database", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		database, err := req.RequireString("database")
		if err != nil {
			return mcp.NewToolResultError("database parameter is required"), nil
		}
		output := engine.SwitchDatabase(ctx, SwitchDatabaseInput{Database: database})
		return toolResult(output, output.Error)
	}))
}

// toolResult marshals output as the tool's text content. A non-empty errMsg
// marks the result as an error; the JSON still carries error_kind.
func toolResult(output any, errMsg string) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(output)
	if err != nil {
		return mcp.NewToolResultError("failed to marshal tool result"), nil
	}
	if errMsg != "" {
		return mcp.NewToolResultError(string(jsonBytes)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// loggedToolHandler wraps a tool handler to log request and response lengths.
func (p *SqlServerMcp) loggedToolHandler(tool string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		requestID := uuid.NewString()
		reqLen := requestLength(req)
		result, err := handler(ctx, req)
		respLen := resultLength(result)
		p.logger.Info().
			Str("request_id", requestID).
			Str("tool", tool).
			Int("request_bytes", reqLen).
			Int("response_bytes", respLen).
			Bool("is_error", result != nil && result.IsError).
			Msg("tool call")
		return result, err
	}
}

// requestLength returns the JSON-encoded byte length of the request arguments.
func requestLength(req mcp.CallToolRequest) int {
	args := req.GetArguments()
	if len(args) == 0 {
		return 0
	}
	b, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return len(b)
}

// resultLength returns the total byte length of text content in a CallToolResult.
func resultLength(result *mcp.CallToolResult) int {
	if result == nil {
		return 0
	}
	total := 0
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			total += len(tc.Text)
		}
	}
	return total
}
