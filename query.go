package mssqlmcp

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/rickchristie/mssql-mcp/internal/connpool"
	"github.com/rickchristie/mssql-mcp/internal/formatter"
	"github.com/rickchristie/mssql-mcp/internal/validator"
)

// Query executes the full query pipeline and returns only QueryOutput.
// All errors are converted to output.Error and output.ErrorKind, and the
// message is evaluated against error_prompts. Callers only need to check
// output.Error, never a Go error.
//
// Pipeline: slot, length check, before hooks, validation, row cap rewrite,
// timeout rule, connection, execution in a rolled-back transaction, after
// hooks, sanitization, truncation.
func (p *SqlServerMcp) Query(ctx context.Context, input QueryInput) *QueryOutput {
	startTime := time.Now()
	query := input.SQL

	// 1. Acquire a query slot (respects context cancellation).
	release, err := p.acquireSlot(ctx)
	if err != nil {
		return p.queryError("query", startTime, err)
	}
	defer release()

	// 2. Check SQL length before any processing.
	if len(query) > p.config.Query.MaxSQLLength {
		return p.queryError("query", startTime, newInputError(fmt.Sprintf("SQL query too long: %d bytes exceeds maximum of %d bytes", len(query), p.config.Query.MaxSQLLength)))
	}

	var beforeHooks, afterHooks []string
	database := p.conn.Database()

	// 3. BeforeQuery hooks (middleware chain).
	if len(p.goBeforeHooks) > 0 {
		query, err = p.runGoBeforeHooks(ctx, query)
		for _, entry := range p.goBeforeHooks {
			beforeHooks = append(beforeHooks, entry.Name)
		}
	} else if p.cmdHooks != nil {
		query, beforeHooks, err = p.cmdHooks.RunBeforeQuery(ctx, database, query)
	}
	if err != nil {
		return p.queryError("query", startTime, err)
	}

	// 4. Validate the (possibly modified) query and cap its rows.
	rewrite, err := p.prepare(query, input.Offset, input.Limit, input.paginated())
	if err != nil {
		return p.queryError("query", startTime, err)
	}

	// 5. Timeout rule, matched against the query as submitted.
	timeout, timeoutRule := p.timeoutMgr.GetTimeoutWithPattern(query)

	// 6. Acquire a connection. Acquisition has its own retry and breaker
	// bounds; the query timeout starts once a connection is held.
	conn, err := p.pool.AcquireConnection(ctx)
	if err != nil {
		return p.queryError("query", startTime, err)
	}
	defer conn.Close()

	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Reads never commit. A transaction keeps any side effect of a function
	// call inside the SELECT from persisting.
	tx, err := conn.BeginTx(queryCtx, nil)
	if err != nil {
		return p.queryError("query", startTime, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(queryCtx, rewrite.Query)
	if err != nil {
		return p.queryError("query", startTime, timeoutCause(queryCtx, timeout, err))
	}

	// 7. Collect results.
	result, err := collectRows(rows, p.config.Query.MaxRows)
	if err != nil {
		return p.queryError("query", startTime, timeoutCause(queryCtx, timeout, err))
	}
	_ = tx.Rollback()
	result.Warnings = append(rewrite.Warnings, result.Warnings...)
	result.ExecutedSQL = rewrite.Query

	// 8. AfterQuery hooks (middleware chain).
	if len(p.goAfterHooks) > 0 {
		result, err = p.runGoAfterHooks(ctx, result)
		if err != nil {
			return p.queryError("query", startTime, err)
		}
		for _, entry := range p.goAfterHooks {
			afterHooks = append(afterHooks, entry.Name)
		}
	} else if p.cmdHooks != nil && p.cmdHooks.HasAfterQueryHooks() {
		result, afterHooks, err = p.runCmdAfterHooks(ctx, database, query, result)
		if err != nil {
			return p.queryError("query", startTime, err)
		}
	}

	// 9. Sanitization.
	sanitized := p.sanitizer.HasRules()
	result.Rows = p.sanitizer.SanitizeRows(result.Rows)
	result.RowCount = len(result.Rows)

	// 10. Max result length truncation.
	p.truncateIfNeeded(result)

	p.metrics.observeTool("query", result.ErrorKind, time.Since(startTime))
	logEvent := p.logger.Info().
		Str("sql", truncateForLog(rewrite.Query, 200)).
		Str("database", database).
		Dur("duration", time.Since(startTime)).
		Int("row_count", result.RowCount).
		Bool("rewritten", rewrite.Rewritten)
	if len(result.Warnings) > 0 {
		logEvent = logEvent.Strs("warnings", result.Warnings)
	}
	if len(beforeHooks) > 0 {
		logEvent = logEvent.Strs("before_hooks", beforeHooks)
	}
	if len(afterHooks) > 0 {
		logEvent = logEvent.Strs("after_hooks", afterHooks)
	}
	if timeoutRule != "" {
		logEvent = logEvent.Str("timeout_rule", timeoutRule)
	}
	if sanitized {
		logEvent = logEvent.Bool("sanitized", true)
	}
	logEvent.Msg("query executed")

	return result
}

// ValidateQuery runs validation and the row cap rewrite without executing.
// A blocked query is reported through IsReadOnly/BlockedOperation, not Error.
func (p *SqlServerMcp) ValidateQuery(ctx context.Context, input ValidateQueryInput) *ValidateQueryOutput {
	startTime := time.Now()
	if len(input.SQL) > p.config.Query.MaxSQLLength {
		msg, kind := p.handleError(newInputError(fmt.Sprintf("SQL query too long: %d bytes exceeds maximum of %d bytes", len(input.SQL), p.config.Query.MaxSQLLength)), KindInvalidInput)
		p.metrics.observeTool("validate_query", kind, time.Since(startTime))
		return &ValidateQueryOutput{Error: msg, ErrorKind: kind}
	}

	verdict := validator.Validate(input.SQL)
	out := &ValidateQueryOutput{
		IsReadOnly:       verdict.IsReadOnly,
		BlockedOperation: verdict.BlockedOperation,
		Reason:           verdict.Reason,
	}
	if verdict.IsReadOnly {
		rewrite, err := p.rewrite(input.SQL, input.Offset, input.Limit, input.Offset != 0 || input.Limit != 0)
		if err != nil {
			out.Error, out.ErrorKind = p.handleError(err, KindRewriteUnsupported)
		} else {
			out.RewrittenSQL = rewrite.Query
			out.Warnings = rewrite.Warnings
		}
	}
	p.metrics.observeTool("validate_query", out.ErrorKind, time.Since(startTime))
	return out
}

// prepare validates query and applies the row cap. Validator warnings come
// first, then rewrite warnings.
func (p *SqlServerMcp) prepare(query string, offset, limit int, paginated bool) (formatter.Result, error) {
	if err := validator.Validate(query).Err(); err != nil {
		return formatter.Result{}, err
	}
	return p.rewrite(query, offset, limit, paginated)
}

func (p *SqlServerMcp) rewrite(query string, offset, limit int, paginated bool) (formatter.Result, error) {
	req := formatter.Request{Query: query, Mode: formatter.TopLimit, Cap: p.config.Query.MaxRows}
	if paginated {
		if limit == 0 {
			limit = p.config.Query.MaxRows
		}
		req.Mode = formatter.OffsetPagination
		req.Offset = offset
		req.Limit = limit
	}
	res, err := formatter.Apply(req)
	if err != nil {
		return formatter.Result{}, err
	}
	res.Warnings = append(validator.GenerateWarnings(query), res.Warnings...)
	return res, nil
}

func (p *SqlServerMcp) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case p.semaphore <- struct{}{}:
		return func() { <-p.semaphore }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to acquire query slot: all %d slots are in use, context cancelled while waiting: %w", cap(p.semaphore), ctx.Err())
	}
}

// runGoBeforeHooks runs Go-interface BeforeQuery hooks in middleware chain.
func (p *SqlServerMcp) runGoBeforeHooks(ctx context.Context, query string) (string, error) {
	for _, entry := range p.goBeforeHooks {
		timeout := p.hookTimeout(entry.Timeout)
		hookCtx, cancel := context.WithTimeout(ctx, timeout)

		modified, err := entry.Hook.Run(hookCtx, query)
		cancel()
		if err != nil {
			if hookCtx.Err() == context.DeadlineExceeded {
				return "", fmt.Errorf("before_query hook error: hook timed out (name: %s, timeout: %s): %w", entry.Name, timeout, context.DeadlineExceeded)
			}
			return "", fmt.Errorf("before_query hook error: hook rejected query (name: %s): %w", entry.Name, &hookRejectedError{err: err})
		}
		query = modified
	}
	return query, nil
}

// runGoAfterHooks runs Go-interface AfterQuery hooks in middleware chain.
func (p *SqlServerMcp) runGoAfterHooks(ctx context.Context, result *QueryOutput) (*QueryOutput, error) {
	for _, entry := range p.goAfterHooks {
		timeout := p.hookTimeout(entry.Timeout)
		hookCtx, cancel := context.WithTimeout(ctx, timeout)

		modified, err := entry.Hook.Run(hookCtx, result)
		cancel()
		if err != nil {
			if hookCtx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("after_query hook error: hook timed out (name: %s, timeout: %s): %w", entry.Name, timeout, context.DeadlineExceeded)
			}
			return nil, fmt.Errorf("after_query hook error: hook rejected result (name: %s): %w", entry.Name, &hookRejectedError{err: err})
		}
		if modified == nil {
			return nil, fmt.Errorf("after_query hook error: %w", &hookRejectedError{err: fmt.Errorf("hook %s returned a nil result", entry.Name)})
		}
		result = modified
	}
	return result, nil
}

// runCmdAfterHooks round-trips the result through JSON for command hooks.
// Numbers are decoded as json.Number so large integers survive.
func (p *SqlServerMcp) runCmdAfterHooks(ctx context.Context, database, query string, result *QueryOutput) (*QueryOutput, []string, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, nil, err
	}
	modifiedJSON, executed, err := p.cmdHooks.RunAfterQuery(ctx, database, query, resultJSON)
	if err != nil {
		return nil, executed, err
	}
	final := &QueryOutput{}
	dec := json.NewDecoder(bytes.NewReader(modifiedJSON))
	dec.UseNumber()
	if err := dec.Decode(final); err != nil {
		return nil, executed, fmt.Errorf("after_query hook returned an invalid result: %w", err)
	}
	return final, executed, nil
}

// timeoutCause marks err as a timeout when queryCtx expired. The driver does
// not always wrap the context error itself.
func timeoutCause(queryCtx context.Context, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || !errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("query timed out after %s (%w): %w", timeout, context.DeadlineExceeded, err)
}

func (p *SqlServerMcp) hookTimeout(d time.Duration) time.Duration {
	if d == 0 {
		return seconds(p.config.DefaultHookTimeoutSeconds)
	}
	return d
}

// collectRows reads every row into column-keyed maps. Reading stops after
// maxRows rows; the row cap rewrite makes that a backstop only.
func collectRows(rows *sql.Rows, maxRows int) (*QueryOutput, error) {
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	dbTypes := make([]string, len(colTypes))
	names := make([]string, len(colTypes))
	for i, ct := range colTypes {
		dbTypes[i] = ct.DatabaseTypeName()
		names[i] = ct.Name()
	}
	columns := uniqueColumnNames(names)

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	resultRows := make([]map[string]any, 0)
	var warnings []string
	for rows.Next() {
		if len(resultRows) == maxRows {
			warnings = append(warnings, fmt.Sprintf("result stopped at %d rows (maximum rows)", maxRows))
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(dbTypes[i], values[i])
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &QueryOutput{Columns: columns, Rows: resultRows, RowCount: len(resultRows), Warnings: warnings}, nil
}

// uniqueColumnNames names anonymous columns (SELECT COUNT(*)) by position and
// suffixes duplicates, so no value is lost when rows become maps.
func uniqueColumnNames(names []string) []string {
	out := make([]string, len(names))
	seen := make(map[string]int, len(names))
	for i, name := range names {
		if name == "" {
			name = fmt.Sprintf("column%d", i+1)
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		out[i] = name
	}
	return out
}

// convertValue converts a go-mssqldb value to a JSON-friendly Go type.
// dbType is the driver's DatabaseTypeName for the column.
func convertValue(dbType string, v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		switch dbType {
		case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
			return string(val)
		case "UNIQUEIDENTIFIER":
			var u mssql.UniqueIdentifier
			if err := u.Scan(val); err == nil {
				return u.String()
			}
			return hexLiteral(val)
		case "BINARY", "VARBINARY", "IMAGE", "TIMESTAMP", "ROWVERSION":
			return hexLiteral(val)
		default:
			if utf8.Valid(val) {
				return string(val)
			}
			return hexLiteral(val)
		}
	case time.Time:
		switch dbType {
		case "DATE":
			return val.Format(time.DateOnly)
		case "TIME":
			return val.Format("15:04:05.9999999")
		case "DATETIMEOFFSET":
			return val.Format(time.RFC3339Nano)
		default:
			// DATETIME, DATETIME2 and SMALLDATETIME carry no zone.
			return val.Format("2006-01-02T15:04:05.9999999")
		}
	default:
		return val
	}
}

func hexLiteral(b []byte) string {
	return "0x" + strings.ToUpper(hex.EncodeToString(b))
}

// queryError converts err into a QueryOutput and records the failure.
func (p *SqlServerMcp) queryError(tool string, start time.Time, err error) *QueryOutput {
	msg, kind := p.handleError(err, KindQueryFailed)
	p.metrics.observeTool(tool, kind, time.Since(start))
	return &QueryOutput{Error: msg, ErrorKind: kind}
}

// handleError classifies err and appends matching error prompt messages.
func (p *SqlServerMcp) handleError(err error, fallback ErrorKind) (string, ErrorKind) {
	kind := classifyError(err, fallback)
	errMsg := err.Error()
	prompt := p.errPrompts.Match(string(kind), errMsg)
	patterns := p.errPrompts.MatchedPatterns(string(kind), errMsg)

	logEvent := p.logger.Error().Err(err).Str("error_kind", string(kind))
	if n, ok := connpool.DriverErrorNumber(err); ok {
		logEvent = logEvent.Int32("sql_error_number", n)
	}
	if len(patterns) > 0 {
		logEvent = logEvent.Strs("error_prompts", patterns)
	}
	logEvent.Msg("tool error")

	if prompt != "" {
		errMsg = errMsg + "\n\n" + prompt
	}
	return errMsg, kind
}

// truncateIfNeeded replaces the rows with an error if their JSON encoding
// exceeds MaxResultLength characters.
func (p *SqlServerMcp) truncateIfNeeded(output *QueryOutput) {
	jsonBytes, _ := json.Marshal(output.Rows)
	jsonStr := string(jsonBytes)
	if utf8.RuneCountInString(jsonStr) <= p.config.Query.MaxResultLength {
		return
	}
	runes := []rune(jsonStr)
	truncated := string(runes[:p.config.Query.MaxResultLength])
	output.Rows = nil
	output.Error = truncated + "...[truncated] Result is too long! Add limits in your query!"
	output.ErrorKind = KindResultTooLarge
}

// truncateForLog truncates a string for log output to avoid oversized log entries.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	truncateAt := maxLen
	for truncateAt > 0 && !utf8.RuneStart(s[truncateAt]) {
		truncateAt--
	}
	return s[:truncateAt] + "...[truncated]"
}
