// Package validator classifies T-SQL text as a read-only query or a blocked statement.
//
// Checks run on lexed tokens, never on raw substrings: comments and string
// literals are ignored, and keywords only match whole bare words, so a column
// named update_date or a table named UpdateLog never triggers a block.
//
// Rule precedence is fixed so the reported operation is deterministic:
//
//  1. empty input                      -> NON_SELECT
//  2. more than one statement          -> MULTI_STATEMENT
//     (a second ";", or a new statement starting at paren depth 0 after the
//     primary SELECT, since T-SQL does not require a separator)
//  3. first blocked keyword in text    -> that keyword (EXECUTE reports EXEC)
//  4. INTO anywhere                    -> SELECT_INTO
//  5. not [CTE list] SELECT            -> NON_SELECT
package validator

import (
	"fmt"
	"strings"

	"github.com/rickchristie/mssql-mcp/internal/sqlscan"
)

// Operation identifies which rule rejected a query.
type Operation string

const (
	OpInsert         Operation = "INSERT"
	OpUpdate         Operation = "UPDATE"
	OpDelete         Operation = "DELETE"
	OpDrop           Operation = "DROP"
	OpCreate         Operation = "CREATE"
	OpAlter          Operation = "ALTER"
	OpTruncate       Operation = "TRUNCATE"
	OpExec           Operation = "EXEC"
	OpMerge          Operation = "MERGE"
	OpBulk           Operation = "BULK"
	OpGrant          Operation = "GRANT"
	OpRevoke         Operation = "REVOKE"
	OpDeny           Operation = "DENY"
	OpMultiStatement Operation = "MULTI_STATEMENT"
	OpNonSelect      Operation = "NON_SELECT"
	OpSelectInto     Operation = "SELECT_INTO"
)

var blockedKeywords = map[string]Operation{
	"INSERT":   OpInsert,
	"UPDATE":   OpUpdate,
	"DELETE":   OpDelete,
	"DROP":     OpDrop,
	"CREATE":   OpCreate,
	"ALTER":    OpAlter,
	"TRUNCATE": OpTruncate,
	"EXEC":     OpExec,
	"EXECUTE":  OpExec,
	"MERGE":    OpMerge,
	"BULK":     OpBulk,
	"GRANT":    OpGrant,
	"REVOKE":   OpRevoke,
	"DENY":     OpDeny,
}

// statementStarts are reserved words that can only begin a statement. Seen at
// depth 0 after the primary SELECT they start a second, unseparated statement.
var statementStarts = map[string]bool{
	"DBCC": true, "WAITFOR": true, "KILL": true, "SHUTDOWN": true,
	"SET": true, "DECLARE": true, "BACKUP": true, "RESTORE": true,
	"RECONFIGURE": true, "CHECKPOINT": true, "USE": true, "PRINT": true,
	"RAISERROR": true, "THROW": true, "BEGIN": true, "COMMIT": true,
	"ROLLBACK": true, "SAVE": true, "IF": true, "WHILE": true,
	"RETURN": true, "GOTO": true, "OPEN": true, "CLOSE": true,
	"DEALLOCATE": true, "READTEXT": true, "WRITETEXT": true, "UPDATETEXT": true,
	"REVERT": true, "SETUSER": true,
}

// Verdict is the result of Validate.
type Verdict struct {
	IsReadOnly       bool      `json:"is_read_only"`
	BlockedOperation Operation `json:"blocked_operation,omitempty"`
	Reason           string    `json:"reason,omitempty"`
}

// Err returns a *RejectedError for a blocked verdict, nil otherwise.
func (v Verdict) Err() error {
	if v.IsReadOnly {
		return nil
	}
	return &RejectedError{Operation: v.BlockedOperation, Reason: v.Reason}
}

// RejectedError reports a query that failed validation.
type RejectedError struct {
	Operation Operation
	Reason    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("query blocked (%s): %s", e.Operation, e.Reason)
}

func blocked(op Operation, reason string) Verdict {
	return Verdict{BlockedOperation: op, Reason: reason}
}

// Validate classifies query. It never panics and always returns a verdict.
func Validate(query string) Verdict {
	toks := sqlscan.Significant(query)

	// Leading semicolons (the ";WITH" idiom) are empty statements, not extra ones.
	start := 0
	for start < len(toks) && toks[start].IsPunct(";") {
		start++
	}
	toks = toks[start:]

	if len(toks) == 0 {
		return blocked(OpNonSelect, "empty query: only a single SELECT statement can be executed")
	}

	semicolons := 0
	for i, t := range toks {
		if t.IsPunct(";") {
			semicolons++
			if semicolons > 1 || i != len(toks)-1 {
				return blocked(OpMultiStatement, "multi-statement queries are not allowed: submit exactly one SELECT statement (a single trailing semicolon is fine)")
			}
		}
	}

	if primary := sqlscan.PrimarySelect(toks); primary >= 0 {
		if t, ok := secondStatement(toks, primary); ok {
			return blocked(OpMultiStatement, fmt.Sprintf("a second statement starts at %s: submit exactly one SELECT statement", strings.ToUpper(t.Text)))
		}
	}

	for _, t := range toks {
		if t.Kind != sqlscan.Word {
			continue
		}
		if op, ok := blockedKeywords[strings.ToUpper(t.Text)]; ok {
			return blocked(op, fmt.Sprintf("%s statements are not allowed: only read-only SELECT queries can be executed", strings.ToUpper(t.Text)))
		}
	}

	for _, t := range toks {
		if t.Is("INTO") {
			return blocked(OpSelectInto, "SELECT ... INTO is not allowed: it creates a table as a side effect")
		}
	}

	if sqlscan.PrimarySelect(toks) < 0 {
		return blocked(OpNonSelect, "only SELECT statements (optionally preceded by WITH common table expressions) can be executed")
	}

	return Verdict{IsReadOnly: true}
}

// secondStatement looks past the primary SELECT for a depth-0 token that
// begins another statement: a statement-only keyword, a SELECT not joined by
// a set operator, or a WITH that is not a table hint, WITH TIES, ROLLUP or CUBE.
func secondStatement(toks []sqlscan.Token, primary int) (sqlscan.Token, bool) {
	for i := primary + 1; i < len(toks); i++ {
		t := toks[i]
		if t.Depth != 0 || t.Kind != sqlscan.Word {
			continue
		}
		prev := toks[i-1]
		switch word := strings.ToUpper(t.Text); {
		case statementStarts[word]:
			if prev.IsPunct(".") || prev.Is("AS") {
				continue
			}
			return t, true
		case word == "SELECT":
			if !followsSetOperator(toks, i) {
				return t, true
			}
		case word == "WITH":
			if i+1 < len(toks) {
				next := toks[i+1]
				if next.IsPunct("(") || next.Is("TIES") || next.Is("ROLLUP") || next.Is("CUBE") {
					continue
				}
			}
			return t, true
		}
	}
	return sqlscan.Token{}, false
}

func followsSetOperator(toks []sqlscan.Token, i int) bool {
	prev := toks[i-1]
	if prev.Is("ALL") && i >= 2 {
		prev = toks[i-2]
	}
	return prev.Is("UNION") || prev.Is("EXCEPT") || prev.Is("INTERSECT") || prev.IsPunct("(")
}

// Advisory warnings returned by GenerateWarnings.
const (
	WarnFullScan             = "query has no WHERE clause and no row limit: it may scan the entire table"
	WarnOffsetWithoutOrderBy = "OFFSET without ORDER BY is invalid in SQL Server: add an ORDER BY clause"
	WarnSelectStar           = "SELECT * returns every column: list only the columns you need"
)

// GenerateWarnings returns advisory messages about query. Warnings never block execution.
func GenerateWarnings(query string) []string {
	toks := sqlscan.Significant(query)
	idx := sqlscan.PrimarySelect(toks)
	if idx < 0 {
		return nil
	}

	shape := Inspect(toks, idx)
	var warnings []string
	if shape.HasFrom && !shape.HasWhere && !shape.HasTop && !shape.HasOffset && !shape.HasFetch {
		warnings = append(warnings, WarnFullScan)
	}
	if shape.HasOffset && !shape.HasOrderBy {
		warnings = append(warnings, WarnOffsetWithoutOrderBy)
	}
	if shape.SelectStar {
		warnings = append(warnings, WarnSelectStar)
	}
	return warnings
}

// Shape summarizes the top-level clauses of the primary SELECT.
type Shape struct {
	HasFrom    bool
	HasWhere   bool
	HasTop     bool
	HasOrderBy bool
	HasOffset  bool
	HasFetch   bool
	SetOp      bool // UNION, EXCEPT or INTERSECT at top level
	SelectStar bool
}

// Inspect reports the top-level clauses of the statement whose primary SELECT
// is toks[idx].
func Inspect(toks []sqlscan.Token, idx int) Shape {
	var s Shape
	j := idx + 1
	if j < len(toks) && (toks[j].Is("DISTINCT") || toks[j].Is("ALL")) {
		j++
	}
	if j < len(toks) && toks[j].Is("TOP") {
		s.HasTop = true
		j++
		if j < len(toks) && toks[j].IsPunct("(") {
			if end := sqlscan.MatchParen(toks, j); end > 0 {
				j = end
			}
		}
		j++
		for j < len(toks) && (toks[j].Is("PERCENT") || toks[j].Is("WITH") || toks[j].Is("TIES")) {
			j++
		}
	}
	if j < len(toks) && toks[j].IsPunct("*") {
		s.SelectStar = true
	}

	for i := idx + 1; i < len(toks); i++ {
		t := toks[i]
		if t.Depth != 0 || t.Kind != sqlscan.Word {
			continue
		}
		switch strings.ToUpper(t.Text) {
		case "FROM":
			s.HasFrom = true
		case "WHERE":
			s.HasWhere = true
		case "ORDER":
			if i+1 < len(toks) && toks[i+1].Is("BY") {
				s.HasOrderBy = true
			}
		case "OFFSET":
			s.HasOffset = true
		case "FETCH":
			s.HasFetch = true
		case "UNION", "EXCEPT", "INTERSECT":
			s.SetOp = true
		}
	}
	return s
}
