package validator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertBlocked(t *testing.T, sql string, op Operation) {
	t.Helper()
	v := Validate(sql)
	require.Falsef(t, v.IsReadOnly, "expected %q to be blocked", sql)
	require.Equalf(t, op, v.BlockedOperation, "wrong operation for %q (reason: %s)", sql, v.Reason)
	require.NotEmpty(t, v.Reason)
}

func assertAllowed(t *testing.T, sql string) {
	t.Helper()
	v := Validate(sql)
	require.Truef(t, v.IsReadOnly, "expected %q to be allowed, got %s: %s", sql, v.BlockedOperation, v.Reason)
	require.Empty(t, v.BlockedOperation)
	require.NoError(t, v.Err())
}

// --- Blocked keywords ---

func TestBlockedKeywords(t *testing.T) {
	t.Parallel()
	cases := []struct {
		sql string
		op  Operation
	}{
		{"INSERT INTO Sales VALUES (1)", OpInsert},
		{"UPDATE Sales SET qty = 1", OpUpdate},
		{"DELETE FROM Sales", OpDelete},
		{"DROP TABLE Sales", OpDrop},
		{"CREATE TABLE x (id int)", OpCreate},
		{"ALTER TABLE Sales ADD c int", OpAlter},
		{"TRUNCATE TABLE Sales", OpTruncate},
		{"EXEC sp_who", OpExec},
		{"execute sp_who", OpExec},
		{"MERGE Sales AS t USING x AS s ON 1=1 WHEN MATCHED THEN DELETE;", OpMerge},
		{"BULK INSERT Sales FROM 'f.csv'", OpBulk},
		{"GRANT SELECT ON Sales TO bob", OpGrant},
		{"REVOKE SELECT ON Sales FROM bob", OpRevoke},
		{"DENY SELECT ON Sales TO bob", OpDeny},
	}
	for _, tc := range cases {
		assertBlocked(t, tc.sql, tc.op)
	}
}

func TestBlockedKeyword_CaseInsensitive(t *testing.T) {
	t.Parallel()
	assertBlocked(t, "drop table Sales", OpDrop)
	assertBlocked(t, "DrOp TaBlE Sales", OpDrop)
}

func TestBlockedKeyword_InsideSelect(t *testing.T) {
	t.Parallel()
	assertBlocked(t, "SELECT * FROM Sales WHERE id IN (SELECT id FROM x) EXEC sp_who", OpExec)
}

func TestBlockedKeyword_InsideCTE(t *testing.T) {
	t.Parallel()
	assertBlocked(t, "WITH d AS (DELETE FROM Sales OUTPUT deleted.*) SELECT * FROM d", OpDelete)
}

func TestBlockedKeyword_FirstInTextWins(t *testing.T) {
	t.Parallel()
	assertBlocked(t, "UPDATE t SET a = (SELECT 1) DELETE", OpUpdate)
}

// --- Whole-token matching ---

func TestIdentifierContainingKeyword_Allowed(t *testing.T) {
	t.Parallel()
	assertAllowed(t, "SELECT update_count FROM Sales")
	assertAllowed(t, "SELECT update_date, created_by FROM UpdateLog")
	assertAllowed(t, "SELECT * FROM dbo.DropShipments")
	assertAllowed(t, "SELECT ExecutionTime FROM Runs")
}

func TestQuotedIdentifierKeyword_Allowed(t *testing.T) {
	t.Parallel()
	assertAllowed(t, "SELECT [Update], \"Delete\" FROM Sales")
}

func TestKeywordInStringLiteral_Allowed(t *testing.T) {
	t.Parallel()
	assertAllowed(t, "SELECT * FROM Audit WHERE action = 'DROP TABLE'")
	assertAllowed(t, "SELECT * FROM Audit WHERE action = N'delete'")
}

func TestKeywordInComment_Allowed(t *testing.T) {
	t.Parallel()
	assertAllowed(t, "SELECT * FROM Sales -- DROP TABLE Sales")
	assertAllowed(t, "/* DELETE FROM Sales */ SELECT * FROM Sales")
	assertAllowed(t, "SELECT /* nested /* EXEC */ still */ 1")
}

func TestCommentDoesNotHideKeyword(t *testing.T) {
	t.Parallel()
	assertBlocked(t, "/* SELECT */ DROP TABLE Sales", OpDrop)
	assertBlocked(t, "SELECT 1 --\nDROP TABLE Sales", OpDrop)
}

// --- Multi-statement ---

func TestMultiStatement(t *testing.T) {
	t.Parallel()
	assertBlocked(t, "SELECT 1; SELECT 2", OpMultiStatement)
	assertBlocked(t, "SELECT 1;;", OpMultiStatement)
}

func TestMultiStatement_PrecedesKeyword(t *testing.T) {
	t.Parallel()
	assertBlocked(t, "SELECT * FROM Sales; DROP TABLE Sales", OpMultiStatement)
}

func TestMultiStatement_WithoutSeparator(t *testing.T) {
	t.Parallel()
	cases := []string{
		"SELECT 1 DBCC FREEPROCCACHE",
		"SELECT 1 WAITFOR DELAY '00:10:00'",
		"SELECT 1 KILL 55",
		"SELECT 1 SHUTDOWN",
		"SELECT 1 SELECT * FROM Sales",
		"SELECT * FROM Sales WITH c AS (SELECT 1 AS x) SELECT x FROM c",
		"SELECT * FROM Sales SET NOCOUNT ON",
		"SELECT * FROM Sales DECLARE @x int",
		"SELECT * FROM Sales BACKUP DATABASE sales TO DISK = 'x.bak'",
		"SELECT * FROM Sales RESTORE DATABASE sales FROM DISK = 'x.bak'",
		"SELECT 1 RECONFIGURE",
		"SELECT 1 CHECKPOINT",
		"SELECT 1 USE master",
		"SELECT 1 PRINT 'x'",
		"SELECT 1 RAISERROR('x', 16, 1)",
		"SELECT 1 THROW 50000, 'x', 1",
		"SELECT 1 BEGIN TRAN",
		"SELECT 1 COMMIT",
		"SELECT 1 ROLLBACK",
		"SELECT 1 SAVE TRAN s",
		"WITH c AS (SELECT 1 AS x) SELECT x FROM c SELECT 2",
		"select 1 dbcc checkdb",
	}
	for _, sql := range cases {
		assertBlocked(t, sql, OpMultiStatement)
	}
}

func TestSingleStatementShapes_Allowed(t *testing.T) {
	t.Parallel()
	cases := []string{
		"SELECT a FROM x UNION SELECT a FROM y",
		"SELECT a FROM x UNION ALL SELECT a FROM y",
		"SELECT a FROM x EXCEPT SELECT a FROM y",
		"SELECT a FROM x INTERSECT SELECT a FROM y",
		"SELECT a FROM x UNION (SELECT a FROM y)",
		"SELECT * FROM Sales WITH (NOLOCK) WHERE id = 1",
		"SELECT TOP 5 WITH TIES * FROM Sales ORDER BY qty",
		"SELECT region, SUM(qty) FROM Sales GROUP BY region WITH ROLLUP",
		"SELECT s.[set], t.print FROM Sales s JOIN Other t ON t.id = s.id",
		"SELECT * FROM Sales WHERE EXISTS (SELECT 1 FROM Lines)",
	}
	for _, sql := range cases {
		assertAllowed(t, sql)
	}
}

func TestTrailingSemicolon_Allowed(t *testing.T) {
	t.Parallel()
	assertAllowed(t, "SELECT * FROM Sales;")
	assertAllowed(t, "SELECT * FROM Sales; -- done")
}

func TestLeadingSemicolonWith_Allowed(t *testing.T) {
	t.Parallel()
	assertAllowed(t, ";WITH c AS (SELECT 1 AS x) SELECT x FROM c")
}

func TestSemicolonInString_NotMultiStatement(t *testing.T) {
	t.Parallel()
	assertAllowed(t, "SELECT 'a;b' AS v")
}

// --- SELECT INTO / non-select ---

func TestSelectInto(t *testing.T) {
	t.Parallel()
	assertBlocked(t, "SELECT * INTO Backup FROM Sales", OpSelectInto)
	assertBlocked(t, "SELECT id INTO #tmp FROM Sales", OpSelectInto)
}

func TestNonSelect(t *testing.T) {
	t.Parallel()
	assertBlocked(t, "", OpNonSelect)
	assertBlocked(t, "   -- only a comment", OpNonSelect)
	assertBlocked(t, "SET NOCOUNT ON", OpNonSelect)
	assertBlocked(t, "DECLARE @x int", OpNonSelect)
	assertBlocked(t, "WITH c AS (SELECT 1) UPDATEX c", OpNonSelect)
	assertBlocked(t, "WAITFOR DELAY '00:00:05'", OpNonSelect)
}

func TestSelectWithCTE_Allowed(t *testing.T) {
	t.Parallel()
	assertAllowed(t, "WITH a AS (SELECT 1 AS x), b (y) AS (SELECT x FROM a) SELECT y FROM b")
}

func TestSubqueries_Allowed(t *testing.T) {
	t.Parallel()
	assertAllowed(t, "SELECT s.id, (SELECT COUNT(*) FROM Lines l WHERE l.sale_id = s.id) AS n FROM Sales s WHERE s.id IN (SELECT id FROM Recent)")
}

func TestRejectedError(t *testing.T) {
	t.Parallel()
	err := Validate("DROP TABLE Sales").Err()
	require.Error(t, err)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, OpDrop, rejected.Operation)
	assert.Contains(t, err.Error(), "query blocked (DROP)")
}

// --- Warnings ---

func TestWarnings_FullScan(t *testing.T) {
	t.Parallel()
	assert.Contains(t, GenerateWarnings("SELECT id FROM Sales"), WarnFullScan)
	assert.NotContains(t, GenerateWarnings("SELECT id FROM Sales WHERE id = 1"), WarnFullScan)
	assert.NotContains(t, GenerateWarnings("SELECT TOP 10 id FROM Sales"), WarnFullScan)
	assert.NotContains(t, GenerateWarnings("SELECT id FROM Sales ORDER BY id OFFSET 0 ROWS FETCH NEXT 5 ROWS ONLY"), WarnFullScan)
	assert.NotContains(t, GenerateWarnings("SELECT 1"), WarnFullScan)
}

func TestWarnings_SubqueryWhereDoesNotCount(t *testing.T) {
	t.Parallel()
	assert.Contains(t, GenerateWarnings("SELECT id FROM (SELECT id FROM Sales WHERE id > 1) s"), WarnFullScan)
}

func TestWarnings_OffsetWithoutOrderBy(t *testing.T) {
	t.Parallel()
	assert.Contains(t, GenerateWarnings("SELECT id FROM Sales OFFSET 10 ROWS"), WarnOffsetWithoutOrderBy)
	assert.NotContains(t, GenerateWarnings("SELECT id FROM Sales ORDER BY id OFFSET 10 ROWS"), WarnOffsetWithoutOrderBy)
	assert.Contains(t, GenerateWarnings("SELECT id, ROW_NUMBER() OVER (ORDER BY id) FROM Sales OFFSET 10 ROWS"), WarnOffsetWithoutOrderBy)
}

func TestWarnings_SelectStar(t *testing.T) {
	t.Parallel()
	assert.Contains(t, GenerateWarnings("SELECT * FROM Sales WHERE id = 1"), WarnSelectStar)
	assert.Contains(t, GenerateWarnings("SELECT DISTINCT TOP (5) * FROM Sales"), WarnSelectStar)
	assert.NotContains(t, GenerateWarnings("SELECT COUNT(*) FROM Sales WHERE id = 1"), WarnSelectStar)
}

func TestWarnings_UnrecognizedShape(t *testing.T) {
	t.Parallel()
	assert.Empty(t, GenerateWarnings("DROP TABLE Sales"))
}
