package mssqlmcp

import (
	"context"
	"database/sql/driver"
	"errors"
	"slices"
	"sync"
	"testing"
)

func switchDB(current string) *fakeDB {
	return catalogDB().on(fakeRule{
		match:   "mssql-mcp:switch_database",
		columns: []string{""},
		rows:    [][]driver.Value{{current}},
	})
}

func TestInvalidateCache_PatternAndClear(t *testing.T) {
	t.Parallel()
	p := newTestEngine(t, catalogDB(), testConfig())
	ctx := context.Background()

	p.ListTables(ctx, ListTablesInput{})
	p.ListProcedures(ctx, ListProceduresInput{})
	p.DescribeTable(ctx, DescribeTableInput{Table: "Customers"})

	out := p.InvalidateCache(ctx, InvalidateCacheInput{Pattern: "schema:sales:*"})
	if out.Removed != 1 || out.Pattern != "schema:sales:*" {
		t.Fatalf("expected 1 schema key removed, got %+v", out)
	}
	keys := p.cache.Keys()
	slices.Sort(keys)
	if !slices.Equal(keys, []string{"procedures:sales", "tables:sales"}) {
		t.Fatalf("unexpected keys after pattern removal: %v", keys)
	}

	out = p.InvalidateCache(ctx, InvalidateCacheInput{Pattern: "  "})
	if out.Removed != 2 || out.Pattern != "*" {
		t.Fatalf("expected clear of 2 keys, got %+v", out)
	}
	if n := len(p.cache.Keys()); n != 0 {
		t.Fatalf("expected empty cache, got %d keys", n)
	}
}

func TestInvalidateCache_MixedCasePattern(t *testing.T) {
	t.Parallel()
	p := newTestEngine(t, catalogDB(), testConfig())
	ctx := context.Background()

	p.ListTables(ctx, ListTablesInput{})
	p.DescribeTable(ctx, DescribeTableInput{Table: "Customers"})

	if out := p.InvalidateCache(ctx, InvalidateCacheInput{Pattern: "Tables:Sales"}); out.Removed != 1 {
		t.Fatalf("expected the tables key removed, got %+v", out)
	}
	if out := p.InvalidateCache(ctx, InvalidateCacheInput{Pattern: "schema:SALES:dbo.Customers"}); out.Removed != 1 {
		t.Fatalf("expected the schema key removed, got %+v", out)
	}
}

func TestInvalidateCache_NextCallReadsCatalog(t *testing.T) {
	t.Parallel()
	db := catalogDB()
	p := newTestEngine(t, db, testConfig())
	ctx := context.Background()

	p.ListTables(ctx, ListTablesInput{})
	p.ListTables(ctx, ListTablesInput{})
	p.InvalidateCache(ctx, InvalidateCacheInput{Pattern: "tables:*"})
	p.ListTables(ctx, ListTablesInput{})

	if n := db.countQueries("mssql-mcp:list_tables"); n != 2 {
		t.Fatalf("expected 2 catalog reads, got %d", n)
	}
}

func TestCacheStats_Reset(t *testing.T) {
	t.Parallel()
	p := newTestEngine(t, catalogDB(), testConfig())
	ctx := context.Background()

	p.ListTables(ctx, ListTablesInput{})
	p.ListTables(ctx, ListTablesInput{})

	out := p.CacheStats(ctx, CacheStatsInput{Reset: true})
	if out.Metrics.Hits != 1 || out.Metrics.Misses != 1 || !out.Reset {
		t.Fatalf("expected the pre-reset snapshot, got %+v", out)
	}
	if out.Info.TrackedKeys != 1 || out.Info.KeysByPrefix["tables"] != 1 {
		t.Fatalf("unexpected cache info: %+v", out.Info)
	}

	out = p.CacheStats(ctx, CacheStatsInput{})
	if out.Metrics.Hits != 0 || out.Metrics.Misses != 0 {
		t.Fatalf("expected zeroed counters, got %+v", out.Metrics)
	}
	if out.Info.TrackedKeys != 1 {
		t.Fatalf("reset must not drop entries, got %d keys", out.Info.TrackedKeys)
	}
}

func TestPoolStats_Reset(t *testing.T) {
	t.Parallel()
	p := newTestEngine(t, customersDB(), testConfig())
	ctx := context.Background()

	if out := p.Query(ctx, QueryInput{SQL: "SELECT id FROM dbo.Customers"}); out.Error != "" {
		t.Fatalf("unexpected error: %s", out.Error)
	}

	stats := p.PoolStats(ctx, PoolStatsInput{Reset: true})
	if stats.TotalAttempts != 1 || stats.SuccessfulConnections != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.CircuitState != "closed" || stats.Database != "sales" || !stats.Reset {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	stats = p.PoolStats(ctx, PoolStatsInput{})
	if stats.TotalAttempts != 0 || stats.SuccessfulConnections != 0 {
		t.Fatalf("expected zeroed counters, got %+v", stats)
	}
}

func TestSwitchDatabase_Success(t *testing.T) {
	t.Parallel()
	p := newTestEngine(t, switchDB("inventory"), testConfig())
	ctx := context.Background()

	out := p.SwitchDatabase(ctx, SwitchDatabaseInput{Database: " inventory "})
	if out.Error != "" {
		t.Fatalf("unexpected error: %s", out.Error)
	}
	if out.Previous != "sales" || out.Current != "inventory" {
		t.Fatalf("unexpected output: %+v", out)
	}
	if got := p.conn.Database(); got != "inventory" {
		t.Fatalf("expected database inventory, got %q", got)
	}

	tables := p.ListTables(ctx, ListTablesInput{})
	if tables.Database != "inventory" {
		t.Fatalf("expected tables from inventory, got %q", tables.Database)
	}
	if !slices.Contains(p.cache.Keys(), "tables:inventory") {
		t.Fatalf("expected tables:inventory key, got %v", p.cache.Keys())
	}
}

func TestSwitchDatabase_InvalidName(t *testing.T) {
	t.Parallel()
	db := switchDB("inventory")
	p := newTestEngine(t, db, testConfig())

	for _, name := range []string{"", "bad;name", "x]; DROP DATABASE y; --"} {
		out := p.SwitchDatabase(context.Background(), SwitchDatabaseInput{Database: name})
		if out.ErrorKind != KindInvalidInput {
			t.Fatalf("%q: expected invalid_input, got %q (%s)", name, out.ErrorKind, out.Error)
		}
		if out.Current != "sales" {
			t.Fatalf("%q: expected current database sales, got %q", name, out.Current)
		}
	}
	if n := db.countQueries("mssql-mcp:switch_database"); n != 0 {
		t.Fatalf("invalid names must not reach the server, got %d queries", n)
	}
}

func TestSwitchDatabase_RevertsOnMismatch(t *testing.T) {
	t.Parallel()
	p := newTestEngine(t, switchDB("sales"), testConfig())

	out := p.SwitchDatabase(context.Background(), SwitchDatabaseInput{Database: "inventory"})
	if out.ErrorKind != KindQueryFailed {
		t.Fatalf("expected query_failed, got %q (%s)", out.ErrorKind, out.Error)
	}
	if got := p.conn.Database(); got != "sales" {
		t.Fatalf("expected database to revert to sales, got %q", got)
	}
	if got := p.conn.ConnectionString(); got != testConnString {
		t.Fatalf("expected connection string to revert, got %q", got)
	}
}

func TestSwitchDatabase_RevertsOnServerError(t *testing.T) {
	t.Parallel()
	db := newFakeDB().on(fakeRule{
		match: "mssql-mcp:switch_database",
		err:   errors.New("Cannot open database \"missing\" requested by the login"),
	})
	p := newTestEngine(t, db, testConfig())

	out := p.SwitchDatabase(context.Background(), SwitchDatabaseInput{Database: "missing"})
	if out.Error == "" || out.ErrorKind != KindQueryFailed {
		t.Fatalf("expected query_failed, got %+v", out)
	}
	if out.Previous != "sales" || out.Current != "sales" {
		t.Fatalf("unexpected output: %+v", out)
	}
	if got := p.conn.Database(); got != "sales" {
		t.Fatalf("expected database to revert to sales, got %q", got)
	}
}

func TestSwitchDatabase_ConcurrentFailureKeepsOtherSwitch(t *testing.T) {
	t.Parallel()
	for i := 0; i < 20; i++ {
		// The server always reports inventory, so the switch to archive fails.
		p := newTestEngine(t, switchDB("inventory"), testConfig())
		ctx := context.Background()

		var wg sync.WaitGroup
		outs := make([]*SwitchDatabaseOutput, 2)
		for j, name := range []string{"inventory", "archive"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outs[j] = p.SwitchDatabase(ctx, SwitchDatabaseInput{Database: name})
			}()
		}
		wg.Wait()

		if outs[0].Error != "" || outs[1].ErrorKind != KindQueryFailed {
			t.Fatalf("unexpected outcomes: %+v / %+v", outs[0], outs[1])
		}
		if got := p.conn.Database(); got != "inventory" {
			t.Fatalf("iteration %d: expected inventory to stay in effect, got %q", i, got)
		}
	}
}
