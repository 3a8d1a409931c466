package mssqlmcp

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRace_ConcurrentQueries(t *testing.T) {
	t.Parallel()
	config := testConfig()
	config.Sanitization = []SanitizationRule{
		{Pattern: `[^@]+@`, Replacement: "***@", Columns: "(?i)email"},
	}
	config.ErrorPrompts = []ErrorPromptRule{
		{Pattern: "not allowed", Message: "Only SELECT statements are accepted.", Kind: string(KindValidationRejected)},
	}
	p := newTestEngine(t, customersDB(), config)

	const goroutines = 20
	const queriesPerGoroutine = 25

	var wg sync.WaitGroup
	var errCount atomic.Int64
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < queriesPerGoroutine; j++ {
				if (id+j)%5 == 0 {
					out := p.Query(context.Background(), QueryInput{SQL: "UPDATE dbo.Customers SET name = 'x'"})
					if out.ErrorKind != KindValidationRejected {
						errCount.Add(1)
						t.Errorf("goroutine %d iter %d: expected rejection, got %q", id, j, out.ErrorKind)
					}
					continue
				}
				out := p.Query(context.Background(), QueryInput{
					SQL: fmt.Sprintf("SELECT id, name, email FROM dbo.Customers WHERE id > %d", j),
				})
				if out.Error != "" {
					errCount.Add(1)
					t.Errorf("goroutine %d iter %d: %s", id, j, out.Error)
					continue
				}
				if out.Rows[0]["email"] != "***@example.com" {
					errCount.Add(1)
					t.Errorf("goroutine %d iter %d: unsanitized email %v", id, j, out.Rows[0]["email"])
				}
			}
		}(i)
	}
	wg.Wait()

	if errCount.Load() > 0 {
		t.Fatalf("%d errors in concurrent queries", errCount.Load())
	}
	stats := p.PoolStats(context.Background(), PoolStatsInput{})
	if stats.FailedConnections != 0 {
		t.Fatalf("expected no failed acquisitions, got %+v", stats.Statistics)
	}
}

func TestRace_MetadataAndInvalidation(t *testing.T) {
	t.Parallel()
	db := catalogDB()
	p := newTestEngine(t, db, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx := context.Background()
			for j := 0; j < 50; j++ {
				switch (id + j) % 4 {
				case 0:
					if out := p.ListTables(ctx, ListTablesInput{}); out.Error != "" || len(out.Tables) != 3 {
						t.Errorf("list_tables: %+v", out)
					}
				case 1:
					if out := p.DescribeTable(ctx, DescribeTableInput{Table: "Customers"}); out.Error != "" {
						t.Errorf("describe_table: %s", out.Error)
					}
				case 2:
					p.InvalidateCache(ctx, InvalidateCacheInput{Pattern: "tables:*"})
				default:
					p.CacheStats(ctx, CacheStatsInput{})
				}
			}
		}(i)
	}
	wg.Wait()

	// Every read either hit the cache or loaded it; the loads never exceed
	// one per invalidation plus the cold start.
	invalidations := 10 * 50 / 4
	if n := db.countQueries("mssql-mcp:list_tables"); n > invalidations+1 {
		t.Fatalf("expected at most %d catalog reads, got %d", invalidations+1, n)
	}
}

func TestStress_SemaphoreLimit(t *testing.T) {
	t.Parallel()
	config := testConfig()
	config.Pool.MaxConns = 3
	db := newFakeDB().on(fakeRule{
		match:   "FROM dbo.Slow",
		columns: []string{"id"},
		rows:    [][]driver.Value{{int64(1)}},
		delay:   50 * time.Millisecond,
	})
	p := newTestEngine(t, db, config)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if out := p.Query(context.Background(), QueryInput{SQL: "SELECT id FROM dbo.Slow"}); out.Error != "" {
				t.Errorf("unexpected error: %s", out.Error)
			}
		}()
	}
	wg.Wait()

	if peak := db.peakConcurrency(); peak > 3 {
		t.Fatalf("expected at most 3 concurrent queries, saw %d", peak)
	}
	if n := db.countQueries("FROM dbo.Slow"); n != 12 {
		t.Fatalf("expected 12 executions, got %d", n)
	}
}

func TestStress_ContextCancelledWhileWaitingForSlot(t *testing.T) {
	t.Parallel()
	config := testConfig()
	config.Pool.MaxConns = 1
	db := newFakeDB().on(fakeRule{
		match:   "FROM dbo.Slow",
		columns: []string{"id"},
		rows:    [][]driver.Value{{int64(1)}},
		delay:   500 * time.Millisecond,
	})
	p := newTestEngine(t, db, config)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Query(context.Background(), QueryInput{SQL: "SELECT id FROM dbo.Slow"})
	}()
	// Let the first query take the only slot.
	deadline := time.Now().Add(2 * time.Second)
	for db.countQueries("FROM dbo.Slow") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := p.Query(ctx, QueryInput{SQL: "SELECT id FROM dbo.Slow"})
	if out.ErrorKind != KindTimeout {
		t.Fatalf("expected timeout while waiting for a slot, got %q (%s)", out.ErrorKind, out.Error)
	}
	<-done
}
