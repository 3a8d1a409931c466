package mssqlmcp

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_ToolOutcomes(t *testing.T) {
	t.Parallel()
	p := newTestEngine(t, customersDB(), testConfig())
	ctx := context.Background()

	p.Query(ctx, QueryInput{SQL: "SELECT id FROM dbo.Customers"})
	p.Query(ctx, QueryInput{SQL: "SELECT id FROM dbo.Customers"})
	p.Query(ctx, QueryInput{SQL: "DELETE FROM dbo.Customers"})

	c := p.Collector()
	if got := testutil.ToFloat64(c.toolCalls.WithLabelValues("query", "ok")); got != 2 {
		t.Fatalf("expected 2 successful query calls, got %v", got)
	}
	if got := testutil.ToFloat64(c.toolCalls.WithLabelValues("query", string(KindValidationRejected))); got != 1 {
		t.Fatalf("expected 1 rejected query call, got %v", got)
	}
	if n := testutil.CollectAndCount(c, "mssqlmcp_tool_duration_seconds"); n != 1 {
		t.Fatalf("expected one duration series, got %d", n)
	}
}

func TestCollector_CacheAndPoolState(t *testing.T) {
	t.Parallel()
	p := newTestEngine(t, catalogDB(), testConfig())
	ctx := context.Background()

	p.ListTables(ctx, ListTablesInput{})
	p.ListTables(ctx, ListTablesInput{})

	reg := prometheus.NewRegistry()
	reg.MustRegister(p.Collector())

	expected := `
# HELP mssqlmcp_cache_hits Metadata cache hits since the last cache_stats reset.
# TYPE mssqlmcp_cache_hits gauge
mssqlmcp_cache_hits 1
# HELP mssqlmcp_cache_keys Live metadata cache keys by prefix.
# TYPE mssqlmcp_cache_keys gauge
mssqlmcp_cache_keys{prefix="columns"} 0
mssqlmcp_cache_keys{prefix="dependencies"} 0
mssqlmcp_cache_keys{prefix="procedures"} 0
mssqlmcp_cache_keys{prefix="schema"} 0
mssqlmcp_cache_keys{prefix="tables"} 1
# HELP mssqlmcp_pool_attempts Connection acquisitions since the last statistics reset.
# TYPE mssqlmcp_pool_attempts gauge
mssqlmcp_pool_attempts 1
# HELP mssqlmcp_pool_circuit_state 1 for the current circuit breaker state.
# TYPE mssqlmcp_pool_circuit_state gauge
mssqlmcp_pool_circuit_state{state="closed"} 1
mssqlmcp_pool_circuit_state{state="half-open"} 0
mssqlmcp_pool_circuit_state{state="open"} 0
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"mssqlmcp_cache_hits", "mssqlmcp_cache_keys", "mssqlmcp_pool_attempts", "mssqlmcp_pool_circuit_state")
	if err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}

	p.CacheStats(ctx, CacheStatsInput{Reset: true})
	expected = `
# HELP mssqlmcp_cache_hits Metadata cache hits since the last cache_stats reset.
# TYPE mssqlmcp_cache_hits gauge
mssqlmcp_cache_hits 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "mssqlmcp_cache_hits"); err != nil {
		t.Fatalf("expected hits to reset: %v", err)
	}
}
