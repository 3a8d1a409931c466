package mssqlmcp

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const currentDatabaseSQL = `/* mssql-mcp:switch_database */ SELECT DB_NAME();`

// CacheStats returns the metadata cache hit/miss counters and what it holds.
// With Reset set the counters are zeroed after the snapshot is taken.
func (p *SqlServerMcp) CacheStats(ctx context.Context, input CacheStatsInput) *CacheStatsOutput {
	startTime := time.Now()
	out := &CacheStatsOutput{
		Metrics: p.cache.GetMetrics(),
		Info:    p.cache.GetCacheInfo(),
		Reset:   input.Reset,
	}
	if input.Reset {
		p.cache.ResetMetrics()
	}
	p.metrics.observeTool("cache_stats", "", time.Since(startTime))
	return out
}

// InvalidateCache removes cache entries whose keys match a glob pattern.
// An empty pattern or "*" clears the cache.
func (p *SqlServerMcp) InvalidateCache(ctx context.Context, input InvalidateCacheInput) *InvalidateCacheOutput {
	startTime := time.Now()
	pattern := strings.TrimSpace(input.Pattern)

	var removed int
	if pattern == "" || pattern == "*" {
		pattern = "*"
		removed = p.cache.Clear()
	} else {
		removed = p.cache.RemoveByPattern(pattern)
	}

	p.metrics.observeTool("invalidate_cache", "", time.Since(startTime))
	return &InvalidateCacheOutput{Pattern: pattern, Removed: removed}
}

// PoolStats returns connection acquisition statistics. With Reset set the
// counters are zeroed after the snapshot is taken.
func (p *SqlServerMcp) PoolStats(ctx context.Context, input PoolStatsInput) *PoolStatsOutput {
	startTime := time.Now()
	out := &PoolStatsOutput{
		Statistics: p.pool.GetStatistics(),
		Database:   p.conn.Database(),
		Reset:      input.Reset,
	}
	if input.Reset {
		p.pool.ResetStatistics()
		p.logger.Info().Msg("pool statistics reset")
	}
	p.metrics.observeTool("pool_stats", "", time.Since(startTime))
	return out
}

// SwitchDatabase points subsequent connections at another database on the
// same server. The switch is verified with a round trip; on failure the
// previous database stays in effect. Switches run one at a time so a failed
// switch never restores over a concurrent one. Cached metadata is keyed by database,
// so nothing is invalidated.
func (p *SqlServerMcp) SwitchDatabase(ctx context.Context, input SwitchDatabaseInput) *SwitchDatabaseOutput {
	startTime := time.Now()
	name := strings.TrimSpace(input.Database)

	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	prevConnString, prevDatabase := p.conn.snapshot()
	fail := func(err error) *SwitchDatabaseOutput {
		p.conn.restore(prevConnString, prevDatabase)
		msg, kind := p.handleError(fmt.Errorf("switch_database: %w", err), KindQueryFailed)
		p.metrics.observeTool("switch_database", kind, time.Since(startTime))
		return &SwitchDatabaseOutput{Previous: prevDatabase, Current: prevDatabase, Error: msg, ErrorKind: kind}
	}

	if _, err := p.conn.SwitchDatabase(name); err != nil {
		return fail(err)
	}

	var current string
	err := p.withMetadataConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var dbName sql.NullString
		if err := conn.QueryRowContext(ctx, currentDatabaseSQL).Scan(&dbName); err != nil {
			return fmt.Errorf("failed to verify database %q: %w", name, err)
		}
		current = dbName.String
		return nil
	})
	if err != nil {
		return fail(err)
	}
	if !strings.EqualFold(current, name) {
		return fail(fmt.Errorf("server reports database %q after switching to %q", current, name))
	}

	p.metrics.observeTool("switch_database", "", time.Since(startTime))
	p.logger.Info().
		Str("previous", prevDatabase).
		Str("current", name).
		Msg("database switched")
	return &SwitchDatabaseOutput{Previous: prevDatabase, Current: name}
}
