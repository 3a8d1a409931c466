package mssqlmcp

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rickchristie/mssql-mcp/internal/cache"
	"github.com/rickchristie/mssql-mcp/internal/connpool"
	"github.com/rickchristie/mssql-mcp/internal/errprompt"
	"github.com/rickchristie/mssql-mcp/internal/hooks"
	"github.com/rickchristie/mssql-mcp/internal/sanitize"
	"github.com/rickchristie/mssql-mcp/internal/timeout"
)

// SqlServerMcp is the core engine behind the query, metadata and
// introspection tools. All exported methods are safe for concurrent use.
type SqlServerMcp struct {
	config        Config
	conn          *ConnectionManager
	switchMu      sync.Mutex // serializes switch_database, including verification
	pool          *connpool.Manager
	cache         *cache.Service
	semaphore     chan struct{}
	cmdHooks      *hooks.Runner          // command-based hooks (CLI mode)
	goBeforeHooks []BeforeQueryHookEntry // Go function hooks (library mode)
	goAfterHooks  []AfterQueryHookEntry  // Go function hooks (library mode)
	sanitizer     *sanitize.Sanitizer
	errPrompts    *errprompt.Matcher
	timeoutMgr    *timeout.Manager
	metrics       *Collector
	logger        zerolog.Logger
}

// Option is a functional option for New().
type Option func(*options)

type options struct {
	serverHooks *ServerHooksConfig
	open        func(dsn string) (*sql.DB, error)
	cmdTimeout  time.Duration
}

// WithServerHooks passes command-based hook configuration to SqlServerMcp.
// Mutually exclusive with Config.BeforeQueryHooks/AfterQueryHooks (Go hooks).
func WithServerHooks(h ServerHooksConfig) Option {
	return func(o *options) {
		o.serverHooks = &h
	}
}

// WithOpener replaces sql.Open("sqlserver", dsn), for example to wrap the
// driver or to supply a connector.
func WithOpener(open func(dsn string) (*sql.DB, error)) Option {
	return func(o *options) {
		o.open = open
	}
}

// WithCommandTimeout bounds each connection attempt. The default is 15s.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		o.cmdTimeout = d
	}
}

// New creates a new SqlServerMcp instance.
// connString is a go-mssqldb connection string that includes credentials.
// In library mode, connString is required and ServerConfig.Connection is not
// consulted (the CLI builds connString from it plus prompted credentials).
// Panics on invalid config. Returns error only for runtime failures.
// No connection is opened until the first tool call.
func New(ctx context.Context, connString string, config Config, logger zerolog.Logger, opts ...Option) (*SqlServerMcp, error) {
	o := &options{cmdTimeout: 15 * time.Second}
	for _, opt := range opts {
		opt(o)
	}

	// --- Config validation (panics on invalid config) ---

	if connString == "" {
		panic("mssqlmcp: connString must be non-empty")
	}
	config = config.WithDefaults()
	validateConfig(config)

	hasGoHooks := len(config.BeforeQueryHooks) > 0 || len(config.AfterQueryHooks) > 0
	hasCmdHooks := o.serverHooks != nil && (len(o.serverHooks.BeforeQuery) > 0 || len(o.serverHooks.AfterQuery) > 0)
	if hasGoHooks && hasCmdHooks {
		panic("mssqlmcp: Go hooks (Config.BeforeQueryHooks/AfterQueryHooks) and command hooks (WithServerHooks) are mutually exclusive")
	}
	if (hasGoHooks || hasCmdHooks) && config.DefaultHookTimeoutSeconds <= 0 {
		panic("mssqlmcp: default_hook_timeout_seconds must be > 0 when hooks are configured")
	}
	for _, entry := range config.BeforeQueryHooks {
		if entry.Timeout < 0 || entry.Hook == nil {
			panic(fmt.Sprintf("mssqlmcp: before_query hook %q has a negative timeout or no hook", entry.Name))
		}
	}
	for _, entry := range config.AfterQueryHooks {
		if entry.Timeout < 0 || entry.Hook == nil {
			panic(fmt.Sprintf("mssqlmcp: after_query hook %q has a negative timeout or no hook", entry.Name))
		}
	}

	// --- Internal components ---

	connMgr, err := NewConnectionManager(connString, o.cmdTimeout)
	if err != nil {
		return nil, err
	}

	poolConfig := connpool.Config{
		Retry: connpool.RetryConfig{
			MaxAttempts:  config.Retry.MaxAttempts,
			InitialDelay: time.Duration(config.Retry.InitialDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(config.Retry.MaxDelayMs) * time.Millisecond,
			Multiplier:   config.Retry.BackoffMultiplier,
		},
		Breaker: connpool.BreakerConfig{
			Threshold: config.CircuitBreaker.FailureThreshold,
			Cooldown:  time.Duration(config.CircuitBreaker.CooldownSeconds) * time.Second,
		},
		MaxOpenConns:    config.Pool.MaxConns,
		MaxIdleConns:    config.Pool.MaxIdleConns,
		ConnMaxLifetime: mustParseDuration("pool.max_conn_lifetime", config.Pool.MaxConnLifetime),
		ConnMaxIdleTime: mustParseDuration("pool.max_conn_idle_time", config.Pool.MaxConnIdleTime),
		Open:            o.open,
	}
	pool := connpool.New(poolConfig, connMgr, logger.With().Str("component", "connpool").Logger())

	metadataCache := cache.New(cache.Config{
		DefaultTTL: seconds(config.Cache.DefaultTTLSeconds),
		TTLs: map[string]time.Duration{
			cache.PrefixTables:       seconds(config.Cache.TablesTTLSeconds),
			cache.PrefixProcedures:   seconds(config.Cache.ProceduresTTLSeconds),
			cache.PrefixSchema:       seconds(config.Cache.SchemaTTLSeconds),
			cache.PrefixColumns:      seconds(config.Cache.ColumnsTTLSeconds),
			cache.PrefixDependencies: seconds(config.Cache.DependenciesTTLSeconds),
		},
	}, logger.With().Str("component", "cache").Logger())

	san, err := sanitize.NewSanitizer(mapSanitizationRules(config.Sanitization))
	if err != nil {
		panic(fmt.Sprintf("mssqlmcp: %v", err))
	}
	matcher, err := errprompt.NewMatcher(mapErrorPromptRules(config.ErrorPrompts))
	if err != nil {
		panic(fmt.Sprintf("mssqlmcp: %v", err))
	}
	timeoutRules := make([]timeout.Rule, len(config.Query.TimeoutRules))
	for i, r := range config.Query.TimeoutRules {
		timeoutRules[i] = timeout.Rule{Pattern: r.Pattern, Timeout: seconds(r.TimeoutSeconds)}
	}
	tmgr, err := timeout.NewManager(timeout.Config{
		DefaultTimeout: seconds(config.Query.DefaultTimeoutSeconds),
		Rules:          timeoutRules,
	})
	if err != nil {
		panic(fmt.Sprintf("mssqlmcp: %v", err))
	}

	var cmdHooks *hooks.Runner
	if hasCmdHooks {
		hookEntries := func(entries []HookEntry) []hooks.HookEntry {
			result := make([]hooks.HookEntry, len(entries))
			for i, e := range entries {
				result[i] = hooks.HookEntry{
					Pattern: e.Pattern,
					Command: e.Command,
					Args:    e.Args,
					Timeout: seconds(e.TimeoutSeconds),
				}
			}
			return result
		}
		cmdHooks = hooks.NewRunner(hooks.Config{
			DefaultTimeout: seconds(config.DefaultHookTimeoutSeconds),
			BeforeQuery:    hookEntries(o.serverHooks.BeforeQuery),
			AfterQuery:     hookEntries(o.serverHooks.AfterQuery),
		}, logger.With().Str("component", "hooks").Logger())
	}

	p := &SqlServerMcp{
		config:        config,
		conn:          connMgr,
		pool:          pool,
		cache:         metadataCache,
		semaphore:     make(chan struct{}, config.Pool.MaxConns),
		cmdHooks:      cmdHooks,
		goBeforeHooks: config.BeforeQueryHooks,
		goAfterHooks:  config.AfterQueryHooks,
		sanitizer:     san,
		errPrompts:    matcher,
		timeoutMgr:    tmgr,
		logger:        logger,
	}
	p.metrics = newCollector(p)

	logger.Info().
		Str("connection", connMgr.Redacted()).
		Int("max_conns", config.Pool.MaxConns).
		Int("max_rows", config.Query.MaxRows).
		Msg("sql server engine ready")
	return p, nil
}

func validateConfig(c Config) {
	positive := map[string]int{
		"pool.max_conns":                    c.Pool.MaxConns,
		"retry.max_attempts":                c.Retry.MaxAttempts,
		"retry.initial_delay_ms":            c.Retry.InitialDelayMs,
		"retry.max_delay_ms":                c.Retry.MaxDelayMs,
		"circuit_breaker.failure_threshold": c.CircuitBreaker.FailureThreshold,
		"circuit_breaker.cooldown_seconds":  c.CircuitBreaker.CooldownSeconds,
		"cache.default_ttl_seconds":         c.Cache.DefaultTTLSeconds,
		"cache.tables_ttl_seconds":          c.Cache.TablesTTLSeconds,
		"cache.procedures_ttl_seconds":      c.Cache.ProceduresTTLSeconds,
		"cache.schema_ttl_seconds":          c.Cache.SchemaTTLSeconds,
		"cache.columns_ttl_seconds":         c.Cache.ColumnsTTLSeconds,
		"cache.dependencies_ttl_seconds":    c.Cache.DependenciesTTLSeconds,
		"query.default_timeout_seconds":     c.Query.DefaultTimeoutSeconds,
		"query.metadata_timeout_seconds":    c.Query.MetadataTimeoutSeconds,
		"query.max_rows":                    c.Query.MaxRows,
		"query.max_sql_length":              c.Query.MaxSQLLength,
		"query.max_result_length":           c.Query.MaxResultLength,
	}
	for name, v := range positive {
		if v <= 0 {
			panic(fmt.Sprintf("mssqlmcp: %s must be > 0, got %d", name, v))
		}
	}
	if c.Pool.MaxIdleConns < 0 {
		panic("mssqlmcp: pool.max_idle_conns must be >= 0")
	}
	if c.Retry.MaxDelayMs < c.Retry.InitialDelayMs {
		panic("mssqlmcp: retry.max_delay_ms must be >= retry.initial_delay_ms")
	}
	if c.Retry.BackoffMultiplier < 1 {
		panic(fmt.Sprintf("mssqlmcp: retry.backoff_multiplier must be >= 1, got %v", c.Retry.BackoffMultiplier))
	}
	for _, rule := range c.Query.TimeoutRules {
		if rule.TimeoutSeconds <= 0 {
			panic(fmt.Sprintf("mssqlmcp: timeout_rule with pattern %q has timeout_seconds <= 0", rule.Pattern))
		}
	}
}

func mustParseDuration(name, s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("mssqlmcp: invalid %s %q: %v", name, s, err))
	}
	return d
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Close releases the connection pool and the cache. The context is accepted
// for API symmetry; database/sql has no context-aware shutdown.
func (p *SqlServerMcp) Close(ctx context.Context) error {
	p.cache.Close()
	return p.pool.Close()
}

// Ping acquires a connection through the pool (retry and circuit breaker
// included) and pings the server with it.
func (p *SqlServerMcp) Ping(ctx context.Context) error {
	conn, err := p.pool.AcquireConnection(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()
	return conn.PingContext(ctx)
}

// mapSanitizationRules converts SanitizationRules to internal sanitize.Rules.
func mapSanitizationRules(rules []SanitizationRule) []sanitize.Rule {
	result := make([]sanitize.Rule, len(rules))
	for i, r := range rules {
		result[i] = sanitize.Rule{
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
			Columns:     r.Columns,
		}
	}
	return result
}

// mapErrorPromptRules converts ErrorPromptRules to internal errprompt.Rules.
func mapErrorPromptRules(rules []ErrorPromptRule) []errprompt.Rule {
	result := make([]errprompt.Rule, len(rules))
	for i, r := range rules {
		result[i] = errprompt.Rule{
			Pattern: r.Pattern,
			Message: r.Message,
			Kind:    r.Kind,
		}
	}
	return result
}
