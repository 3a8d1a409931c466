package mssqlmcp

import (
	"context"
	"time"
)

// Config is the base configuration used by library mode via New().
// Zero values are replaced by defaults in New; negative values panic.
type Config struct {
	Pool                      PoolConfig           `json:"pool"`
	Retry                     RetryConfig          `json:"retry"`
	CircuitBreaker            CircuitBreakerConfig `json:"circuit_breaker"`
	Cache                     CacheConfig          `json:"cache"`
	Query                     QueryConfig          `json:"query"`
	ErrorPrompts              []ErrorPromptRule    `json:"error_prompts"`
	Sanitization              []SanitizationRule   `json:"sanitization"`
	DefaultHookTimeoutSeconds int                  `json:"default_hook_timeout_seconds"`

	// Library mode: Go function hooks (not serializable).
	// Mutually exclusive with ServerConfig.ServerHooks.
	BeforeQueryHooks []BeforeQueryHookEntry `json:"-"`
	AfterQueryHooks  []AfterQueryHookEntry  `json:"-"`
}

// ServerConfig embeds Config and adds server-only fields for CLI mode.
type ServerConfig struct {
	Config
	Connection  ConnectionConfig  `json:"connection"`
	Server      ServerSettings    `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	ServerHooks ServerHooksConfig `json:"server_hooks"`
}

// ConnectionConfig holds SQL Server connection parameters used by CLI mode.
// Credentials are never part of the config file.
type ConnectionConfig struct {
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	Instance               string `json:"instance"`
	Database               string `json:"database"`
	Encrypt                string `json:"encrypt"` // true, false, strict, disable
	TrustServerCertificate bool   `json:"trust_server_certificate"`
	AppName                string `json:"app_name"`
	CommandTimeoutSeconds  int    `json:"command_timeout_seconds"`
}

// PoolConfig holds database/sql pool settings.
type PoolConfig struct {
	MaxConns        int    `json:"max_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	MaxConnLifetime string `json:"max_conn_lifetime"`
	MaxConnIdleTime string `json:"max_conn_idle_time"`
}

// RetryConfig controls connection retries on transient failures.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts"`
	InitialDelayMs    int     `json:"initial_delay_ms"`
	MaxDelayMs        int     `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// CircuitBreakerConfig controls when connection attempts are paused.
type CircuitBreakerConfig struct {
	FailureThreshold int `json:"failure_threshold"`
	CooldownSeconds  int `json:"cooldown_seconds"`
}

// CacheConfig sets metadata cache TTLs per key prefix.
type CacheConfig struct {
	DefaultTTLSeconds      int `json:"default_ttl_seconds"`
	TablesTTLSeconds       int `json:"tables_ttl_seconds"`
	ProceduresTTLSeconds   int `json:"procedures_ttl_seconds"`
	SchemaTTLSeconds       int `json:"schema_ttl_seconds"`
	ColumnsTTLSeconds      int `json:"columns_ttl_seconds"`
	DependenciesTTLSeconds int `json:"dependencies_ttl_seconds"`
}

// ServerSettings holds HTTP server settings for CLI mode.
type ServerSettings struct {
	Port               int    `json:"port"`
	HealthCheckEnabled bool   `json:"health_check_enabled"`
	HealthCheckPath    string `json:"health_check_path"`
	MetricsEnabled     bool   `json:"metrics_enabled"`
	MetricsPath        string `json:"metrics_path"`
}

// LoggingConfig holds logging settings for CLI mode.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
	Output string `json:"output"` // stdout, stderr, or file path
}

// QueryConfig holds query execution settings.
type QueryConfig struct {
	DefaultTimeoutSeconds  int           `json:"default_timeout_seconds"`
	MetadataTimeoutSeconds int           `json:"metadata_timeout_seconds"`
	MaxRows                int           `json:"max_rows"`
	MaxSQLLength           int           `json:"max_sql_length"`
	MaxResultLength        int           `json:"max_result_length"`
	TimeoutRules           []TimeoutRule `json:"timeout_rules"`
}

// TimeoutRule maps a SQL pattern to a specific timeout duration.
type TimeoutRule struct {
	Pattern        string `json:"pattern"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ErrorPromptRule maps an error message pattern to a guidance message.
// Kind, when set, limits the rule to one ErrorKind.
type ErrorPromptRule struct {
	Pattern string `json:"pattern"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// SanitizationRule defines a regex-based field sanitization rule.
// Columns, when set, limits the rule to columns whose name matches it.
type SanitizationRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Columns     string `json:"columns"`
	Description string `json:"description"`
}

// ServerHooksConfig holds command-based hook configuration for CLI mode.
type ServerHooksConfig struct {
	BeforeQuery []HookEntry `json:"before_query"`
	AfterQuery  []HookEntry `json:"after_query"`
}

// HookEntry defines a single command-based hook.
type HookEntry struct {
	Pattern        string   `json:"pattern"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// BeforeQueryHook can inspect and modify queries before validation.
type BeforeQueryHook interface {
	Run(ctx context.Context, query string) (string, error)
}

// AfterQueryHook can inspect and modify results before they are returned.
type AfterQueryHook interface {
	Run(ctx context.Context, result *QueryOutput) (*QueryOutput, error)
}

// BeforeQueryHookEntry wraps a BeforeQueryHook with metadata.
type BeforeQueryHookEntry struct {
	Name    string
	Timeout time.Duration
	Hook    BeforeQueryHook
}

// AfterQueryHookEntry wraps an AfterQueryHook with metadata.
type AfterQueryHookEntry struct {
	Name    string
	Timeout time.Duration
	Hook    AfterQueryHook
}

// Defaults applied by WithDefaults.
const (
	DefaultMaxConns               = 10
	DefaultQueryTimeoutSeconds    = 30
	DefaultMetadataTimeoutSeconds = 15
	DefaultMaxRows                = 1000
	DefaultMaxSQLLength           = 100000
	DefaultMaxResultLength        = 100000
)

// WithDefaults returns a copy of c with zero values replaced by defaults.
// Negative values are left alone so New can reject them.
func (c Config) WithDefaults() Config {
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setInt(&c.Pool.MaxConns, DefaultMaxConns)

	setInt(&c.Retry.MaxAttempts, 3)
	setInt(&c.Retry.InitialDelayMs, 200)
	setInt(&c.Retry.MaxDelayMs, 5000)
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = 2
	}

	setInt(&c.CircuitBreaker.FailureThreshold, 5)
	setInt(&c.CircuitBreaker.CooldownSeconds, 30)

	setInt(&c.Cache.DefaultTTLSeconds, 300)
	setInt(&c.Cache.TablesTTLSeconds, 600)
	setInt(&c.Cache.ProceduresTTLSeconds, 300)
	setInt(&c.Cache.SchemaTTLSeconds, 1800)
	setInt(&c.Cache.ColumnsTTLSeconds, 1800)
	setInt(&c.Cache.DependenciesTTLSeconds, 900)

	setInt(&c.Query.DefaultTimeoutSeconds, DefaultQueryTimeoutSeconds)
	setInt(&c.Query.MetadataTimeoutSeconds, DefaultMetadataTimeoutSeconds)
	setInt(&c.Query.MaxRows, DefaultMaxRows)
	setInt(&c.Query.MaxSQLLength, DefaultMaxSQLLength)
	setInt(&c.Query.MaxResultLength, DefaultMaxResultLength)
	return c
}
