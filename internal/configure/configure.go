// Package configure implements the interactive configuration wizard behind
// `gomssqlmcp configure`.
package configure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	mssqlmcp "github.com/rickchristie/mssql-mcp"
)

// Run runs the interactive configuration wizard.
// Reads existing config (if any), prompts for each field,
// writes updated config to the given path.
func Run(configPath string) error {
	return run(configPath, os.Stdin, os.Stderr)
}

var (
	encryptModes = []string{"true", "false", "strict", "disable"}
	logLevels    = []string{"debug", "info", "warn", "error"}
	logFormats   = []string{"json", "text"}
	errorKinds   = []string{
		"",
		string(mssqlmcp.KindValidationRejected),
		string(mssqlmcp.KindRewriteUnsupported),
		string(mssqlmcp.KindTransient),
		string(mssqlmcp.KindCircuitOpen),
		string(mssqlmcp.KindFactoryFailure),
		string(mssqlmcp.KindQueryFailed),
		string(mssqlmcp.KindInvalidInput),
		string(mssqlmcp.KindTimeout),
		string(mssqlmcp.KindHookRejected),
		string(mssqlmcp.KindResultTooLarge),
	}
)

func run(configPath string, input io.Reader, output io.Writer) error {
	cfg, isNew, err := loadExisting(configPath)
	if err != nil {
		return err
	}
	if isNew {
		applyDefaults(cfg)
	}

	p := &prompter{
		scanner: bufio.NewScanner(input),
		output:  output,
		isNew:   isNew,
	}

	fmt.Fprintf(output, "gomssqlmcp configuration wizard\n")
	fmt.Fprintf(output, "Config file: %s\n", configPath)
	fmt.Fprintf(output, "Credentials are not stored here; serve reads them from the environment or a prompt.\n")

	promptConnection(p, &cfg.Connection)
	promptServer(p, &cfg.Server)

	p.section("Logging")
	cfg.Logging.Level = p.promptEnum("logging.level", cfg.Logging.Level, logLevels)
	cfg.Logging.Format = p.promptEnum("logging.format", cfg.Logging.Format, logFormats)
	cfg.Logging.Output = p.promptString("logging.output", "stdout, stderr, or file path", cfg.Logging.Output)

	promptPoolAndRetry(p, &cfg.Config)
	promptCache(p, &cfg.Cache)

	p.section("Query")
	q := &cfg.Query
	q.DefaultTimeoutSeconds = p.promptInt("query.default_timeout_seconds", "seconds, must be > 0", q.DefaultTimeoutSeconds, 1)
	q.MetadataTimeoutSeconds = p.promptInt("query.metadata_timeout_seconds", "seconds, must be > 0", q.MetadataTimeoutSeconds, 1)
	q.MaxRows = p.promptInt("query.max_rows", "row cap injected as TOP/FETCH, must be > 0", q.MaxRows, 1)
	q.MaxSQLLength = p.promptInt("query.max_sql_length", "bytes, must be > 0", q.MaxSQLLength, 1)
	q.MaxResultLength = p.promptInt("query.max_result_length", "characters, must be > 0", q.MaxResultLength, 1)
	cfg.DefaultHookTimeoutSeconds = p.promptInt("default_hook_timeout_seconds", "seconds, must be > 0 when hooks are configured", cfg.DefaultHookTimeoutSeconds, 0)

	promptRules(p, cfg)

	if err := writeConfig(configPath, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(output, "\nConfiguration saved to %s\n", configPath)
	return nil
}

func promptConnection(p *prompter, c *mssqlmcp.ConnectionConfig) {
	p.section("Connection")
	c.Host = p.promptString("connection.host", "", c.Host)
	c.Port = p.promptInt("connection.port", "0 = driver default or SQL Browser", c.Port, 0)
	c.Instance = p.promptString("connection.instance", "named instance, e.g. SQLEXPRESS", c.Instance)
	c.Database = p.promptRequiredString("connection.database", "required", c.Database)
	c.Encrypt = p.promptEnum("connection.encrypt", c.Encrypt, encryptModes)
	c.TrustServerCertificate = p.promptBool("connection.trust_server_certificate", c.TrustServerCertificate)
	c.AppName = p.promptString("connection.app_name", "shown in sys.dm_exec_sessions", c.AppName)
	c.CommandTimeoutSeconds = p.promptInt("connection.command_timeout_seconds", "per connection attempt, 0 = 15s", c.CommandTimeoutSeconds, 0)
}

func promptServer(p *prompter, s *mssqlmcp.ServerSettings) {
	p.section("Server")
	s.Port = p.promptInt("server.port", "must be > 0", s.Port, 1)
	s.HealthCheckEnabled = p.promptBool("server.health_check_enabled", s.HealthCheckEnabled)
	s.HealthCheckPath = p.promptString("server.health_check_path", "e.g. /healthz, required when health_check_enabled is true", s.HealthCheckPath)
	s.MetricsEnabled = p.promptBool("server.metrics_enabled", s.MetricsEnabled)
	s.MetricsPath = p.promptString("server.metrics_path", "Prometheus scrape path", s.MetricsPath)
}

func promptPoolAndRetry(p *prompter, cfg *mssqlmcp.Config) {
	p.section("Pool")
	cfg.Pool.MaxConns = p.promptInt("pool.max_conns", "also caps concurrent tool calls, must be > 0", cfg.Pool.MaxConns, 1)
	cfg.Pool.MaxIdleConns = p.promptInt("pool.max_idle_conns", "must be >= 0", cfg.Pool.MaxIdleConns, 0)
	cfg.Pool.MaxConnLifetime = p.promptDuration("pool.max_conn_lifetime", "Go duration: e.g. 1h, 30m, 1h30m", cfg.Pool.MaxConnLifetime)
	cfg.Pool.MaxConnIdleTime = p.promptDuration("pool.max_conn_idle_time", "Go duration: e.g. 1h, 30m, 1h30m", cfg.Pool.MaxConnIdleTime)

	p.section("Retry")
	r := &cfg.Retry
	r.MaxAttempts = p.promptInt("retry.max_attempts", "including the first try, must be > 0", r.MaxAttempts, 1)
	r.InitialDelayMs = p.promptInt("retry.initial_delay_ms", "must be > 0", r.InitialDelayMs, 1)
	r.MaxDelayMs = p.promptInt("retry.max_delay_ms", "must be >= retry.initial_delay_ms", r.MaxDelayMs, r.InitialDelayMs)
	r.BackoffMultiplier = p.promptFloat("retry.backoff_multiplier", "must be >= 1", r.BackoffMultiplier, 1)

	p.section("Circuit Breaker")
	cb := &cfg.CircuitBreaker
	cb.FailureThreshold = p.promptInt("circuit_breaker.failure_threshold", "consecutive failures before opening, must be > 0", cb.FailureThreshold, 1)
	cb.CooldownSeconds = p.promptInt("circuit_breaker.cooldown_seconds", "seconds before a half-open trial, must be > 0", cb.CooldownSeconds, 1)
}

func promptCache(p *prompter, c *mssqlmcp.CacheConfig) {
	p.section("Metadata Cache")
	ttls := []struct {
		field string
		value *int
	}{
		{"cache.default_ttl_seconds", &c.DefaultTTLSeconds},
		{"cache.tables_ttl_seconds", &c.TablesTTLSeconds},
		{"cache.procedures_ttl_seconds", &c.ProceduresTTLSeconds},
		{"cache.schema_ttl_seconds", &c.SchemaTTLSeconds},
		{"cache.columns_ttl_seconds", &c.ColumnsTTLSeconds},
		{"cache.dependencies_ttl_seconds", &c.DependenciesTTLSeconds},
	}
	for _, ttl := range ttls {
		*ttl.value = p.promptInt(ttl.field, "seconds, must be > 0", *ttl.value, 1)
	}
}

func promptRules(p *prompter, cfg *mssqlmcp.ServerConfig) {
	p.section("Timeout Rules")
	cfg.Query.TimeoutRules = editList(p, "timeout rule", cfg.Query.TimeoutRules,
		func(r mssqlmcp.TimeoutRule) string {
			return fmt.Sprintf("pattern=%q timeout_seconds=%d", r.Pattern, r.TimeoutSeconds)
		},
		func() mssqlmcp.TimeoutRule {
			return mssqlmcp.TimeoutRule{
				Pattern:        p.promptNewRegexField("pattern", true),
				TimeoutSeconds: p.promptNewIntField("timeout_seconds", 1, 0),
			}
		})

	p.section("Error Prompts")
	cfg.ErrorPrompts = editList(p, "error prompt", cfg.ErrorPrompts,
		func(r mssqlmcp.ErrorPromptRule) string {
			return fmt.Sprintf("pattern=%q message=%q kind=%q", r.Pattern, r.Message, r.Kind)
		},
		func() mssqlmcp.ErrorPromptRule {
			return mssqlmcp.ErrorPromptRule{
				Pattern: p.promptNewRegexField("pattern", true),
				Message: p.promptNewField("message"),
				Kind:    p.promptNewEnumField("kind (empty = any)", errorKinds),
			}
		})

	p.section("Sanitization Rules")
	cfg.Sanitization = editList(p, "sanitization rule", cfg.Sanitization,
		func(r mssqlmcp.SanitizationRule) string {
			return fmt.Sprintf("pattern=%q replacement=%q columns=%q description=%q", r.Pattern, r.Replacement, r.Columns, r.Description)
		},
		func() mssqlmcp.SanitizationRule {
			return mssqlmcp.SanitizationRule{
				Pattern:     p.promptNewRegexField("pattern", true),
				Replacement: p.promptNewField("replacement"),
				Columns:     p.promptNewRegexField("columns (empty = all columns)", false),
				Description: p.promptNewField("description"),
			}
		})

	p.section("Server Hooks: Before Query")
	cfg.ServerHooks.BeforeQuery = editList(p, "server_hooks.before_query", cfg.ServerHooks.BeforeQuery, showHook, p.newHookEntry)

	p.section("Server Hooks: After Query")
	cfg.ServerHooks.AfterQuery = editList(p, "server_hooks.after_query", cfg.ServerHooks.AfterQuery, showHook, p.newHookEntry)
}

func showHook(e mssqlmcp.HookEntry) string {
	return fmt.Sprintf("pattern=%q command=%q args=%v timeout_seconds=%d", e.Pattern, e.Command, e.Args, e.TimeoutSeconds)
}

func (p *prompter) newHookEntry() mssqlmcp.HookEntry {
	entry := mssqlmcp.HookEntry{
		Pattern: p.promptNewRegexField("pattern", true),
		Command: p.promptNewField("command"),
	}
	if argsStr := p.promptNewField("args (comma-separated)"); argsStr != "" {
		for _, a := range strings.Split(argsStr, ",") {
			entry.Args = append(entry.Args, strings.TrimSpace(a))
		}
	}
	entry.TimeoutSeconds = p.promptNewIntField("timeout_seconds (0 = default_hook_timeout_seconds)", 0, 0)
	return entry
}

// loadExisting reads configPath. A missing file starts a new config; a file
// that exists but does not parse is an error, so the wizard never
// overwrites a config it could not read.
func loadExisting(configPath string) (*mssqlmcp.ServerConfig, bool, error) {
	cfg := &mssqlmcp.ServerConfig{}
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return cfg, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", configPath, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, false, fmt.Errorf("failed to parse %s: %w", configPath, err)
	}
	return cfg, false, nil
}

// applyDefaults fills a new config with the values New would pick, so the
// written file documents them.
func applyDefaults(cfg *mssqlmcp.ServerConfig) {
	cfg.Config = cfg.Config.WithDefaults()
	cfg.Connection.Host = "localhost"
	cfg.Connection.Port = 1433
	cfg.Connection.Encrypt = "true"
	cfg.Connection.AppName = "gomssqlmcp"
	cfg.Server.Port = 8080
	cfg.Server.MetricsPath = "/metrics"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stderr"
	cfg.Pool.MaxIdleConns = 2
	cfg.Pool.MaxConnLifetime = "1h"
	cfg.Pool.MaxConnIdleTime = "30m"
}

func writeConfig(configPath string, cfg *mssqlmcp.ServerConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", configPath, err)
	}
	return nil
}
