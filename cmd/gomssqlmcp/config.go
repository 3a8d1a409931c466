package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mssqlmcp "github.com/rickchristie/mssql-mcp"
)

const envPrefix = "GOMSSQLMCP"

// configPath resolves the config file location: --config, then
// GOMSSQLMCP_CONFIG_PATH, then the default.
func configPath(cmd *cobra.Command) string {
	v := viper.New()
	v.SetDefault("config", defaultConfigPath)
	if f := cmd.Flag("config"); f != nil {
		_ = v.BindPFlag("config", f)
	}
	_ = v.BindEnv("config", envPrefix+"_CONFIG_PATH")
	return v.GetString("config")
}

// loadServerConfig reads the JSON config file. Any key present in the file
// (or defaulted here) can be overridden by an environment variable, e.g.
// GOMSSQLMCP_SERVER_PORT or GOMSSQLMCP_LOGGING_LEVEL.
func loadServerConfig(path string) (*mssqlmcp.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("server.metrics_path", "/metrics")

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	var config mssqlmcp.ServerConfig
	err = v.Unmarshal(&config, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
		dc.Squash = true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return &config, nil
}

var encryptModes = []string{"", "true", "false", "strict", "disable"}

// validateServerSettings checks the CLI-only settings that New does not see.
func validateServerSettings(config *mssqlmcp.ServerConfig) error {
	var errs []error
	if config.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if config.Server.HealthCheckEnabled && config.Server.HealthCheckPath == "" {
		errs = append(errs, errors.New("server.health_check_path must be set when health_check_enabled is true"))
	}
	if config.Server.MetricsEnabled && config.Server.MetricsPath == "" {
		errs = append(errs, errors.New("server.metrics_path must be set when metrics_enabled is true"))
	}
	if config.Server.HealthCheckEnabled && config.Server.MetricsEnabled && config.Server.HealthCheckPath == config.Server.MetricsPath {
		errs = append(errs, errors.New("server.health_check_path and server.metrics_path must differ"))
	}
	for _, p := range []string{config.Server.HealthCheckPath, config.Server.MetricsPath} {
		if p == "/mcp" {
			errs = append(errs, errors.New("/mcp is reserved for the MCP endpoint"))
		}
	}
	if !isEncryptMode(config.Connection.Encrypt) {
		errs = append(errs, fmt.Errorf("connection.encrypt must be one of true, false, strict, disable (got %q)", config.Connection.Encrypt))
	}
	if config.Connection.CommandTimeoutSeconds < 0 {
		errs = append(errs, errors.New("connection.command_timeout_seconds must be >= 0"))
	}
	return errors.Join(errs...)
}

func isEncryptMode(s string) bool {
	for _, m := range encryptModes {
		if strings.EqualFold(s, m) {
			return true
		}
	}
	return false
}
