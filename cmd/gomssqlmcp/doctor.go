package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	mssqlmcp "github.com/rickchristie/mssql-mcp"
	"github.com/rickchristie/mssql-mcp/internal/meta"
)

func newDoctorCmd() *cobra.Command {
	var ping bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate the config and print agent connection snippets",
		RunE: func(cmd *cobra.Command, args []string) error {
			useColor := isTTY(os.Stderr.Fd())
			var pinger func(*mssqlmcp.ServerConfig) error
			if ping {
				pinger = func(config *mssqlmcp.ServerConfig) error {
					return pingDatabase(cmd.Context(), config)
				}
			}
			return doctor(os.Stderr, useColor, configPath(cmd), pinger)
		},
	}
	cmd.Flags().BoolVar(&ping, "ping", false, "Also connect to the database using the serve credentials")
	return cmd
}

func doctor(w io.Writer, useColor bool, configPath string, ping func(*mssqlmcp.ServerConfig) error) error {
	printBanner(w, useColor)
	fmt.Fprintf(w, "gomssqlmcp %s\n\n", meta.Version)

	config, ok := doctorValidateConfig(w, useColor, configPath)
	if ok && ping != nil {
		if err := ping(config); err != nil {
			printCheck(w, useColor, false, fmt.Sprintf("Database reachable: %v", err))
			ok = false
		} else {
			printCheck(w, useColor, true, fmt.Sprintf("Database reachable (%s)", config.Connection.Database))
		}
	}
	if !ok {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Fix the issues above and run 'gomssqlmcp doctor' again.")
		return nil
	}

	fmt.Fprintln(w)
	printAgentSnippets(w, useColor, config)
	return nil
}

// pingDatabase builds an engine the same way serve does and pings through it.
func pingDatabase(ctx context.Context, config *mssqlmcp.ServerConfig) error {
	var opts []mssqlmcp.Option
	if config.Connection.CommandTimeoutSeconds > 0 {
		opts = append(opts, mssqlmcp.WithCommandTimeout(time.Duration(config.Connection.CommandTimeoutSeconds)*time.Second))
	}
	engine, err := mssqlmcp.New(ctx, resolveConnString(config.Connection), config.Config, zerolog.Nop(), opts...)
	if err != nil {
		return err
	}
	defer engine.Close(ctx)
	return engine.Ping(ctx)
}

// doctorValidateConfig loads and validates the config file, printing check results.
// Returns the parsed config and true if all checks passed.
func doctorValidateConfig(w io.Writer, useColor bool, configPath string) (*mssqlmcp.ServerConfig, bool) {
	allPassed := true

	// Check 1: Config file exists and is valid JSON
	if _, err := os.Stat(configPath); err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Config file readable (%s)", configPath))
		return nil, false
	}
	printCheck(w, useColor, true, fmt.Sprintf("Config file readable (%s)", configPath))

	config, err := loadServerConfig(configPath)
	if err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Config file is valid JSON: %v", err))
		return nil, false
	}
	printCheck(w, useColor, true, "Config file is valid JSON")

	// Check 2: connection.database is set
	if config.Connection.Database == "" {
		printCheck(w, useColor, false, "connection.database is set")
		allPassed = false
	} else {
		printCheck(w, useColor, true, fmt.Sprintf("connection.database is set (%s)", config.Connection.Database))
	}

	// Check 3: server and connection settings
	if config.Server.Port <= 0 {
		printCheck(w, useColor, false, "server.port is > 0")
		allPassed = false
	} else {
		printCheck(w, useColor, true, fmt.Sprintf("server.port is > 0 (%d)", config.Server.Port))
	}
	if err := validateServerSettings(config); err != nil && config.Server.Port > 0 {
		printCheck(w, useColor, false, fmt.Sprintf("Server settings are consistent: %v", err))
		allPassed = false
	}

	// Check 4: Regex patterns compile
	regexOK := true
	checkPattern := func(label, pattern string) {
		if _, err := regexp.Compile(pattern); err != nil {
			printCheck(w, useColor, false, fmt.Sprintf("%s regex compiles: %v", label, err))
			regexOK = false
			allPassed = false
		}
	}
	for i, rule := range config.ErrorPrompts {
		checkPattern(fmt.Sprintf("error_prompts[%d]", i), rule.Pattern)
	}
	for i, rule := range config.Sanitization {
		checkPattern(fmt.Sprintf("sanitization[%d]", i), rule.Pattern)
		if rule.Columns != "" {
			checkPattern(fmt.Sprintf("sanitization[%d].columns", i), rule.Columns)
		}
	}
	for i, rule := range config.Query.TimeoutRules {
		checkPattern(fmt.Sprintf("timeout_rules[%d]", i), rule.Pattern)
	}
	for i, hook := range config.ServerHooks.BeforeQuery {
		checkPattern(fmt.Sprintf("server_hooks.before_query[%d]", i), hook.Pattern)
	}
	for i, hook := range config.ServerHooks.AfterQuery {
		checkPattern(fmt.Sprintf("server_hooks.after_query[%d]", i), hook.Pattern)
	}
	if regexOK {
		printCheck(w, useColor, true, "All regex patterns compile")
	}

	// Check 5: Hook commands resolve and a default timeout is set
	hooks := append(append([]mssqlmcp.HookEntry{}, config.ServerHooks.BeforeQuery...), config.ServerHooks.AfterQuery...)
	if len(hooks) > 0 {
		if config.DefaultHookTimeoutSeconds <= 0 {
			printCheck(w, useColor, false, "default_hook_timeout_seconds is > 0 (required when hooks are configured)")
			allPassed = false
		}
		for _, hook := range hooks {
			if _, err := exec.LookPath(hook.Command); err != nil {
				printCheck(w, useColor, false, fmt.Sprintf("Hook command found (%s): %v", hook.Command, err))
				allPassed = false
			}
		}
	}

	return config, allPassed
}

// printCheck prints a colored ✓ or ✗ check line.
func printCheck(w io.Writer, useColor bool, pass bool, msg string) {
	mark, color := "✓", "\033[32m"
	if !pass {
		mark, color = "✗", "\033[31m"
	}
	if useColor {
		fmt.Fprintf(w, "  %s%s\033[0m %s\n", color, mark, msg)
	} else {
		fmt.Fprintf(w, "  %s %s\n", mark, msg)
	}
}

// agentServerName is the MCP server name used in snippets.
const agentServerName = "sqlserver"

// printAgentSnippets prints MCP connection config snippets for various AI agents.
func printAgentSnippets(w io.Writer, useColor bool, config *mssqlmcp.ServerConfig) {
	url := fmt.Sprintf("http://localhost:%d/mcp", config.Server.Port)

	heading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "\033[1;36m%s\033[0m\n", title)
		} else {
			fmt.Fprintln(w, title)
		}
	}
	subheading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "  \033[1m%s\033[0m\n", title)
		} else {
			fmt.Fprintf(w, "  %s\n", title)
		}
	}
	// snippet prints a two-level JSON object: {"<root>": {"sqlserver": {fields}}}.
	snippet := func(root string, fields ...[2]string) {
		fmt.Fprintf(w, "  {\n    %q: {\n      %q: {\n", root, agentServerName)
		for i, f := range fields {
			sep := ","
			if i == len(fields)-1 {
				sep = ""
			}
			fmt.Fprintf(w, "        %q: %q%s\n", f[0], f[1], sep)
		}
		fmt.Fprint(w, "      }\n    }\n  }\n\n")
	}

	heading("Agent Connection Snippets")
	fmt.Fprintln(w)

	subheading("Claude Code")
	fmt.Fprintf(w, "  Run this command to add the server:\n\n")
	fmt.Fprintf(w, "    claude mcp add --transport http %s %s\n\n", agentServerName, url)
	fmt.Fprintf(w, "  Or add to .mcp.json (project scope):\n\n")
	snippet("mcpServers", [2]string{"type", "http"}, [2]string{"url", url})

	subheading("Copilot CLI (~/.copilot/mcp-config.json)")
	snippet("mcpServers", [2]string{"type", "http"}, [2]string{"url", url})

	subheading("Gemini CLI (~/.gemini/settings.json)")
	snippet("mcpServers", [2]string{"httpUrl", url})

	subheading("OpenCode (opencode.json)")
	snippet("mcp", [2]string{"type", "remote"}, [2]string{"url", url})

	subheading("Cursor (.cursor/mcp.json)")
	snippet("mcpServers", [2]string{"url", url})

	subheading("Windsurf (~/.codeium/windsurf/mcp_config.json)")
	snippet("mcpServers", [2]string{"serverUrl", url})
}
