package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mssqlmcp "github.com/rickchristie/mssql-mcp"
)

func runDoctor(t *testing.T, path string, ping func(*mssqlmcp.ServerConfig) error) string {
	t.Helper()
	var buf bytes.Buffer
	if err := doctor(&buf, false, path, ping); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return buf.String()
}

func TestDoctorValidConfig(t *testing.T) {
	t.Parallel()
	output := runDoctor(t, writeConfigFile(t, t.TempDir(), validServerConfig()), nil)

	if strings.Contains(output, "✗") {
		t.Fatalf("expected all checks to pass, but found failures in output:\n%s", output)
	}
	for _, want := range []string{
		"Config file readable",
		"Config file is valid JSON",
		"connection.database is set (sales)",
		"server.port is > 0 (8080)",
		"All regex patterns compile",
		"Agent Connection Snippets",
		"claude mcp add --transport http sqlserver",
		`"sqlserver"`,
		"Copilot CLI",
		"Gemini CLI",
		"OpenCode",
		"Cursor",
		"Windsurf",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestDoctorMissingConfig(t *testing.T) {
	t.Parallel()
	output := runDoctor(t, "/nonexistent/path/config.json", nil)

	if !strings.Contains(output, "✗ Config file readable") {
		t.Fatalf("expected failed 'Config file readable' check:\n%s", output)
	}
	if strings.Contains(output, "Agent Connection Snippets") {
		t.Fatalf("expected no agent snippets when config is missing:\n%s", output)
	}
}

func TestDoctorInvalidJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{invalid json}"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	output := runDoctor(t, path, nil)

	if !strings.Contains(output, "✗ Config file is valid JSON") {
		t.Fatalf("expected failed 'Config file is valid JSON' check:\n%s", output)
	}
	if strings.Contains(output, "Agent Connection Snippets") {
		t.Fatalf("expected no agent snippets when JSON is invalid:\n%s", output)
	}
}

func TestDoctorMissingDatabase(t *testing.T) {
	t.Parallel()
	cfg := validServerConfig()
	cfg.Connection.Database = ""
	output := runDoctor(t, writeConfigFile(t, t.TempDir(), cfg), nil)

	if !strings.Contains(output, "✗ connection.database is set") {
		t.Fatalf("expected failed database check:\n%s", output)
	}
	if !strings.Contains(output, "Fix the issues above") {
		t.Fatalf("expected 'Fix the issues above' message in output:\n%s", output)
	}
}

func TestDoctorInconsistentServerSettings(t *testing.T) {
	t.Parallel()
	cfg := validServerConfig()
	cfg.Connection.Encrypt = "sometimes"
	output := runDoctor(t, writeConfigFile(t, t.TempDir(), cfg), nil)

	if !strings.Contains(output, "✗ Server settings are consistent") || !strings.Contains(output, "connection.encrypt") {
		t.Fatalf("expected failed settings check:\n%s", output)
	}
}

func TestDoctorInvalidRegex(t *testing.T) {
	t.Parallel()
	cfg := validServerConfig()
	cfg.ErrorPrompts = []mssqlmcp.ErrorPromptRule{{Pattern: "[invalid(regex", Message: "test"}}
	cfg.Sanitization = []mssqlmcp.SanitizationRule{{Pattern: ".*", Columns: "(unclosed"}}
	output := runDoctor(t, writeConfigFile(t, t.TempDir(), cfg), nil)

	if !strings.Contains(output, "error_prompts[0] regex compiles") {
		t.Fatalf("expected 'error_prompts[0] regex compiles' check in output:\n%s", output)
	}
	if !strings.Contains(output, "sanitization[0].columns regex compiles") {
		t.Fatalf("expected the columns pattern to be checked:\n%s", output)
	}
	if strings.Contains(output, "All regex patterns compile") {
		t.Fatalf("unexpected pass line:\n%s", output)
	}
}

func TestDoctorHooks(t *testing.T) {
	t.Parallel()
	cfg := validServerConfig()
	cfg.ServerHooks.AfterQuery = []mssqlmcp.HookEntry{{Pattern: ".*", Command: "gomssqlmcp-no-such-hook"}}
	output := runDoctor(t, writeConfigFile(t, t.TempDir(), cfg), nil)

	if !strings.Contains(output, "✗ default_hook_timeout_seconds is > 0") {
		t.Fatalf("expected the hook timeout check to fail:\n%s", output)
	}
	if !strings.Contains(output, "✗ Hook command found (gomssqlmcp-no-such-hook)") {
		t.Fatalf("expected the hook command check to fail:\n%s", output)
	}
}

func TestDoctorPing(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, t.TempDir(), validServerConfig())

	var pinged string
	output := runDoctor(t, path, func(c *mssqlmcp.ServerConfig) error {
		pinged = c.Connection.Database
		return nil
	})
	if pinged != "sales" || !strings.Contains(output, "✓ Database reachable (sales)") {
		t.Fatalf("expected a successful ping of sales:\n%s", output)
	}

	output = runDoctor(t, path, func(*mssqlmcp.ServerConfig) error {
		return errors.New("login failed for user 'sa'")
	})
	if !strings.Contains(output, "✗ Database reachable: login failed") {
		t.Fatalf("expected a failed ping check:\n%s", output)
	}
	if strings.Contains(output, "Agent Connection Snippets") {
		t.Fatalf("expected no snippets when the database is unreachable:\n%s", output)
	}
}

func TestDoctorPortInSnippets(t *testing.T) {
	t.Parallel()
	cfg := validServerConfig()
	cfg.Server.Port = 9999
	output := runDoctor(t, writeConfigFile(t, t.TempDir(), cfg), nil)

	// Claude Code command + .mcp.json, then one each for Copilot CLI,
	// Gemini CLI, OpenCode, Cursor and Windsurf.
	if count := strings.Count(output, `http://localhost:9999/mcp`); count != 7 {
		t.Fatalf("expected the URL 7 times in agent snippets, found %d:\n%s", count, output)
	}
}
