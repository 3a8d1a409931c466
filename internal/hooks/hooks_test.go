package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script in a temp dir. Tests here
// are not parallel: exec racing an open write fd fails with ETXTBSY.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func acceptScript(t *testing.T) string {
	return writeScript(t, "accept.sh", `cat >/dev/null
echo '{"accept":true}'`)
}

func rejectScript(t *testing.T) string {
	return writeScript(t, "reject.sh", `cat >/dev/null
echo '{"accept":false,"error_message":"rejected by test hook"}'`)
}

func modifyQueryScript(t *testing.T) string {
	return writeScript(t, "modify_query.sh", `cat >/dev/null
echo '{"accept":true,"modified_query":"SELECT 1 AS modified"}'`)
}

// captureScript writes its stdin to out and accepts.
func captureScript(t *testing.T, out string) string {
	return writeScript(t, "capture.sh", `cat > "`+out+`"
echo '{"accept":true}'`)
}

func slowScript(t *testing.T) string {
	return writeScript(t, "slow.sh", `exec sleep 30`)
}

func crashScript(t *testing.T) string {
	return writeScript(t, "crash.sh", `cat >/dev/null
echo "boom" >&2
exit 3`)
}

func badJSONScript(t *testing.T) string {
	return writeScript(t, "bad_json.sh", `cat >/dev/null
echo 'not json'`)
}

func newRunner(before, after []HookEntry) *Runner {
	return NewRunner(Config{DefaultTimeout: 5 * time.Second, BeforeQuery: before, AfterQuery: after}, zerolog.Nop())
}

func TestBeforeQuery_Accept(t *testing.T) {
	r := newRunner([]HookEntry{{Pattern: ".*", Command: acceptScript(t)}}, nil)
	got, _, err := r.RunBeforeQuery(context.Background(), "sales", "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", got)
}

func TestBeforeQuery_Reject(t *testing.T) {
	r := newRunner([]HookEntry{{Pattern: ".*", Command: rejectScript(t)}}, nil)
	_, _, err := r.RunBeforeQuery(context.Background(), "sales", "SELECT 1")
	require.Error(t, err)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, StageBeforeQuery, rej.Stage)
	assert.Contains(t, err.Error(), "rejected by test hook")
}

func TestBeforeQuery_EventEnvelope(t *testing.T) {
	out := filepath.Join(t.TempDir(), "event.json")
	r := newRunner([]HookEntry{{Pattern: "Orders", Command: captureScript(t, out)}}, nil)

	_, _, err := r.RunBeforeQuery(context.Background(), "sales", "SELECT TOP 5 * FROM dbo.Orders")
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, Event{Stage: StageBeforeQuery, Database: "sales", Query: "SELECT TOP 5 * FROM dbo.Orders"}, ev)
}

func TestBeforeQuery_ChainAndPatternReEval(t *testing.T) {
	r := newRunner([]HookEntry{
		{Pattern: ".*", Command: modifyQueryScript(t)},
		{Pattern: ".*", Command: acceptScript(t)},
	}, nil)
	got, executed, err := r.RunBeforeQuery(context.Background(), "sales", "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1 AS modified", got)
	assert.Len(t, executed, 2)

	r = newRunner([]HookEntry{
		{Pattern: ".*", Command: modifyQueryScript(t)},
		{Pattern: "modified", Command: rejectScript(t)},
	}, nil)
	_, _, err = r.RunBeforeQuery(context.Background(), "sales", "SELECT 1")
	assert.ErrorContains(t, err, "rejected by test hook")
}

func TestBeforeQuery_PatternNoMatch(t *testing.T) {
	r := newRunner([]HookEntry{{Pattern: "NEVER_MATCH", Command: rejectScript(t)}}, nil)
	got, executed, err := r.RunBeforeQuery(context.Background(), "sales", "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", got)
	assert.Empty(t, executed)
}

func TestBeforeQuery_Failures(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"crash", crashScript(t), "hook failed"},
		{"bad json", badJSONScript(t), "unparseable response"},
		{"missing binary", filepath.Join(t.TempDir(), "nope"), "hook failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRunner([]HookEntry{{Pattern: ".*", Command: tt.command}}, nil)
			_, _, err := r.RunBeforeQuery(context.Background(), "sales", "SELECT 1")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			var rej *RejectedError
			assert.False(t, errors.As(err, &rej))
		})
	}
}

func TestBeforeQuery_Timeout(t *testing.T) {
	r := NewRunner(Config{
		DefaultTimeout: 5 * time.Second,
		BeforeQuery:    []HookEntry{{Pattern: ".*", Command: slowScript(t), Timeout: 300 * time.Millisecond}},
	}, zerolog.Nop())

	start := time.Now()
	_, _, err := r.RunBeforeQuery(context.Background(), "sales", "SELECT 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook timed out")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestAfterQuery_AcceptAndModify(t *testing.T) {
	result := []byte(`{"columns":["a"],"rows":[]}`)

	r := newRunner(nil, []HookEntry{{Pattern: ".*", Command: acceptScript(t)}})
	got, _, err := r.RunAfterQuery(context.Background(), "sales", "SELECT 1", result)
	require.NoError(t, err)
	assert.JSONEq(t, string(result), string(got))

	modify := writeScript(t, "modify_result.sh", `cat >/dev/null
echo '{"accept":true,"modified_result":{"columns":["a"],"rows":[{"a":"modified"}]}}'`)
	r = newRunner(nil, []HookEntry{{Pattern: ".*", Command: modify}, {Pattern: ".*", Command: acceptScript(t)}})
	got, _, err = r.RunAfterQuery(context.Background(), "sales", "SELECT 1", result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"columns":["a"],"rows":[{"a":"modified"}]}`, string(got))
}

func TestAfterQuery_EventCarriesResult(t *testing.T) {
	out := filepath.Join(t.TempDir(), "event.json")
	r := newRunner(nil, []HookEntry{{Pattern: "(?i)customers", Command: captureScript(t, out)}})

	_, _, err := r.RunAfterQuery(context.Background(), "crm", "SELECT Email FROM dbo.Customers", []byte(`{"rows":[{"Email":"a@b.c"}]}`))
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, StageAfterQuery, ev.Stage)
	assert.Equal(t, "crm", ev.Database)
	assert.JSONEq(t, `{"rows":[{"Email":"a@b.c"}]}`, string(ev.Result))
}

func TestAfterQuery_PatternMatchesQuery(t *testing.T) {
	r := newRunner(nil, []HookEntry{{Pattern: "Payroll", Command: rejectScript(t)}})
	_, _, err := r.RunAfterQuery(context.Background(), "hr", "SELECT * FROM dbo.Departments", []byte(`{"rows":[]}`))
	require.NoError(t, err)

	_, _, err = r.RunAfterQuery(context.Background(), "hr", "SELECT * FROM dbo.Payroll", []byte(`{"rows":[]}`))
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, StageAfterQuery, rej.Stage)
}

func TestHookWithArgs(t *testing.T) {
	script := writeScript(t, "echo_args.sh", `cat >/dev/null
printf '{"accept":true,"modified_query":"SELECT 1 -- ARGS: %s"}' "$*"`)
	r := newRunner([]HookEntry{{Pattern: ".*", Command: script, Args: []string{"--flag", "value"}}}, nil)
	got, _, err := r.RunBeforeQuery(context.Background(), "sales", "SELECT 1")
	require.NoError(t, err)
	assert.Contains(t, got, "ARGS: --flag value")
}

func TestNewRunner_Panics(t *testing.T) {
	assert.PanicsWithValue(t, "hooks: default_hook_timeout_seconds must be > 0 when hooks are configured", func() {
		NewRunner(Config{BeforeQuery: []HookEntry{{Pattern: ".*", Command: "dummy"}}}, zerolog.Nop())
	})
	assert.Panics(t, func() {
		newRunner([]HookEntry{{Pattern: "[", Command: "dummy"}}, nil)
	})
	assert.Panics(t, func() {
		newRunner([]HookEntry{{Pattern: ".*"}}, nil)
	})
	assert.NotPanics(t, func() { NewRunner(Config{}, zerolog.Nop()) })
}

func TestHasAfterQueryHooks(t *testing.T) {
	assert.False(t, newRunner(nil, nil).HasAfterQueryHooks())
	assert.True(t, newRunner(nil, []HookEntry{{Pattern: ".*", Command: "x"}}).HasAfterQueryHooks())
}
