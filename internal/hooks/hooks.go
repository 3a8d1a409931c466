// Package hooks runs operator-supplied commands before a query executes and
// after its result is built. Each command gets a JSON event on stdin and
// answers with a JSON verdict on stdout.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// Stage names sent in the event envelope.
const (
	StageBeforeQuery = "before_query"
	StageAfterQuery  = "after_query"
)

// Config is the hook runner's own config type.
type Config struct {
	DefaultTimeout time.Duration
	BeforeQuery    []HookEntry
	AfterQuery     []HookEntry
}

// HookEntry defines a single command-based hook. Pattern is matched against
// the query text at both stages.
type HookEntry struct {
	Pattern string
	Command string
	Args    []string
	Timeout time.Duration // 0 means use DefaultTimeout
}

// Event is written to the hook's stdin.
type Event struct {
	Stage    string          `json:"stage"`
	Database string          `json:"database"`
	Query    string          `json:"query"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// BeforeQueryResult is the JSON response from a before_query hook.
type BeforeQueryResult struct {
	Accept        bool   `json:"accept"`
	ModifiedQuery string `json:"modified_query,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// AfterQueryResult is the JSON response from an after_query hook.
type AfterQueryResult struct {
	Accept         bool            `json:"accept"`
	ModifiedResult json.RawMessage `json:"modified_result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// RejectedError is returned when a hook answered accept=false.
type RejectedError struct {
	Stage   string
	Command string
	Message string
}

func (e *RejectedError) Error() string {
	return e.Message
}

type compiledHook struct {
	pattern *regexp.Regexp
	command string
	args    []string
	timeout time.Duration
}

// Runner executes command-based hooks.
type Runner struct {
	beforeQuery []compiledHook
	afterQuery  []compiledHook
	logger      zerolog.Logger
}

// NewRunner creates a new Runner. Panics on invalid regex or invalid config.
func NewRunner(config Config, logger zerolog.Logger) *Runner {
	if config.DefaultTimeout <= 0 && (len(config.BeforeQuery) > 0 || len(config.AfterQuery) > 0) {
		panic("hooks: default_hook_timeout_seconds must be > 0 when hooks are configured")
	}

	compile := func(entries []HookEntry) []compiledHook {
		compiled := make([]compiledHook, len(entries))
		for i, e := range entries {
			re, err := regexp.Compile(e.Pattern)
			if err != nil {
				panic(fmt.Sprintf("hooks: invalid regex pattern %q: %v", e.Pattern, err))
			}
			if e.Command == "" {
				panic(fmt.Sprintf("hooks: hook for pattern %q has no command", e.Pattern))
			}
			timeout := e.Timeout
			if timeout <= 0 {
				timeout = config.DefaultTimeout
			}
			compiled[i] = compiledHook{
				pattern: re,
				command: e.Command,
				args:    e.Args,
				timeout: timeout,
			}
		}
		return compiled
	}

	return &Runner{
		beforeQuery: compile(config.BeforeQuery),
		afterQuery:  compile(config.AfterQuery),
		logger:      logger,
	}
}

// HasAfterQueryHooks returns true if any AfterQuery hooks are configured.
func (r *Runner) HasAfterQueryHooks() bool {
	return len(r.afterQuery) > 0
}

// RunBeforeQuery runs matching hooks as a chain. Each hook sees the query as
// rewritten by the hooks before it, and patterns are re-evaluated against it.
// The commands that ran are returned for logging.
func (r *Runner) RunBeforeQuery(ctx context.Context, database, query string) (string, []string, error) {
	current := query
	var executed []string
	for _, hook := range r.beforeQuery {
		if !hook.pattern.MatchString(current) {
			continue
		}
		executed = append(executed, hook.command)
		output, err := r.executeHook(ctx, hook, Event{Stage: StageBeforeQuery, Database: database, Query: current})
		if err != nil {
			return "", executed, fmt.Errorf("before_query hook error: %w", err)
		}

		var result BeforeQueryResult
		if err := json.Unmarshal(output, &result); err != nil {
			return "", executed, fmt.Errorf("before_query hook returned unparseable response (command: %s): %w", hook.command, err)
		}

		if !result.Accept {
			return "", executed, rejected(StageBeforeQuery, hook.command, result.ErrorMessage, "query rejected by hook")
		}
		if result.ModifiedQuery != "" {
			current = result.ModifiedQuery
		}
	}
	return current, executed, nil
}

// RunAfterQuery runs matching hooks as a chain over the JSON-encoded result.
// The query is the one that produced the result and only drives pattern matching.
func (r *Runner) RunAfterQuery(ctx context.Context, database, query string, resultJSON []byte) ([]byte, []string, error) {
	current := resultJSON
	var executed []string
	for _, hook := range r.afterQuery {
		if !hook.pattern.MatchString(query) {
			continue
		}
		executed = append(executed, hook.command)
		output, err := r.executeHook(ctx, hook, Event{Stage: StageAfterQuery, Database: database, Query: query, Result: current})
		if err != nil {
			return nil, executed, fmt.Errorf("after_query hook error: %w", err)
		}

		var result AfterQueryResult
		if err := json.Unmarshal(output, &result); err != nil {
			return nil, executed, fmt.Errorf("after_query hook returned unparseable response (command: %s): %w", hook.command, err)
		}

		if !result.Accept {
			return nil, executed, rejected(StageAfterQuery, hook.command, result.ErrorMessage, "result rejected by hook")
		}
		if len(result.ModifiedResult) > 0 && string(result.ModifiedResult) != "null" {
			current = result.ModifiedResult
		}
	}
	return current, executed, nil
}

func rejected(stage, command, msg, fallback string) error {
	if msg == "" {
		msg = fallback
	}
	return &RejectedError{Stage: stage, Command: command, Message: msg}
}

func (r *Runner) executeHook(ctx context.Context, hook compiledHook, event Event) ([]byte, error) {
	input, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode hook event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, hook.timeout)
	defer cancel()

	// No shell: the command is executed directly with its args.
	cmd := exec.CommandContext(ctx, hook.command, hook.args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			r.logger.Warn().Str("command", hook.command).Str("stderr", stderr.String()).Msg("hook stderr output")
		}
		// Any failure stops the pipeline: non-zero exit, crash, or timeout.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("hook timed out after %s (command: %s): %w", hook.timeout, hook.command, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("hook failed (command: %s): %w", hook.command, err)
	}
	if stderr.Len() > 0 {
		r.logger.Debug().Str("command", hook.command).Str("stderr", stderr.String()).Msg("hook stderr output")
	}
	return output, nil
}
