package mssqlmcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rickchristie/mssql-mcp/internal/connpool"
	"github.com/rickchristie/mssql-mcp/internal/formatter"
	"github.com/rickchristie/mssql-mcp/internal/hooks"
	"github.com/rickchristie/mssql-mcp/internal/validator"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"rejected", &validator.RejectedError{Operation: validator.OpDelete, Reason: "DELETE"}, KindValidationRejected},
		{"unsupported", fmt.Errorf("rewrite: %w", formatter.ErrUnsupported), KindRewriteUnsupported},
		{"invalid_argument", fmt.Errorf("rewrite: %w", formatter.ErrInvalidArgument), KindInvalidInput},
		{"input", newInputError("table name must be non-empty"), KindInvalidInput},
		{"circuit_open", fmt.Errorf("acquire: %w", connpool.ErrCircuitOpen), KindCircuitOpen},
		{"retry_exhausted", &connpool.RetryExhaustedError{Attempts: 3, Last: errors.New("login failed")}, KindTransient},
		{"cmd_hook", fmt.Errorf("before_query hook error: %w", &hooks.RejectedError{Message: "no"}), KindHookRejected},
		{"go_hook", fmt.Errorf("hook: %w", &hookRejectedError{err: errors.New("no")}), KindHookRejected},
		{"deadline", fmt.Errorf("query timed out: %w", context.DeadlineExceeded), KindTimeout},
		{"other", errors.New("Invalid object name 'dbo.Nope'."), KindQueryFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyError(tt.err, KindQueryFailed); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestClassifyError_Fallback(t *testing.T) {
	t.Parallel()
	if got := classifyError(errors.New("catalog read failed"), KindFactoryFailure); got != KindFactoryFailure {
		t.Fatalf("expected fallback kind, got %q", got)
	}
}

func TestTimeoutCause(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	err := timeoutCause(ctx, 0, errors.New("mssql: read tcp: i/o timeout"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the deadline to be attached, got %v", err)
	}

	plain := errors.New("Invalid column name 'x'.")
	if got := timeoutCause(context.Background(), 0, plain); got != plain {
		t.Fatalf("expected the error unchanged, got %v", got)
	}
}
