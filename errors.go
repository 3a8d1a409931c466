package mssqlmcp

import (
	"context"
	"errors"

	"github.com/rickchristie/mssql-mcp/internal/connpool"
	"github.com/rickchristie/mssql-mcp/internal/formatter"
	"github.com/rickchristie/mssql-mcp/internal/hooks"
	"github.com/rickchristie/mssql-mcp/internal/validator"
)

// ErrorKind is the machine-readable category attached to every error output.
type ErrorKind string

const (
	KindValidationRejected ErrorKind = "validation_rejected"
	KindRewriteUnsupported ErrorKind = "rewrite_unsupported"
	KindTransient          ErrorKind = "transient_connection_failure"
	KindCircuitOpen        ErrorKind = "circuit_open"
	KindFactoryFailure     ErrorKind = "factory_failure"
	KindQueryFailed        ErrorKind = "query_failed"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindTimeout            ErrorKind = "timeout"
	KindHookRejected       ErrorKind = "hook_rejected"
	KindResultTooLarge     ErrorKind = "result_too_large"
)

// inputError reports a malformed tool argument.
type inputError struct {
	msg string
}

func (e *inputError) Error() string { return e.msg }

func newInputError(msg string) error {
	return &inputError{msg: msg}
}

// hookRejectedError wraps an error returned by a Go hook.
type hookRejectedError struct {
	err error
}

func (e *hookRejectedError) Error() string { return e.err.Error() }
func (e *hookRejectedError) Unwrap() error { return e.err }

// classifyError maps err to an ErrorKind. fallback is used for errors that
// carry no recognizable category, such as a SQL error from the server.
func classifyError(err error, fallback ErrorKind) ErrorKind {
	var (
		rejected    *validator.RejectedError
		exhausted   *connpool.RetryExhaustedError
		hookReject  *hooks.RejectedError
		goHookError *hookRejectedError
		input       *inputError
	)
	switch {
	case errors.As(err, &rejected):
		return KindValidationRejected
	case errors.Is(err, formatter.ErrUnsupported):
		return KindRewriteUnsupported
	case errors.Is(err, formatter.ErrInvalidArgument), errors.As(err, &input):
		return KindInvalidInput
	case errors.Is(err, connpool.ErrCircuitOpen):
		return KindCircuitOpen
	case errors.As(err, &exhausted):
		return KindTransient
	case errors.As(err, &hookReject), errors.As(err, &goHookError):
		return KindHookRejected
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return fallback
	}
}
