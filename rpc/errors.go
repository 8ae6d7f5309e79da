package rpc

import "errors"

var (
	// ErrCallTimeout is returned when no response arrived in time.
	ErrCallTimeout = errors.New("rpc call timed out")

	// ErrNotConfigured is returned by Call before Configure or Start.
	ErrNotConfigured = errors.New("rpc is not configured")

	// ErrArgsMismatch can be wrapped by methods to report invalid arguments;
	// the caller then gets a CALL_ARGS_MISMATCH response.
	ErrArgsMismatch = errors.New("invalid call arguments")

	// ErrMethodPanic wraps the value recovered from a panicking method.
	ErrMethodPanic = errors.New("rpc method panicked")
)
