package simpleamqp

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionAborted is returned for every operation that was waiting
	// on the transport when the connection went away.
	ErrConnectionAborted = errors.New("connection aborted")

	// ErrUnexpectedConnClosed is the cause reported when the transport closes
	// without giving a reason.
	ErrUnexpectedConnClosed = errors.New("unexpected connection close")

	// ErrConnectFailed is returned when the transport refuses the connection.
	ErrConnectFailed = errors.New("failed to connect to broker")

	// ErrChannelNotReady is returned when publishing or cancelling on a
	// channel that has not been opened on the current connection.
	ErrChannelNotReady = errors.New("channel is not ready")

	// ErrUnknownExchange is returned when publishing to an exchange that has
	// not been declared on the publishing channel.
	ErrUnknownExchange = errors.New("exchange not declared on channel")

	// ErrNotRunning is returned when waiting on a connection that is not
	// started.
	ErrNotRunning = errors.New("connection is not running")

	// ErrAlreadyRunning is returned by Start on a running connection.
	ErrAlreadyRunning = errors.New("connection is already running")

	// ErrUnknownAction is returned for actions the driver cannot apply.
	ErrUnknownAction = errors.New("unknown action")
)

// ActionError reports which entry of the action log failed to apply.
type ActionError struct {
	Index  int
	Action Action
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %d (%s): %v", e.Index, e.Action, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// ConsumerError wraps a failure raised while handling a delivery.
type ConsumerError struct {
	Queue string
	Tag   string
	Err   error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("consumer %s on queue %s: %v", e.Tag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}
