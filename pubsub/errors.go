package pubsub

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned by Push before Configure or Start.
	ErrNotConfigured = errors.New("pubsub is not configured")

	// ErrNoHandler is reported for events nobody listens to.
	ErrNoHandler = errors.New("no handler for event")

	// ErrHandlerPanic wraps the value recovered from a panicking handler.
	ErrHandlerPanic = errors.New("event handler panicked")
)

// HandlerError is reported when a handler fails an event.
type HandlerError struct {
	Event Event
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("event %s.%s (retry %d): %v", e.Event.Service, e.Event.Topic, e.Event.RetryCount, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
