package rpc

import (
	"fmt"

	"github.com/0x4b53/simple-amqp/codec"
)

// Status is the outcome of a call as reported by the server.
type Status int

// Statuses, numbered like their HTTP counterparts.
const (
	StatusOK              Status = 200
	StatusArgsMismatch    Status = 400
	StatusServiceNotFound Status = 404
	StatusMethodNotFound  Status = 405
	StatusCallError       Status = 500
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusArgsMismatch:
		return "CALL_ARGS_MISMATCH"
	case StatusServiceNotFound:
		return "SERVICE_NOT_FOUND"
	case StatusMethodNotFound:
		return "METHOD_NOT_FOUND"
	case StatusCallError:
		return "CALL_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Call is a request for service.method on the server listening on route.
type Call struct {
	Route   string
	Service string
	Method  string
	Args    []any
}

// Response is the server's answer to a Call.
type Response struct {
	Status Status
	Body   any
}

// OK reports whether the call succeeded.
func (r Response) OK() bool {
	return r.Status == StatusOK
}

// Err returns a *StatusError for responses that are not OK.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}

	return &StatusError{Status: r.Status, Body: r.Body}
}

// Scan converts the body into the value dst points to.
func (r Response) Scan(dst any) error {
	return codec.Assign(r.Body, dst)
}

// StatusError is an application level failure reported by the server.
type StatusError struct {
	Status Status
	Body   any
}

func (e *StatusError) Error() string {
	if e.Body == nil {
		return fmt.Sprintf("rpc: %s", e.Status)
	}

	return fmt.Sprintf("rpc: %s: %v", e.Status, e.Body)
}
