package rpc

import "context"

// SendFunc sends a call and returns its response.
type SendFunc func(ctx context.Context, call Call) (Response, error)

// ClientMiddlewareFunc represents a function that can be used as a client
// middleware.
type ClientMiddlewareFunc func(next SendFunc) SendFunc

// ClientMiddlewareChain will attach all given middlewares to your SendFunc.
// The middlewares will be executed in the same order as your input.
func ClientMiddlewareChain(next SendFunc, m ...ClientMiddlewareFunc) SendFunc {
	if len(m) == 0 {
		return next
	}

	return m[0](ClientMiddlewareChain(next, m[1:]...))
}
