package simpleamqp

import "context"

// ConsumerFunc handles one delivery. Returning true acks the delivery;
// returning false or an error nacks it with the consumer's requeue flag.
// Auto-ack consumers ignore the result.
type ConsumerFunc func(ctx context.Context, msg Message) (bool, error)

/*
ConsumerMiddlewareFunc represent a function that can be used as a middleware.

For example:

	func myMiddle(next ConsumerFunc) ConsumerFunc {
		// Preinitialization of middleware here.

		return func(ctx context.Context, msg Message) (bool, error) {
			// Before the callback here.

			ok, err := next(ctx, msg)

			// After the callback here.

			return ok, err
		}
	}

	conn := NewConnection(params)

	// Add middleware to one consumer.
	queue.Consume(myMiddle(callback), DefaultConsumeOptions())

	// Add middleware to all consumers of the connection.
	conn.AddMiddleware(myMiddle)
*/
type ConsumerMiddlewareFunc func(next ConsumerFunc) ConsumerFunc

// ConsumerMiddlewareChain will attach all given middlewares to your
// ConsumerFunc. The middlewares will be executed in the same order as your
// input.
func ConsumerMiddlewareChain(next ConsumerFunc, m ...ConsumerMiddlewareFunc) ConsumerFunc {
	if len(m) == 0 {
		return next
	}

	return m[0](ConsumerMiddlewareChain(next, m[1:]...))
}
