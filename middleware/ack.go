package middleware

import (
	"context"
	"log/slog"

	simpleamqp "github.com/0x4b53/simple-amqp"
)

// OnErrFunc is the function that will be called when the middleware get an
// error from `Ack`. The error and the correlation ID for the delivery will be
// passed.
type OnErrFunc func(err error, correlationID string)

// AckLogError is a built-in function that will log the error if any is returned
// from `Ack`.
//
//	middleware := AckDelivery(AckLogError)
func AckLogError(err error, correlationID string) {
	slog.Error("could not ack delivery",
		slog.String("correlation_id", correlationID),
		slog.Any("error", err),
	)
}

// AckDelivery is a middleware that will acknowledge the delivery after the
// callback has been executed, whatever it returned, unless the callback
// already settled it. Any error returned from the ack will be passed to
// onErrFn. Use it for consumers where a failed delivery must not be seen
// again.
func AckDelivery(onErrFn OnErrFunc) simpleamqp.ConsumerMiddlewareFunc {
	return func(next simpleamqp.ConsumerFunc) simpleamqp.ConsumerFunc {
		return func(ctx context.Context, msg simpleamqp.Message) (bool, error) {
			ok, err := next(ctx, msg)

			d, found := simpleamqp.DeliveryFromContext(ctx)
			if !found || d.Acknowledger == nil {
				return ok, err
			}

			if ackErr := d.Ack(); ackErr != nil {
				onErrFn(ackErr, msg.CorrelationID)
			}

			return ok, err
		}
	}
}
