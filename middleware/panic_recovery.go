package middleware

import (
	"context"

	simpleamqp "github.com/0x4b53/simple-amqp"
)

// RecoveryFunc is called with the value a callback panicked with.
type RecoveryFunc func(ctx context.Context, r any, msg simpleamqp.Message)

// PanicRecovery is a middleware that will recover if a consumer callback
// panics. onRecovery is called with the recovered value and the delivery is
// rejected.
func PanicRecovery(onRecovery RecoveryFunc) simpleamqp.ConsumerMiddlewareFunc {
	return func(next simpleamqp.ConsumerFunc) simpleamqp.ConsumerFunc {
		return func(ctx context.Context, msg simpleamqp.Message) (ok bool, err error) {
			defer func() {
				if r := recover(); r != nil {
					onRecovery(ctx, r, msg)

					ok, err = false, nil
				}
			}()

			return next(ctx, msg)
		}
	}
}
