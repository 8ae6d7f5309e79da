package middleware

import (
	"context"
	"log/slog"
	"time"

	simpleamqp "github.com/0x4b53/simple-amqp"
)

// LogDeliveries is a middleware logging every delivery with its outcome and
// the time the callback took. Failed deliveries are logged as warnings.
func LogDeliveries(logger *slog.Logger) simpleamqp.ConsumerMiddlewareFunc {
	logger = logger.With("component", "simpleamqp-deliveries")

	return func(next simpleamqp.ConsumerFunc) simpleamqp.ConsumerFunc {
		return func(ctx context.Context, msg simpleamqp.Message) (bool, error) {
			started := time.Now()

			ok, err := next(ctx, msg)

			queue, _ := simpleamqp.QueueNameFromContext(ctx)

			attrs := []any{
				slog.String("queue", queue),
				slog.Bool("ok", ok),
				slog.Duration("took", time.Since(started)),
				simpleamqp.MessageLogAttr("message", msg),
			}

			if err != nil || !ok {
				logger.Warn("delivery failed", append(attrs, slog.Any("error", err))...)
				return ok, err
			}

			logger.Debug("delivery handled", attrs...)

			return ok, err
		}
	}
}
