package simpleamqp

import "context"

type ctxKey int

const (
	queueNameKey ctxKey = iota
	consumerTagKey
	shutdownChanKey
	deliveryKey
)

// ContextWithQueueName adds the given queueName to the provided context.
func ContextWithQueueName(ctx context.Context, queueName string) context.Context {
	return context.WithValue(ctx, queueNameKey, queueName)
}

// QueueNameFromContext returns the queue the current delivery came from.
func QueueNameFromContext(ctx context.Context) (string, bool) {
	queueName, ok := ctx.Value(queueNameKey).(string)
	return queueName, ok
}

// ContextWithConsumerTag adds the consumer tag to the provided context.
func ContextWithConsumerTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, consumerTagKey, tag)
}

// ConsumerTagFromContext returns the tag of the consumer handling the
// current delivery.
func ConsumerTagFromContext(ctx context.Context) (string, bool) {
	tag, ok := ctx.Value(consumerTagKey).(string)
	return tag, ok
}

// ContextWithShutdownChan adds a shutdown chan to the given context.
func ContextWithShutdownChan(ctx context.Context, ch <-chan struct{}) context.Context {
	return context.WithValue(ctx, shutdownChanKey, ch)
}

// ShutdownChanFromContext returns a chan closed when the connection starts
// stopping.
func ShutdownChanFromContext(ctx context.Context) (<-chan struct{}, bool) {
	ch, ok := ctx.Value(shutdownChanKey).(<-chan struct{})
	return ch, ok
}

// ContextWithDelivery adds the raw delivery to the provided context.
func ContextWithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey, d)
}

// DeliveryFromContext returns the delivery being handled. A callback may
// settle it with Ack or Nack, in which case the consumer skips the ack or
// nack it would otherwise send for the callback result.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey).(Delivery)
	return d, ok
}
