package simpleamqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrConsumerPanic wraps the value recovered from a panicking callback.
var ErrConsumerPanic = errors.New("consumer callback panicked")

// consume runs the callback of one consumer for every delivery, in order.
// It returns when the transport closes the delivery channel.
func (c *Connection) consume(
	s *session,
	lc *liveChannel,
	a BindConsumer,
	deliveries <-chan Delivery,
	stop <-chan struct{},
) {
	defer s.consumers.Done()

	c.mu.Lock()
	handler := ConsumerMiddlewareChain(a.Callback, c.middlewares...)
	c.mu.Unlock()

	logger := c.logger.With(
		slog.String("queue", a.Queue),
		slog.String("consumer_tag", a.Tag),
	)

	logger.Debug("waiting for messages on queue")

	for d := range deliveries {
		c.handleDelivery(s, handler, a, d, stop, logger)
	}

	c.mu.Lock()
	delete(lc.consumers, a.Tag)
	c.mu.Unlock()

	logger.Debug("stopped waiting for messages on queue")
}

func (c *Connection) handleDelivery(
	s *session,
	handler ConsumerFunc,
	a BindConsumer,
	d Delivery,
	stop <-chan struct{},
	logger *slog.Logger,
) {
	logger.Debug("got delivery",
		slog.Uint64("delivery_tag", d.Tag),
		slog.String("correlation_id", d.CorrelationID),
	)

	var ack *SafeAcknowledger

	if !a.AutoAck && d.Acknowledger != nil {
		ack = NewSafeAcknowledger(d.Acknowledger, logger, s.fail)
		d.Acknowledger = ack
	}

	ctx := context.Background()
	ctx = ContextWithShutdownChan(ctx, stop)
	ctx = ContextWithQueueName(ctx, a.Queue)
	ctx = ContextWithConsumerTag(ctx, a.Tag)
	ctx = ContextWithDelivery(ctx, d)

	ok, err := runCallback(ctx, handler, d.Message)
	if err != nil {
		c.notifyConsumerError(&ConsumerError{Queue: a.Queue, Tag: a.Tag, Err: err})
	}

	// Settled by the callback through the delivery in its context.
	if ack == nil || ack.Handled() {
		return
	}

	if ok && err == nil {
		_ = ack.Ack(d.Tag)
		return
	}

	_ = ack.Nack(d.Tag, a.NackRequeue)
}

// runCallback calls handler, turning a panic into an error.
func runCallback(ctx context.Context, handler ConsumerFunc, msg Message) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("%w: %v", ErrConsumerPanic, r)
		}
	}()

	return handler(ctx, msg)
}
