package simpleamqp

import "context"

// Transport opens connections to a broker. AMQPTransport talks to RabbitMQ;
// amqptest.Broker is an in-memory implementation.
type Transport interface {
	Connect(ctx context.Context, params CreateConnection) (TransportConn, error)
}

// TransportConn is an open broker connection.
type TransportConn interface {
	Channel(ctx context.Context, number int) (TransportChannel, error)
	// NotifyClose delivers at most one error and is closed when the
	// connection is gone. A graceful close closes it without an error.
	NotifyClose() <-chan error
	Close() error
}

// TransportChannel is an open channel. Every method returns once the broker
// acknowledged the operation.
type TransportChannel interface {
	DeclareQueue(ctx context.Context, a DeclareQueue) error
	DeclareExchange(ctx context.Context, a DeclareExchange) error
	BindQueue(ctx context.Context, a BindQueue) error
	BindExchange(ctx context.Context, a BindExchange) error
	// Consume starts a consumer. The returned channel is closed when the
	// consumer is cancelled or the channel goes away.
	Consume(ctx context.Context, a BindConsumer) (<-chan Delivery, error)
	Publish(ctx context.Context, msg Message) error
	Cancel(ctx context.Context, tag string) error
	NotifyClose() <-chan error
	Close() error
}

// Acknowledger settles deliveries on the channel they arrived on.
type Acknowledger interface {
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

// Delivery is a message received by a consumer.
type Delivery struct {
	Message
	Tag          uint64
	Redelivered  bool
	Acknowledger Acknowledger
}

// Ack acknowledges the delivery.
func (d Delivery) Ack() error {
	return d.Acknowledger.Ack(d.Tag)
}

// Nack rejects the delivery.
func (d Delivery) Nack(requeue bool) error {
	return d.Acknowledger.Nack(d.Tag, requeue)
}
