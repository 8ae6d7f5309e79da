package simpleamqp

import (
	"context"
	"crypto/tls"
	"maps"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPTransport connects to RabbitMQ with amqp091-go.
type AMQPTransport struct {
	name   string
	config amqp.Config
}

// NewAMQPTransport returns a transport dialing with DefaultDialer.
func NewAMQPTransport() *AMQPTransport {
	return &AMQPTransport{
		name: "simpleamqp",
		config: amqp.Config{
			Dial:       DefaultDialer(DefaultDialTimeout),
			Properties: amqp.Table{},
		},
	}
}

// WithName sets the connection_name property shown in the broker's
// management UI. It can be overridden by setting connection_name in the
// properties of WithDialConfig.
func (t *AMQPTransport) WithName(name string) *AMQPTransport {
	t.name = name

	return t
}

// WithDialConfig sets the dial config used for every connection.
func (t *AMQPTransport) WithDialConfig(c amqp.Config) *AMQPTransport {
	t.config = c

	return t
}

// WithDialTimeout sets the dial timeout and handshake deadline to timeout.
func (t *AMQPTransport) WithDialTimeout(timeout time.Duration) *AMQPTransport {
	t.config.Dial = DefaultDialer(timeout)

	return t
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker.
func (t *AMQPTransport) WithHeartbeat(interval time.Duration) *AMQPTransport {
	t.config.Heartbeat = interval

	return t
}

// WithTLS connects with amqps using tlsConfig.
func (t *AMQPTransport) WithTLS(tlsConfig *tls.Config) *AMQPTransport {
	t.config.TLSClientConfig = tlsConfig

	return t
}

// Connect dials the broker.
func (t *AMQPTransport) Connect(_ context.Context, p CreateConnection) (TransportConn, error) {
	config := t.config

	config.Properties = maps.Clone(config.Properties)
	if config.Properties == nil {
		config.Properties = amqp.Table{}
	}

	if _, ok := config.Properties["connection_name"]; !ok {
		config.Properties["connection_name"] = t.name
	}

	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
		Vhost:    p.VHost,
	}

	if config.TLSClientConfig != nil {
		uri.Scheme = "amqps"
	}

	conn, err := amqp.DialConfig(uri.String(), config)
	if err != nil {
		return nil, err
	}

	return &amqpConn{
		conn:   conn,
		closed: bridgeClose(conn.NotifyClose(make(chan *amqp.Error, 1))),
	}, nil
}

// bridgeClose forwards an amqp close notification as a plain error.
func bridgeClose(in <-chan *amqp.Error) <-chan error {
	out := make(chan error, 1)

	go func() {
		defer close(out)

		if err, ok := <-in; ok && err != nil {
			out <- err
		}
	}()

	return out
}

type amqpConn struct {
	conn   *amqp.Connection
	closed <-chan error
}

// Channel opens a channel. amqp091 assigns its own channel ids, so number
// is only used by the caller's bookkeeping.
func (c *amqpConn) Channel(_ context.Context, _ int) (TransportChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}

	return &amqpChannel{
		ch:     ch,
		closed: bridgeClose(ch.NotifyClose(make(chan *amqp.Error, 1))),
	}, nil
}

func (c *amqpConn) NotifyClose() <-chan error {
	return c.closed
}

func (c *amqpConn) Close() error {
	if c.conn.IsClosed() {
		return nil
	}

	return c.conn.Close()
}

type amqpChannel struct {
	ch     *amqp.Channel
	closed <-chan error
}

func (c *amqpChannel) DeclareQueue(_ context.Context, a DeclareQueue) error {
	_, err := c.ch.QueueDeclare(
		a.Name,
		a.Durable,
		a.AutoDelete,
		a.Exclusive,
		false, // no-wait
		amqp.Table(a.Props),
	)

	return err
}

func (c *amqpChannel) DeclareExchange(_ context.Context, a DeclareExchange) error {
	return c.ch.ExchangeDeclare(
		a.Name,
		string(a.Type),
		a.Durable,
		a.AutoDelete,
		a.Internal,
		false, // no-wait
		amqp.Table(a.Props),
	)
}

func (c *amqpChannel) BindQueue(_ context.Context, a BindQueue) error {
	return c.ch.QueueBind(a.Queue, a.RoutingKey, a.Exchange, false, amqp.Table(a.Props))
}

func (c *amqpChannel) BindExchange(_ context.Context, a BindExchange) error {
	return c.ch.ExchangeBind(a.Destination, a.RoutingKey, a.Source, false, amqp.Table(a.Props))
}

func (c *amqpChannel) Consume(_ context.Context, a BindConsumer) (<-chan Delivery, error) {
	in, err := c.ch.Consume(
		a.Queue,
		a.Tag,
		a.AutoAck,
		a.Exclusive,
		false, // no-local is not supported by RabbitMQ.
		false, // no-wait
		amqp.Table(a.Props),
	)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)

	go func() {
		defer close(out)

		for d := range in {
			out <- deliveryFromAMQP(d)
		}
	}()

	return out, nil
}

func (c *amqpChannel) Publish(ctx context.Context, msg Message) error {
	return c.ch.PublishWithContext(
		ctx,
		msg.Exchange,
		msg.Topic,
		false, // mandatory
		false, // immediate, not supported by RabbitMQ.
		publishingFromMessage(msg),
	)
}

func (c *amqpChannel) Cancel(_ context.Context, tag string) error {
	return c.ch.Cancel(tag, false)
}

func (c *amqpChannel) NotifyClose() <-chan error {
	return c.closed
}

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}

	return c.ch.Close()
}

type amqpAcknowledger struct {
	acknowledger amqp.Acknowledger
}

func (a amqpAcknowledger) Ack(tag uint64) error {
	return a.acknowledger.Ack(tag, false)
}

func (a amqpAcknowledger) Nack(tag uint64, requeue bool) error {
	return a.acknowledger.Nack(tag, false, requeue)
}

func publishingFromMessage(msg Message) amqp.Publishing {
	p := amqp.Publishing{
		Headers:         amqp.Table(msg.Headers),
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		CorrelationId:   msg.CorrelationID,
		ReplyTo:         msg.ReplyTo,
		Body:            msg.Payload,
	}

	if msg.Expiration > 0 {
		p.Expiration = strconv.FormatInt(max(msg.Expiration.Milliseconds(), 1), 10)
	}

	return p
}

func deliveryFromAMQP(d amqp.Delivery) Delivery {
	msg := Message{
		Payload:         d.Body,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		Exchange:        d.Exchange,
		Topic:           d.RoutingKey,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Headers:         map[string]any(d.Headers),
	}

	if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && ms > 0 {
		msg.Expiration = time.Duration(ms) * time.Millisecond
	}

	var acknowledger Acknowledger
	if d.Acknowledger != nil {
		acknowledger = amqpAcknowledger{acknowledger: d.Acknowledger}
	}

	return Delivery{
		Message:      msg,
		Tag:          d.DeliveryTag,
		Redelivered:  d.Redelivered,
		Acknowledger: acknowledger,
	}
}
