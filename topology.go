package simpleamqp

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ExchangeKind is the AMQP exchange type.
type ExchangeKind string

// Exchange kinds supported by the broker.
const (
	ExchangeKindDirect  ExchangeKind = "direct"
	ExchangeKindFanout  ExchangeKind = "fanout"
	ExchangeKindTopic   ExchangeKind = "topic"
	ExchangeKindHeaders ExchangeKind = "headers"
)

// Pre-declared broker exchanges.
const (
	ExchangeDefaultDirect  = "amq.direct"
	ExchangeDefaultFanout  = "amq.fanout"
	ExchangeDefaultTopic   = "amq.topic"
	ExchangeDefaultHeaders = "amq.headers"
)

const (
	privatePrefix  = "private."
	consumerPrefix = "consumer."
)

// NewPrivateName returns a fresh name for an anonymous queue or exchange.
func NewPrivateName() string {
	return privatePrefix + uuid.NewString()
}

func newConsumerTag() string {
	return consumerPrefix + uuid.NewString()
}

// QueueOptions are the declaration flags of a queue.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Props      Props
}

// ExchangeOptions are the declaration flags of an exchange.
type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
	Props      Props
}

// ConsumeOptions control acknowledgement of a consumer.
type ConsumeOptions struct {
	// AutoAck lets the broker consider deliveries acknowledged on send. No
	// ack or nack is ever issued for an auto-ack consumer.
	AutoAck   bool
	Exclusive bool
	// NackRequeue is the requeue flag used when a delivery is rejected.
	NackRequeue bool
	Props       Props
}

// DefaultConsumeOptions returns manual ack with requeue on failure.
func DefaultConsumeOptions() ConsumeOptions {
	return ConsumeOptions{NackRequeue: true}
}

// Channel is a logical channel. Queues and exchanges declared with a name are
// cached per channel so repeated declarations return the same handle.
type Channel struct {
	conn   *Connection
	number int

	mu        sync.Mutex
	queues    map[string]*Queue
	exchanges map[string]*Exchange
}

// Number returns the channel number, starting at 1 for the first channel of a
// connection.
func (ch *Channel) Number() int {
	return ch.number
}

// Connection returns the connection owning the channel.
func (ch *Channel) Connection() *Connection {
	return ch.conn
}

// Queue returns the queue with the given name, declaring it if this channel
// has not seen it before. An empty name always declares a new queue with a
// generated name. Options are ignored when the queue is already known.
func (ch *Channel) Queue(name string, opts QueueOptions) *Queue {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if name != "" {
		if q, ok := ch.queues[name]; ok {
			return q
		}
	} else {
		name = NewPrivateName()
	}

	q := &Queue{
		channel: ch,
		name:    name,
		opts:    opts,
	}

	ch.queues[name] = q

	ch.conn.addAction(DeclareQueue{
		Channel:    ch.number,
		Name:       name,
		Durable:    opts.Durable,
		Exclusive:  opts.Exclusive,
		AutoDelete: opts.AutoDelete,
		Props:      opts.Props.clone(),
	})

	return q
}

// Exchange returns the exchange with the given name, declaring it if this
// channel has not seen it before. An empty name always declares a new
// exchange with a generated name.
func (ch *Channel) Exchange(name string, kind ExchangeKind, opts ExchangeOptions) *Exchange {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if name != "" {
		if e, ok := ch.exchanges[name]; ok {
			return e
		}
	} else {
		name = NewPrivateName()
	}

	e := &Exchange{
		channel: ch,
		name:    name,
		kind:    kind,
		opts:    opts,
	}

	ch.exchanges[name] = e

	ch.conn.addAction(DeclareExchange{
		Channel:    ch.number,
		Name:       name,
		Type:       kind,
		Durable:    opts.Durable,
		AutoDelete: opts.AutoDelete,
		Internal:   opts.Internal,
		Props:      opts.Props.clone(),
	})

	return e
}

// HasExchange reports whether an exchange with the given name was declared
// on this channel.
func (ch *Channel) HasExchange(name string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	_, ok := ch.exchanges[name]

	return ok
}

// Publish publishes msg on this channel. When msg.Exchange was declared on
// the channel but the declaration has not reached the broker yet, Publish
// waits for the connection to flush its log and tries once more.
func (ch *Channel) Publish(ctx context.Context, msg Message) error {
	err := ch.conn.Publish(ctx, ch, msg)
	if !errors.Is(err, ErrUnknownExchange) || !ch.HasExchange(msg.Exchange) {
		return err
	}

	if err := ch.conn.Flush(ctx); err != nil {
		return err
	}

	return ch.conn.Publish(ctx, ch, msg)
}

// CancelConsumer cancels a consumer started on this channel.
func (ch *Channel) CancelConsumer(ctx context.Context, c *Consumer) error {
	return ch.conn.CancelConsumer(ctx, ch, c)
}

// Queue is a logical queue.
type Queue struct {
	channel *Channel
	name    string
	opts    QueueOptions

	bindings  []BindQueue
	consumers []*Consumer
}

// Name returns the declared name.
func (q *Queue) Name() string {
	return q.name
}

// Channel returns the owning channel.
func (q *Queue) Channel() *Channel {
	return q.channel
}

// Options returns the flags the queue was declared with.
func (q *Queue) Options() QueueOptions {
	return q.opts
}

// Bind binds the queue to an exchange with the given routing key.
func (q *Queue) Bind(e *Exchange, routingKey string, props Props) *Queue {
	return q.BindName(e.Name(), routingKey, props)
}

// BindName binds the queue to an exchange by name. Used for exchanges that
// are not declared through this channel, e.g. amq.topic.
func (q *Queue) BindName(exchange, routingKey string, props Props) *Queue {
	ch := q.channel

	ch.mu.Lock()
	defer ch.mu.Unlock()

	a := BindQueue{
		Channel:    ch.number,
		Queue:      q.name,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Props:      props.clone(),
	}

	q.bindings = append(q.bindings, a)
	ch.conn.addAction(a)

	return q
}

// Bindings returns the bindings recorded for the queue.
func (q *Queue) Bindings() []BindQueue {
	q.channel.mu.Lock()
	defer q.channel.mu.Unlock()

	return append([]BindQueue(nil), q.bindings...)
}

// Consumers returns the consumers started on the queue.
func (q *Queue) Consumers() []*Consumer {
	q.channel.mu.Lock()
	defer q.channel.mu.Unlock()

	return append([]*Consumer(nil), q.consumers...)
}

// Consume registers cb as a consumer of the queue.
func (q *Queue) Consume(cb ConsumerFunc, opts ConsumeOptions) *Consumer {
	ch := q.channel

	ch.mu.Lock()
	defer ch.mu.Unlock()

	c := &Consumer{
		channel:  ch,
		queue:    q,
		tag:      newConsumerTag(),
		callback: cb,
		opts:     opts,
	}

	q.consumers = append(q.consumers, c)

	ch.conn.addAction(BindConsumer{
		Channel:     ch.number,
		Queue:       q.name,
		Tag:         c.tag,
		Callback:    cb,
		AutoAck:     opts.AutoAck,
		Exclusive:   opts.Exclusive,
		NackRequeue: opts.NackRequeue,
		Props:       opts.Props.clone(),
	})

	return c
}

// Exchange is a logical exchange.
type Exchange struct {
	channel *Channel
	name    string
	kind    ExchangeKind
	opts    ExchangeOptions
}

// Name returns the declared name.
func (e *Exchange) Name() string {
	return e.name
}

// Kind returns the exchange type.
func (e *Exchange) Kind() ExchangeKind {
	return e.kind
}

// Channel returns the owning channel.
func (e *Exchange) Channel() *Channel {
	return e.channel
}

// Options returns the flags the exchange was declared with.
func (e *Exchange) Options() ExchangeOptions {
	return e.opts
}

// Bind routes messages from source to this exchange.
func (e *Exchange) Bind(source *Exchange, routingKey string, props Props) *Exchange {
	e.channel.conn.addAction(BindExchange{
		Channel:     e.channel.number,
		Source:      source.Name(),
		Destination: e.name,
		RoutingKey:  routingKey,
		Props:       props.clone(),
	})

	return e
}

// Consumer is a registered queue consumer.
type Consumer struct {
	channel  *Channel
	queue    *Queue
	tag      string
	callback ConsumerFunc
	opts     ConsumeOptions
}

// Tag returns the generated consumer tag.
func (c *Consumer) Tag() string {
	return c.tag
}

// Queue returns the consumed queue.
func (c *Consumer) Queue() *Queue {
	return c.queue
}

// Channel returns the owning channel.
func (c *Consumer) Channel() *Channel {
	return c.channel
}

// Options returns the options the consumer was started with.
func (c *Consumer) Options() ConsumeOptions {
	return c.opts
}

// Cancel stops the consumer. It is not restarted on reconnect.
func (c *Consumer) Cancel(ctx context.Context) error {
	return c.channel.conn.CancelConsumer(ctx, c.channel, c)
}
