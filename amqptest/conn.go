package amqptest

import (
	"context"
	"fmt"
	"slices"

	simpleamqp "github.com/0x4b53/simple-amqp"
)

type conn struct {
	broker   *Broker
	channels map[int]*channel
	closed   chan error
	isClosed bool
}

func (c *conn) Channel(ctx context.Context, number int) (simpleamqp.TransportChannel, error) {
	b := c.broker

	if err := b.intercept(ctx, simpleamqp.KindCreateChannel); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c.isClosed {
		return nil, ErrClosed
	}

	if _, ok := c.channels[number]; ok {
		return nil, fmt.Errorf("%w: channel %d already open", ErrPrecondition, number)
	}

	ch := &channel{
		conn:      c,
		number:    number,
		consumers: map[string]*consumer{},
		unacked:   map[uint64]unacked{},
		closed:    make(chan error, 1),
	}

	c.channels[number] = ch
	b.record(simpleamqp.CreateChannel{Number: number}.String())

	return ch, nil
}

func (c *conn) NotifyClose() <-chan error {
	return c.closed
}

func (c *conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	c.closeLocked(nil)

	return nil
}

// closeLocked closes every channel and the connection. A nil reason is a
// graceful close.
func (c *conn) closeLocked(reason error) {
	if c.isClosed {
		return
	}

	c.isClosed = true

	for _, ch := range c.channels {
		ch.closeLocked(reason)
	}

	b := c.broker

	for name, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueueLocked(name)
		}
	}

	delete(b.conns, c)

	if reason != nil {
		c.closed <- reason
	}

	close(c.closed)
}

type unacked struct {
	queue   *queue
	message message
}

type channel struct {
	conn      *conn
	number    int
	consumers map[string]*consumer
	unacked   map[uint64]unacked
	nextTag   uint64
	closed    chan error
	isClosed  bool
}

// begin runs fault injection and returns the broker locked when the
// operation may proceed.
func (ch *channel) begin(ctx context.Context, kind simpleamqp.ActionKind) error {
	b := ch.conn.broker

	if err := b.intercept(ctx, kind); err != nil {
		return err
	}

	b.mu.Lock()

	if ch.isClosed {
		b.mu.Unlock()
		return ErrClosed
	}

	return nil
}

func (ch *channel) end() {
	ch.conn.broker.mu.Unlock()
}

func (ch *channel) DeclareQueue(ctx context.Context, a simpleamqp.DeclareQueue) error {
	if err := ch.begin(ctx, simpleamqp.KindDeclareQueue); err != nil {
		return err
	}
	defer ch.end()

	b := ch.conn.broker

	name := a.Name
	if name == "" {
		name = generatedName()
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			return fmt.Errorf("%w: queue %s is exclusive to another connection", ErrPrecondition, name)
		}
	} else {
		b.queues[name] = &queue{
			name:       name,
			durable:    a.Durable,
			exclusive:  a.Exclusive,
			autoDelete: a.AutoDelete,
			owner:      ch.conn,
		}
	}

	b.record(a.String())

	return nil
}

func (ch *channel) DeclareExchange(ctx context.Context, a simpleamqp.DeclareExchange) error {
	if err := ch.begin(ctx, simpleamqp.KindDeclareExchange); err != nil {
		return err
	}
	defer ch.end()

	b := ch.conn.broker

	if e, ok := b.exchanges[a.Name]; ok {
		if e.kind != a.Type {
			return fmt.Errorf("%w: exchange %s is %s, not %s", ErrPrecondition, a.Name, e.kind, a.Type)
		}
	} else {
		b.exchanges[a.Name] = &exchange{name: a.Name, kind: a.Type, durable: a.Durable}
	}

	b.record(a.String())

	return nil
}

func (ch *channel) BindQueue(ctx context.Context, a simpleamqp.BindQueue) error {
	if err := ch.begin(ctx, simpleamqp.KindBindQueue); err != nil {
		return err
	}
	defer ch.end()

	b := ch.conn.broker

	e, ok := b.exchanges[a.Exchange]
	if !ok {
		return fmt.Errorf("%w: exchange %s", ErrNotFound, a.Exchange)
	}

	if _, ok := b.queues[a.Queue]; !ok {
		return fmt.Errorf("%w: queue %s", ErrNotFound, a.Queue)
	}

	e.bindings = append(e.bindings, binding{destination: a.Queue, key: a.RoutingKey, args: a.Props})
	b.record(a.String())

	return nil
}

func (ch *channel) BindExchange(ctx context.Context, a simpleamqp.BindExchange) error {
	if err := ch.begin(ctx, simpleamqp.KindBindExchange); err != nil {
		return err
	}
	defer ch.end()

	b := ch.conn.broker

	src, ok := b.exchanges[a.Source]
	if !ok {
		return fmt.Errorf("%w: exchange %s", ErrNotFound, a.Source)
	}

	if _, ok := b.exchanges[a.Destination]; !ok {
		return fmt.Errorf("%w: exchange %s", ErrNotFound, a.Destination)
	}

	src.bindings = append(src.bindings, binding{
		destination: a.Destination,
		toExchange:  true,
		key:         a.RoutingKey,
		args:        a.Props,
	})
	b.record(a.String())

	return nil
}

func (ch *channel) Consume(ctx context.Context, a simpleamqp.BindConsumer) (<-chan simpleamqp.Delivery, error) {
	if err := ch.begin(ctx, simpleamqp.KindBindConsumer); err != nil {
		return nil, err
	}
	defer ch.end()

	b := ch.conn.broker

	q, ok := b.queues[a.Queue]
	if !ok {
		return nil, fmt.Errorf("%w: queue %s", ErrNotFound, a.Queue)
	}

	if _, ok := ch.consumers[a.Tag]; ok {
		return nil, fmt.Errorf("%w: consumer tag %s in use", ErrPrecondition, a.Tag)
	}

	if a.Exclusive && len(q.consumers) > 0 {
		return nil, fmt.Errorf("%w: queue %s already has consumers", ErrPrecondition, a.Queue)
	}

	c := newConsumer(a.Tag, q, ch, a.AutoAck)
	ch.consumers[a.Tag] = c
	q.consumers = append(q.consumers, c)
	q.hadConsumer = true

	b.record(a.String())

	q.dispatch()

	return c.out, nil
}

func (ch *channel) Publish(ctx context.Context, msg simpleamqp.Message) error {
	if err := ch.begin(ctx, 0); err != nil {
		return err
	}
	defer ch.end()

	b := ch.conn.broker

	if err := b.publishLocked(msg); err != nil {
		return err
	}

	b.published = append(b.published, msg)

	return nil
}

func (ch *channel) Cancel(ctx context.Context, tag string) error {
	if err := ch.begin(ctx, 0); err != nil {
		return err
	}
	defer ch.end()

	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}

	ch.removeConsumerLocked(c, false)
	ch.conn.broker.record(fmt.Sprintf("Cancel(ch=%d tag=%s)", ch.number, tag))

	return nil
}

func (ch *channel) removeConsumerLocked(c *consumer, discard bool) {
	delete(ch.consumers, c.tag)

	q := c.queue
	q.removeConsumer(c)
	c.close(discard)

	if q.autoDelete && q.hadConsumer && len(q.consumers) == 0 {
		ch.conn.broker.deleteQueueLocked(q.name)
	}
}

func (ch *channel) NotifyClose() <-chan error {
	return ch.closed
}

func (ch *channel) Close() error {
	b := ch.conn.broker

	b.mu.Lock()
	defer b.mu.Unlock()

	ch.closeLocked(nil)

	return nil
}

func (ch *channel) closeLocked(reason error) {
	if ch.isClosed {
		return
	}

	ch.isClosed = true

	for _, c := range ch.consumers {
		ch.removeConsumerLocked(c, true)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}

	slices.Sort(tags)

	// Requeue in reverse so the oldest message ends up first.
	for i := len(tags) - 1; i >= 0; i-- {
		u := ch.unacked[tags[i]]
		delete(ch.unacked, tags[i])

		if _, ok := ch.conn.broker.queues[u.queue.name]; ok {
			u.queue.requeue(u.message)
		}
	}

	delete(ch.conn.channels, ch.number)

	if reason != nil {
		ch.closed <- reason
	}

	close(ch.closed)
}

// Ack implements simpleamqp.Acknowledger.
func (ch *channel) Ack(tag uint64) error {
	return ch.settle(tag, true, false)
}

// Nack implements simpleamqp.Acknowledger.
func (ch *channel) Nack(tag uint64, requeue bool) error {
	return ch.settle(tag, false, requeue)
}

func (ch *channel) settle(tag uint64, ack, requeue bool) error {
	b := ch.conn.broker

	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.isClosed {
		return ErrClosed
	}

	u, ok := ch.unacked[tag]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDeliveryTag, tag)
	}

	delete(ch.unacked, tag)
	b.settleLocked(u.queue, tag, u.message, ack, requeue)

	return nil
}
