// Package amqptest provides an in-memory broker implementing
// simpleamqp.Transport, for testing code built on simpleamqp without
// RabbitMQ.
package amqptest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	simpleamqp "github.com/0x4b53/simple-amqp"
)

var (
	// ErrClosed is returned by operations on a closed connection or channel.
	ErrClosed = errors.New("amqptest: closed")

	// ErrNotFound is returned when a queue or exchange does not exist.
	ErrNotFound = errors.New("amqptest: not found")

	// ErrPrecondition is returned when redeclaring an entity with different
	// arguments or consuming exclusively a queue that has consumers.
	ErrPrecondition = errors.New("amqptest: precondition failed")

	// ErrUnknownDeliveryTag is returned when settling a delivery twice.
	ErrUnknownDeliveryTag = errors.New("amqptest: unknown delivery tag")

	// ErrConnectionRefused is returned by Connect while the broker is down.
	ErrConnectionRefused = errors.New("amqptest: connection refused")

	// ErrBrokerRestart is the close reason used by Restart.
	ErrBrokerRestart = errors.New("amqptest: broker restarted")
)

// Settlement records an ack or nack of a delivery.
type Settlement struct {
	Queue   string
	Tag     uint64
	Ack     bool
	Requeue bool
	Message simpleamqp.Message
}

// Broker is an in-memory AMQP broker. The zero value is not usable; create
// one with NewBroker.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*conn]struct{}

	down     bool
	connects int
	faults   map[simpleamqp.ActionKind][]error
	blocks   map[simpleamqp.ActionKind]int
	blocked  int

	ops         []string
	published   []simpleamqp.Message
	settlements []Settlement
}

// NewBroker returns a broker with the amq.* exchanges declared.
func NewBroker() *Broker {
	b := &Broker{
		exchanges: map[string]*exchange{},
		queues:    map[string]*queue{},
		conns:     map[*conn]struct{}{},
		faults:    map[simpleamqp.ActionKind][]error{},
		blocks:    map[simpleamqp.ActionKind]int{},
	}

	b.declareDefaults()

	return b
}

func (b *Broker) declareDefaults() {
	for name, kind := range map[string]simpleamqp.ExchangeKind{
		simpleamqp.ExchangeDefaultDirect:  simpleamqp.ExchangeKindDirect,
		simpleamqp.ExchangeDefaultTopic:   simpleamqp.ExchangeKindTopic,
		simpleamqp.ExchangeDefaultFanout:  simpleamqp.ExchangeKindFanout,
		simpleamqp.ExchangeDefaultHeaders: simpleamqp.ExchangeKindHeaders,
	} {
		if _, ok := b.exchanges[name]; !ok {
			b.exchanges[name] = &exchange{name: name, kind: kind, durable: true}
		}
	}
}

// Connect implements simpleamqp.Transport.
func (b *Broker) Connect(ctx context.Context, params simpleamqp.CreateConnection) (simpleamqp.TransportConn, error) {
	if err := b.intercept(ctx, simpleamqp.KindCreateConnection); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, ErrConnectionRefused
	}

	c := &conn{
		broker:   b,
		channels: map[int]*channel{},
		closed:   make(chan error, 1),
	}

	b.conns[c] = struct{}{}
	b.connects++
	b.ops = append(b.ops, params.String())

	return c, nil
}

// FailNext makes the next operation of the given kind fail with err.
// Repeated calls queue up failures.
func (b *Broker) FailNext(kind simpleamqp.ActionKind, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.faults[kind] = append(b.faults[kind], err)
}

// BlockNext makes the next operation of the given kind hang until its
// context is done, as if the broker stopped answering.
func (b *Broker) BlockNext(kind simpleamqp.ActionKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.blocks[kind]++
}

// Blocked returns the number of operations currently held by BlockNext.
func (b *Broker) Blocked() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.blocked
}

// SetDown refuses new connections while down is true.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.down = down
}

// DropConnections closes every open connection with err, as if the network
// went away. Unacknowledged messages are requeued.
func (b *Broker) DropConnections(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.conns {
		c.closeLocked(err)
	}
}

// Restart drops every connection and forgets all non-durable queues and
// exchanges, like a broker restart.
func (b *Broker) Restart() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.conns {
		c.closeLocked(ErrBrokerRestart)
	}

	for name, q := range b.queues {
		if !q.durable {
			b.deleteQueueLocked(name)
		}
	}

	for name, e := range b.exchanges {
		if !e.durable {
			delete(b.exchanges, name)
		}
	}
}

// Inject routes msg as if another client had published it.
func (b *Broker) Inject(msg simpleamqp.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.publishLocked(msg)
}

// Ops returns the operations performed through the transport, rendered with
// the String method of the matching simpleamqp action. Cancels are rendered
// as Cancel(ch=N tag=T).
func (b *Broker) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.ops)
}

// ResetOps forgets recorded operations.
func (b *Broker) ResetOps() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ops = nil
}

// Published returns every message published by clients.
func (b *Broker) Published() []simpleamqp.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.published)
}

// Settlements returns every ack and nack in order.
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.settlements)
}

// Connects returns the number of accepted connections so far.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.connects
}

// OpenConnections returns the number of connections not closed yet.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.conns)
}

// HasQueue reports whether the queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.queues[name]

	return ok
}

// HasExchange reports whether the exchange exists.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.exchanges[name]

	return ok
}

// QueueLen returns the number of ready messages in a queue.
func (b *Broker) QueueLen(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return 0
	}

	return len(q.messages)
}

// Consumers returns the number of consumers of a queue.
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return 0
	}

	return len(q.consumers)
}

// BindingKeys returns the routing keys binding queue to exchange.
func (b *Broker) BindingKeys(exchangeName, queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}

	var keys []string

	for _, bd := range e.bindings {
		if !bd.toExchange && bd.destination == queueName {
			keys = append(keys, bd.key)
		}
	}

	return keys
}

func (b *Broker) intercept(ctx context.Context, kind simpleamqp.ActionKind) error {
	b.mu.Lock()

	if faults := b.faults[kind]; len(faults) > 0 {
		b.faults[kind] = faults[1:]
		b.mu.Unlock()

		return faults[0]
	}

	block := b.blocks[kind] > 0
	if block {
		b.blocks[kind]--
		b.blocked++
	}

	b.mu.Unlock()

	if !block {
		return nil
	}

	defer func() {
		b.mu.Lock()
		b.blocked--
		b.mu.Unlock()
	}()

	<-ctx.Done()

	return ctx.Err()
}

func (b *Broker) record(op string) {
	b.ops = append(b.ops, op)
}

func (b *Broker) publishLocked(msg simpleamqp.Message) error {
	if msg.Exchange == "" {
		if q, ok := b.queues[msg.Topic]; ok {
			q.enqueue(message{msg: msg})
		}

		return nil
	}

	e, ok := b.exchanges[msg.Exchange]
	if !ok {
		return fmt.Errorf("%w: exchange %s", ErrNotFound, msg.Exchange)
	}

	targets := map[string]struct{}{}
	b.routeLocked(e, msg, targets, map[string]struct{}{})

	names := slices.Sorted(maps.Keys(targets))
	for _, name := range names {
		b.queues[name].enqueue(message{msg: msg})
	}

	return nil
}

func (b *Broker) routeLocked(e *exchange, msg simpleamqp.Message, targets, visited map[string]struct{}) {
	if _, ok := visited[e.name]; ok {
		return
	}

	visited[e.name] = struct{}{}

	for _, bd := range e.bindings {
		if !e.matches(bd, msg) {
			continue
		}

		if !bd.toExchange {
			if _, ok := b.queues[bd.destination]; ok {
				targets[bd.destination] = struct{}{}
			}

			continue
		}

		if dst, ok := b.exchanges[bd.destination]; ok {
			b.routeLocked(dst, msg, targets, visited)
		}
	}
}

func (b *Broker) deleteQueueLocked(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}

	for _, c := range q.consumers {
		c.close(true)
	}

	delete(b.queues, name)

	for _, e := range b.exchanges {
		e.bindings = slices.DeleteFunc(e.bindings, func(bd binding) bool {
			return !bd.toExchange && bd.destination == name
		})
	}
}

func (b *Broker) settleLocked(q *queue, tag uint64, m message, ack, requeue bool) {
	b.settlements = append(b.settlements, Settlement{
		Queue:   q.name,
		Tag:     tag,
		Ack:     ack,
		Requeue: requeue,
		Message: m.msg,
	})

	if !ack && requeue {
		if _, ok := b.queues[q.name]; ok {
			q.requeue(m)
		}
	}
}

func generatedName() string {
	return "amq.gen-" + uuid.NewString()
}
