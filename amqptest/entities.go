package amqptest

import (
	"fmt"
	"strings"
	"sync"

	simpleamqp "github.com/0x4b53/simple-amqp"
)

type binding struct {
	destination string
	toExchange  bool
	key         string
	args        simpleamqp.Props
}

type exchange struct {
	name     string
	kind     simpleamqp.ExchangeKind
	durable  bool
	bindings []binding
}

func (e *exchange) matches(bd binding, msg simpleamqp.Message) bool {
	switch e.kind {
	case simpleamqp.ExchangeKindFanout:
		return true
	case simpleamqp.ExchangeKindTopic:
		return topicMatch(strings.Split(bd.key, "."), strings.Split(msg.Topic, "."))
	case simpleamqp.ExchangeKindHeaders:
		return headersMatch(bd.args, msg.Headers)
	default:
		return bd.key == msg.Topic
	}
}

// topicMatch matches routing key words against a binding pattern where *
// is exactly one word and # is zero or more words.
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}

		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

func headersMatch(args simpleamqp.Props, headers map[string]any) bool {
	matchAny := args["x-match"] == "any"
	matched := 0
	wanted := 0

	for k, v := range args {
		if strings.HasPrefix(k, "x-") {
			continue
		}

		wanted++

		if hv, ok := headers[k]; ok && fmt.Sprint(hv) == fmt.Sprint(v) {
			matched++
		}
	}

	if matchAny {
		return matched > 0
	}

	return matched == wanted
}

type message struct {
	msg         simpleamqp.Message
	redelivered bool
}

type queue struct {
	name        string
	durable     bool
	exclusive   bool
	autoDelete  bool
	owner       *conn
	messages    []message
	consumers   []*consumer
	next        int
	hadConsumer bool
}

func (q *queue) enqueue(m message) {
	q.messages = append(q.messages, m)
	q.dispatch()
}

func (q *queue) requeue(m message) {
	m.redelivered = true
	q.messages = append([]message{m}, q.messages...)
	q.dispatch()
}

// dispatch hands ready messages to consumers round robin. Called with the
// broker lock held.
func (q *queue) dispatch() {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		m := q.messages[0]
		q.messages = q.messages[1:]

		c := q.consumers[q.next%len(q.consumers)]
		q.next++

		c.deliver(q, m)
	}
}

func (q *queue) removeConsumer(c *consumer) {
	for i, qc := range q.consumers {
		if qc == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
}

type consumer struct {
	tag     string
	queue   *queue
	channel *channel
	autoAck bool

	out chan simpleamqp.Delivery

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []simpleamqp.Delivery
	closed  bool
	discard bool
}

func newConsumer(tag string, q *queue, ch *channel, autoAck bool) *consumer {
	c := &consumer{
		tag:     tag,
		queue:   q,
		channel: ch,
		autoAck: autoAck,
		out:     make(chan simpleamqp.Delivery),
	}

	c.cond = sync.NewCond(&c.mu)

	go c.pump()

	return c
}

// deliver is called with the broker lock held.
func (c *consumer) deliver(q *queue, m message) {
	ch := c.channel
	ch.nextTag++
	tag := ch.nextTag

	if !c.autoAck {
		ch.unacked[tag] = unacked{queue: q, message: m}
	}

	d := simpleamqp.Delivery{
		Message:      m.msg,
		Tag:          tag,
		Redelivered:  m.redelivered,
		Acknowledger: ch,
	}

	c.mu.Lock()
	c.buf = append(c.buf, d)
	c.mu.Unlock()
	c.cond.Signal()
}

// close stops the consumer. Buffered deliveries are still handed out unless
// discard is set, in which case they are dropped; the broker requeues them
// with the channel's unacked messages.
func (c *consumer) close(discard bool) {
	c.mu.Lock()
	c.closed = true
	c.discard = c.discard || discard
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *consumer) pump() {
	defer close(c.out)

	c.mu.Lock()

	for {
		for len(c.buf) == 0 && !c.closed {
			c.cond.Wait()
		}

		if c.closed && (c.discard || len(c.buf) == 0) {
			c.mu.Unlock()
			return
		}

		d := c.buf[0]
		c.buf = c.buf[1:]
		c.mu.Unlock()

		c.out <- d

		c.mu.Lock()
	}
}
