package pubsub

import (
	"fmt"

	simpleamqp "github.com/0x4b53/simple-amqp"
	"github.com/0x4b53/simple-amqp/codec"
)

const queuePrefix = "pubsub."

// ExchangeName returns the topic exchange events of service are published
// to.
func ExchangeName(service string) string {
	return service
}

// QueueName returns the queue service listens on.
func QueueName(service string) string {
	return queuePrefix + service
}

// Event is something that happened in Service. Topic is the event name and
// the routing key it is published with.
type Event struct {
	Service    string
	Topic      string
	Payload    any
	RetryCount int
}

// Scan converts the payload into the value dst points to.
func (e Event) Scan(dst any) error {
	return codec.Assign(e.Payload, dst)
}

type wireEvent struct {
	Service    string `codec:"service" json:"service"`
	Event      string `codec:"event" json:"event"`
	Payload    any    `codec:"payload" json:"payload"`
	RetryCount int    `codec:"retry_count" json:"retry_count"`
}

// EncodeEvent encodes event with c. Exchange and topic are not set.
func EncodeEvent(c codec.Codec, event Event) (simpleamqp.Message, error) {
	payload, err := c.Marshal(wireEvent{
		Service:    event.Service,
		Event:      event.Topic,
		Payload:    event.Payload,
		RetryCount: event.RetryCount,
	})
	if err != nil {
		return simpleamqp.Message{}, fmt.Errorf("encode event: %w", err)
	}

	return simpleamqp.NewMessage(payload, c.ContentType()), nil
}

// DecodeEvent decodes an event, picking the codec from the message content
// type.
func DecodeEvent(codecs *codec.Registry, msg simpleamqp.Message) (Event, error) {
	var w wireEvent

	if err := codecs.Lookup(msg.ContentType).Unmarshal(msg.Payload, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	return Event{
		Service:    w.Service,
		Topic:      w.Event,
		Payload:    w.Payload,
		RetryCount: w.RetryCount,
	}, nil
}
