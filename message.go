package simpleamqp

import (
	"maps"
	"time"
)

// Message is the envelope exchanged between the driver and the protocol
// layers. Values are never mutated in place; the With methods return copies.
type Message struct {
	Payload         []byte
	ContentType     string
	ContentEncoding string
	Exchange        string
	Topic           string
	CorrelationID   string
	ReplyTo         string
	// Expiration is the per-message TTL. Zero or negative means no
	// expiration.
	Expiration time.Duration
	Headers    map[string]any
}

// NewMessage returns a message carrying payload.
func NewMessage(payload []byte, contentType string) Message {
	return Message{
		Payload:     payload,
		ContentType: contentType,
	}
}

// WithPayload returns a copy of m with the payload replaced.
func (m Message) WithPayload(payload []byte) Message {
	m.Payload = payload
	return m
}

// WithContentType returns a copy of m with the content type replaced.
func (m Message) WithContentType(contentType string) Message {
	m.ContentType = contentType
	return m
}

// WithContentEncoding returns a copy of m with the content encoding replaced.
func (m Message) WithContentEncoding(encoding string) Message {
	m.ContentEncoding = encoding
	return m
}

// WithExchange returns a copy of m addressed to exchange.
func (m Message) WithExchange(exchange string) Message {
	m.Exchange = exchange
	return m
}

// WithTopic returns a copy of m with the routing key replaced.
func (m Message) WithTopic(topic string) Message {
	m.Topic = topic
	return m
}

// WithCorrelationID returns a copy of m with the correlation id replaced.
func (m Message) WithCorrelationID(id string) Message {
	m.CorrelationID = id
	return m
}

// WithReplyTo returns a copy of m with the reply-to queue replaced.
func (m Message) WithReplyTo(queue string) Message {
	m.ReplyTo = queue
	return m
}

// WithExpiration returns a copy of m with the TTL replaced.
func (m Message) WithExpiration(d time.Duration) Message {
	m.Expiration = d
	return m
}

// WithHeader returns a copy of m with the header set. The header map of m is
// left untouched.
func (m Message) WithHeader(key string, value any) Message {
	headers := make(map[string]any, len(m.Headers)+1)
	maps.Copy(headers, m.Headers)
	headers[key] = value

	m.Headers = headers

	return m
}

// Header returns the value of a header.
func (m Message) Header(key string) (any, bool) {
	v, ok := m.Headers[key]
	return v, ok
}
