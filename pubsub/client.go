package pubsub

import (
	"context"
	"sync"
)

// PublisherFunc pushes one kind of event.
type PublisherFunc func(ctx context.Context, payload any) error

// Client pushes the events of one service.
type Client struct {
	pubsub  *PubSub
	service string

	mu         sync.Mutex
	publishers map[string]PublisherFunc
}

func newClient(p *PubSub, service string) *Client {
	return &Client{
		pubsub:     p,
		service:    service,
		publishers: map[string]PublisherFunc{},
	}
}

// Service returns the service events are pushed for.
func (c *Client) Service() string {
	return c.service
}

// Push publishes the topic event with payload.
func (c *Client) Push(ctx context.Context, topic string, payload any) error {
	return c.pubsub.Push(ctx, Event{
		Service: c.service,
		Topic:   topic,
		Payload: payload,
	})
}

// Publisher returns a function pushing topic events. Functions are cached
// per topic.
func (c *Client) Publisher(topic string) PublisherFunc {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.publishers[topic]; ok {
		return f
	}

	f := func(ctx context.Context, payload any) error {
		return c.Push(ctx, topic, payload)
	}

	c.publishers[topic] = f

	return f
}
