// Package pubsub publishes and consumes events over a simpleamqp
// connection.
//
// Every service publishes its events to a durable topic exchange named after
// the service, with the event name as routing key. A listening service
// consumes from the durable queue pubsub.{service}, bound to every (service,
// event) pair it has a handler for.
package pubsub

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	simpleamqp "github.com/0x4b53/simple-amqp"
	"github.com/0x4b53/simple-amqp/codec"
)

// HandlerFunc handles the payload of an event. Returning an error rejects
// the event.
type HandlerFunc func(ctx context.Context, payload any) error

type handlerKey struct {
	service string
	topic   string
}

// PubSub publishes events for any service and listens to events on behalf of
// one service.
type PubSub struct {
	conn       *simpleamqp.Connection
	service    string
	codecs     *codec.Registry
	logger     *slog.Logger
	maxRetries int

	mu sync.Mutex

	publishServices map[string]struct{}
	handlers        map[handlerKey]HandlerFunc
	onRecvError     []func(error)

	configured     bool
	publishChannel *simpleamqp.Channel
	listenQueue    *simpleamqp.Queue
}

// New returns a PubSub listening as service.
func New(conn *simpleamqp.Connection, service string) *PubSub {
	p := &PubSub{
		conn:            conn,
		service:         service,
		codecs:          codec.DefaultRegistry(),
		publishServices: map[string]struct{}{},
		handlers:        map[handlerKey]HandlerFunc{},
	}

	p.WithLogger(slog.Default())

	return p
}

// WithCodec sets the codec events are encoded with. Events in other
// registered content types are still decoded.
func (p *PubSub) WithCodec(c codec.Codec) *PubSub {
	p.codecs.SetDefault(c)

	return p
}

// WithLogger sets the logger used when no receive error handler is
// registered.
func (p *PubSub) WithLogger(logger *slog.Logger) *PubSub {
	p.logger = logger.With("component", "simpleamqp-pubsub")

	return p
}

// WithMaxRetries makes a failed event be published again to the listen
// queue, up to n times, before it is rejected. The default is 0.
func (p *PubSub) WithMaxRetries(n int) *PubSub {
	p.maxRetries = n

	return p
}

// Service returns the name this PubSub listens as.
func (p *PubSub) Service() string {
	return p.service
}

// Connection returns the underlying connection.
func (p *PubSub) Connection() *simpleamqp.Connection {
	return p.conn
}

// OnRecvError registers f to be called with events that failed: undecodable
// ones, ones without a handler and ones whose handler failed.
func (p *PubSub) OnRecvError(f func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onRecvError = append(p.onRecvError, f)
}

// Client returns a client pushing events of service. The exchange of service
// is declared with the rest of the topology.
func (p *PubSub) Client(service string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.addPublishServiceLocked(service)

	return newClient(p, service)
}

func (p *PubSub) addPublishServiceLocked(service string) {
	if _, ok := p.publishServices[service]; ok {
		return
	}

	p.publishServices[service] = struct{}{}

	if p.configured {
		declareExchange(p.publishChannel, service)
	}
}

// Listen registers handler for the topic events of service, replacing any
// previous handler.
func (p *PubSub) Listen(service, topic string, handler HandlerFunc) *PubSub {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := handlerKey{service: service, topic: topic}

	_, exists := p.handlers[key]
	p.handlers[key] = handler

	if !p.configured || exists {
		return p
	}

	if p.listenQueue == nil {
		p.createListenLocked()
		return p
	}

	p.bindLocked(key)

	return p
}

// Configure adds the pubsub topology to the connection: a publish channel
// with the exchange of every client's service and, when there are handlers,
// a listen channel with the listen queue. Calling it again is a no-op.
func (p *PubSub) Configure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.configured {
		return
	}

	p.configured = true
	p.publishChannel = p.conn.Channel()

	services := make([]string, 0, len(p.publishServices))
	for service := range p.publishServices {
		services = append(services, service)
	}

	slices.Sort(services)

	for _, service := range services {
		declareExchange(p.publishChannel, service)
	}

	if len(p.handlers) > 0 {
		p.createListenLocked()
	}
}

func (p *PubSub) createListenLocked() {
	ch := p.conn.Channel()

	p.listenQueue = ch.Queue(QueueName(p.service), simpleamqp.QueueOptions{Durable: true})

	keys := make([]handlerKey, 0, len(p.handlers))
	for key := range p.handlers {
		keys = append(keys, key)
	}

	slices.SortFunc(keys, func(a, b handlerKey) int {
		return cmp.Or(cmp.Compare(a.service, b.service), cmp.Compare(a.topic, b.topic))
	})

	for _, key := range keys {
		p.bindLocked(key)
	}

	p.listenQueue.Consume(p.handleEvent, simpleamqp.ConsumeOptions{})
}

func (p *PubSub) bindLocked(key handlerKey) {
	ch := p.listenQueue.Channel()
	p.listenQueue.Bind(declareExchange(ch, key.service), key.topic, nil)
}

func declareExchange(ch *simpleamqp.Channel, service string) *simpleamqp.Exchange {
	return ch.Exchange(ExchangeName(service), simpleamqp.ExchangeKindTopic, simpleamqp.ExchangeOptions{
		Durable: true,
	})
}

// Start configures the PubSub if needed and starts the connection.
func (p *PubSub) Start(ctx context.Context, autoReconnect, wait bool) error {
	p.Configure()

	return p.conn.Start(ctx, autoReconnect, wait)
}

// Stop stops the connection.
func (p *PubSub) Stop(ctx context.Context) error {
	return p.conn.Stop(ctx)
}

// Push publishes event to the exchange of event.Service.
func (p *PubSub) Push(ctx context.Context, event Event) error {
	p.mu.Lock()

	if !p.configured {
		p.mu.Unlock()
		return ErrNotConfigured
	}

	p.addPublishServiceLocked(event.Service)

	ch := p.publishChannel
	p.mu.Unlock()

	msg, err := EncodeEvent(p.codecs.Default(), event)
	if err != nil {
		return err
	}

	msg = msg.
		WithExchange(ExchangeName(event.Service)).
		WithTopic(event.Topic)

	if err := ch.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish event %s.%s: %w", event.Service, event.Topic, err)
	}

	return nil
}

func (p *PubSub) handleEvent(ctx context.Context, msg simpleamqp.Message) (bool, error) {
	event, err := DecodeEvent(p.codecs, msg)
	if err != nil {
		p.notifyRecvError(err)
		return false, nil
	}

	p.mu.Lock()
	handler, ok := p.handlers[handlerKey{service: event.Service, topic: event.Topic}]
	p.mu.Unlock()

	if !ok {
		p.notifyRecvError(&HandlerError{Event: event, Err: ErrNoHandler})
		return false, nil
	}

	err = runHandler(ctx, handler, event.Payload)
	if err == nil {
		return true, nil
	}

	p.notifyRecvError(&HandlerError{Event: event, Err: err})

	if event.RetryCount >= p.maxRetries {
		return false, nil
	}

	if err := p.retry(ctx, msg, event); err != nil {
		return false, err
	}

	return true, nil
}

// retry publishes event again straight to the listen queue.
func (p *PubSub) retry(ctx context.Context, msg simpleamqp.Message, event Event) error {
	event.RetryCount++

	out, err := EncodeEvent(p.codecs.Lookup(msg.ContentType), event)
	if err != nil {
		return err
	}

	out = out.WithTopic(p.listenQueue.Name())

	p.logger.Debug("retrying event",
		slog.String("service", event.Service),
		slog.String("topic", event.Topic),
		slog.Int("retry_count", event.RetryCount),
	)

	if err := p.listenQueue.Channel().Publish(ctx, out); err != nil {
		return fmt.Errorf("retry event %s.%s: %w", event.Service, event.Topic, err)
	}

	return nil
}

func runHandler(ctx context.Context, handler HandlerFunc, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return handler(ctx, payload)
}

func (p *PubSub) notifyRecvError(err error) {
	p.mu.Lock()
	handlers := slices.Clone(p.onRecvError)
	p.mu.Unlock()

	if len(handlers) == 0 {
		level := slog.LevelError
		if errors.Is(err, ErrNoHandler) {
			level = slog.LevelWarn
		}

		p.logger.Log(context.Background(), level, "receiving event", slog.Any("error", err))

		return
	}

	for _, f := range handlers {
		f(err)
	}
}
