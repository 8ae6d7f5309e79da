package pubsub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	simpleamqp "github.com/0x4b53/simple-amqp"
	"github.com/0x4b53/simple-amqp/amqptest"
	"github.com/0x4b53/simple-amqp/codec"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func newPubSub(broker *amqptest.Broker, service string) *PubSub {
	return New(amqptest.Connect(broker), service).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func start(t *testing.T, p *PubSub) {
	t.Helper()

	p.Configure()
	amqptest.Start(t, p.Connection())
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("nothing received")
	}

	var zero T

	return zero
}

func TestPushAndListen(t *testing.T) {
	broker := amqptest.NewBroker()
	payloads := make(chan any, 1)

	listener := newPubSub(broker, "mailer").
		Listen("users", "created", func(_ context.Context, payload any) error {
			payloads <- payload
			return nil
		})

	publisher := newPubSub(broker, "users")
	client := publisher.Client("users")

	start(t, listener)
	start(t, publisher)

	assert.Equal(t, []string{"created"}, broker.BindingKeys("users", "pubsub.mailer"))
	assert.False(t, broker.HasQueue("pubsub.users"), "no listen queue without handlers")

	require.NoError(t, client.Push(testContext(t), "created", map[string]any{"name": "duck"}))

	assert.Equal(t, map[string]any{"name": "duck"}, receive(t, payloads))

	require.Eventually(t, func() bool { return len(broker.Settlements()) == 1 }, waitFor, tick)
	assert.True(t, broker.Settlements()[0].Ack)

	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "users", published[0].Exchange)
	assert.Equal(t, "created", published[0].Topic)
	assert.Equal(t, codec.ContentTypeMsgpack, published[0].ContentType)
}

func TestUnhandledEventsAreRejected(t *testing.T) {
	broker := amqptest.NewBroker()
	errs := make(chan error, 2)

	listener := newPubSub(broker, "mailer").
		Listen("users", "created", func(context.Context, any) error { return nil })
	listener.OnRecvError(func(err error) { errs <- err })

	start(t, listener)

	msg, err := EncodeEvent(codec.Msgpack(), Event{Service: "users", Topic: "deleted"})
	require.NoError(t, err)
	require.NoError(t, broker.Inject(msg.WithTopic("pubsub.mailer")))

	require.ErrorIs(t, receive(t, errs), ErrNoHandler)

	require.NoError(t, broker.Inject(simpleamqp.Message{
		Topic:       "pubsub.mailer",
		ContentType: codec.ContentTypeJSON,
		Payload:     []byte("{"),
	}))

	require.Error(t, receive(t, errs))

	require.Eventually(t, func() bool { return len(broker.Settlements()) == 2 }, waitFor, tick)

	for _, s := range broker.Settlements() {
		assert.False(t, s.Ack)
		assert.False(t, s.Requeue, "rejected events are not requeued")
	}

	assert.Equal(t, 0, broker.QueueLen("pubsub.mailer"))
}

func TestFailingHandlerIsRetried(t *testing.T) {
	tests := []struct {
		name        string
		maxRetries  int
		failures    int
		wantCalls   int
		wantSettled []bool
	}{
		{name: "no retries", maxRetries: 0, failures: 10, wantCalls: 1, wantSettled: []bool{false}},
		{name: "gives up", maxRetries: 2, failures: 10, wantCalls: 3, wantSettled: []bool{true, true, false}},
		{name: "recovers", maxRetries: 2, failures: 1, wantCalls: 2, wantSettled: []bool{true, true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := amqptest.NewBroker()
			calls := make(chan struct{}, 10)
			errs := make(chan error, 10)
			failures := tt.failures

			listener := newPubSub(broker, "mailer").
				WithMaxRetries(tt.maxRetries).
				Listen("users", "created", func(context.Context, any) error {
					calls <- struct{}{}

					if failures > 0 {
						failures--
						return errors.New("smtp unavailable")
					}

					return nil
				})
			listener.OnRecvError(func(err error) { errs <- err })

			client := listener.Client("users")

			start(t, listener)

			require.NoError(t, client.Push(testContext(t), "created", "duck"))

			require.Eventually(t, func() bool {
				return len(broker.Settlements()) == len(tt.wantSettled)
			}, waitFor, tick)

			var settled []bool
			for _, s := range broker.Settlements() {
				settled = append(settled, s.Ack)
				assert.False(t, s.Requeue)
			}

			assert.Equal(t, tt.wantSettled, settled)
			assert.Len(t, calls, tt.wantCalls)

			for i := range min(tt.failures, tt.wantCalls) {
				var handlerErr *HandlerError
				require.ErrorAs(t, <-errs, &handlerErr)
				assert.Equal(t, i, handlerErr.Event.RetryCount)
				assert.EqualError(t, handlerErr.Err, "smtp unavailable")
			}
		})
	}
}

func TestPanickingHandler(t *testing.T) {
	broker := amqptest.NewBroker()
	errs := make(chan error, 1)

	listener := newPubSub(broker, "mailer").
		Listen("users", "created", func(context.Context, any) error { panic("boom") })
	listener.OnRecvError(func(err error) { errs <- err })

	client := listener.Client("users")

	start(t, listener)

	require.NoError(t, client.Publisher("created")(testContext(t), nil))
	require.ErrorIs(t, receive(t, errs), ErrHandlerPanic)
}

func TestListenAfterConfigure(t *testing.T) {
	broker := amqptest.NewBroker()
	payloads := make(chan any, 2)

	listener := newPubSub(broker, "mailer")
	client := listener.Client("users")

	start(t, listener)
	assert.False(t, broker.HasQueue("pubsub.mailer"))

	handler := func(_ context.Context, payload any) error {
		payloads <- payload
		return nil
	}

	listener.Listen("users", "created", handler)
	listener.Listen("users", "deleted", handler)

	require.Eventually(t, func() bool {
		return len(broker.BindingKeys("users", "pubsub.mailer")) == 2
	}, waitFor, tick)

	ctx := testContext(t)

	require.NoError(t, client.Push(ctx, "created", "a"))
	require.NoError(t, client.Push(ctx, "deleted", "b"))

	assert.Equal(t, "a", receive(t, payloads))
	assert.Equal(t, "b", receive(t, payloads))
}

func TestPushDeclaresExchangeOnDemand(t *testing.T) {
	broker := amqptest.NewBroker()
	publisher := newPubSub(broker, "users")

	start(t, publisher)

	require.NoError(t, publisher.Push(testContext(t), Event{Service: "orders", Topic: "placed"}))
	assert.True(t, broker.HasExchange("orders"))
}

func TestPushBeforeConfigure(t *testing.T) {
	publisher := newPubSub(amqptest.NewBroker(), "users")

	err := publisher.Client("users").Push(context.Background(), "created", nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestPublisherIsCached(t *testing.T) {
	client := newPubSub(amqptest.NewBroker(), "users").Client("users")

	client.Publisher("created")
	client.Publisher("created")
	assert.Len(t, client.publishers, 1)

	client.Publisher("deleted")
	assert.Len(t, client.publishers, 2)
	assert.Equal(t, "users", client.Service())
}

func TestEventEncoding(t *testing.T) {
	registry := codec.DefaultRegistry()

	for _, c := range []codec.Codec{codec.Msgpack(), codec.JSON()} {
		t.Run(c.ContentType(), func(t *testing.T) {
			msg, err := EncodeEvent(c, Event{
				Service:    "users",
				Topic:      "created",
				Payload:    []any{"duck", 3},
				RetryCount: 2,
			})
			require.NoError(t, err)

			event, err := DecodeEvent(registry, msg)
			require.NoError(t, err)

			assert.Equal(t, Event{
				Service:    "users",
				Topic:      "created",
				Payload:    []any{"duck", int64(3)},
				RetryCount: 2,
			}, event)

			var payload []any
			require.NoError(t, event.Scan(&payload))
			assert.Len(t, payload, 2)
		})
	}
}

func TestEventWireNames(t *testing.T) {
	msg, err := EncodeEvent(codec.JSON(), Event{Service: "users", Topic: "created", Payload: "duck"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"service":"users","event":"created","payload":"duck","retry_count":0}`, string(msg.Payload))
	assert.Equal(t, "pubsub.users", QueueName("users"))
	assert.Equal(t, "users", ExchangeName("users"))
}
