package amqptest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	simpleamqp "github.com/0x4b53/simple-amqp"
)

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{pattern: "user.created", key: "user.created", want: true},
		{pattern: "user.*", key: "user.created", want: true},
		{pattern: "user.*", key: "user.created.eu", want: false},
		{pattern: "user.#", key: "user", want: true},
		{pattern: "user.#", key: "user.created.eu", want: true},
		{pattern: "#", key: "anything.at.all", want: true},
		{pattern: "*.created", key: "order.created", want: true},
		{pattern: "*.created", key: "created", want: false},
		{pattern: "#.eu", key: "user.created.eu", want: true},
		{pattern: "rpc.pong", key: "rpc.ping", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			got := topicMatch(strings.Split(tt.pattern, "."), strings.Split(tt.key, "."))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHeadersMatch(t *testing.T) {
	headers := map[string]any{"region": "eu", "tier": 1}

	assert.True(t, headersMatch(simpleamqp.Props{"x-match": "all", "region": "eu", "tier": 1}, headers))
	assert.False(t, headersMatch(simpleamqp.Props{"x-match": "all", "region": "eu", "tier": 2}, headers))
	assert.True(t, headersMatch(simpleamqp.Props{"x-match": "any", "region": "us", "tier": 1}, headers))
	assert.False(t, headersMatch(simpleamqp.Props{"x-match": "any", "region": "us"}, headers))
}

func openChannel(t *testing.T, b *Broker) simpleamqp.TransportChannel {
	t.Helper()

	ctx := context.Background()

	conn, err := b.Connect(ctx, simpleamqp.CreateConnection{Host: "localhost"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	ch, err := conn.Channel(ctx, 1)
	require.NoError(t, err)

	return ch
}

func TestRoutingThroughExchanges(t *testing.T) {
	b := NewBroker()
	ch := openChannel(t, b)
	ctx := context.Background()

	require.NoError(t, ch.DeclareExchange(ctx, simpleamqp.DeclareExchange{Name: "events", Type: simpleamqp.ExchangeKindTopic}))
	require.NoError(t, ch.DeclareExchange(ctx, simpleamqp.DeclareExchange{Name: "audit", Type: simpleamqp.ExchangeKindFanout}))
	require.NoError(t, ch.DeclareQueue(ctx, simpleamqp.DeclareQueue{Name: "users"}))
	require.NoError(t, ch.DeclareQueue(ctx, simpleamqp.DeclareQueue{Name: "log"}))

	require.NoError(t, ch.BindQueue(ctx, simpleamqp.BindQueue{Queue: "users", Exchange: "events", RoutingKey: "user.*"}))
	require.NoError(t, ch.BindExchange(ctx, simpleamqp.BindExchange{Source: "events", Destination: "audit", RoutingKey: "#"}))
	require.NoError(t, ch.BindQueue(ctx, simpleamqp.BindQueue{Queue: "log", Exchange: "audit"}))

	require.NoError(t, ch.Publish(ctx, simpleamqp.Message{Exchange: "events", Topic: "user.created"}))
	require.NoError(t, ch.Publish(ctx, simpleamqp.Message{Exchange: "events", Topic: "order.created"}))

	assert.Equal(t, 1, b.QueueLen("users"))
	assert.Equal(t, 2, b.QueueLen("log"))

	err := ch.Publish(ctx, simpleamqp.Message{Exchange: "missing"})
	require.ErrorIs(t, err, ErrNotFound)

	err = ch.BindQueue(ctx, simpleamqp.BindQueue{Queue: "missing", Exchange: "events"})
	require.ErrorIs(t, err, ErrNotFound)

	err = ch.DeclareExchange(ctx, simpleamqp.DeclareExchange{Name: "events", Type: simpleamqp.ExchangeKindDirect})
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestNackRequeuesAtTheFront(t *testing.T) {
	b := NewBroker()
	ch := openChannel(t, b)
	ctx := context.Background()

	require.NoError(t, ch.DeclareQueue(ctx, simpleamqp.DeclareQueue{Name: "work"}))
	require.NoError(t, b.Inject(simpleamqp.Message{Topic: "work", Payload: []byte("1")}))
	require.NoError(t, b.Inject(simpleamqp.Message{Topic: "work", Payload: []byte("2")}))

	deliveries, err := ch.Consume(ctx, simpleamqp.BindConsumer{Queue: "work", Tag: "c1"})
	require.NoError(t, err)

	first := <-deliveries
	assert.Equal(t, "1", string(first.Payload))
	assert.False(t, first.Redelivered)

	require.NoError(t, first.Nack(true))

	second := <-deliveries
	third := <-deliveries

	assert.Equal(t, "2", string(second.Payload))
	assert.Equal(t, "1", string(third.Payload))
	assert.True(t, third.Redelivered)

	require.NoError(t, second.Ack())
	require.ErrorIs(t, second.Ack(), ErrUnknownDeliveryTag)

	settlements := b.Settlements()
	require.Len(t, settlements, 2)
	assert.True(t, settlements[0].Requeue)
	assert.True(t, settlements[1].Ack)
}

func TestClosingChannelRequeuesUnacked(t *testing.T) {
	b := NewBroker()
	ch := openChannel(t, b)
	ctx := context.Background()

	require.NoError(t, ch.DeclareQueue(ctx, simpleamqp.DeclareQueue{Name: "work", Durable: true}))

	deliveries, err := ch.Consume(ctx, simpleamqp.BindConsumer{Queue: "work", Tag: "c1"})
	require.NoError(t, err)

	require.NoError(t, b.Inject(simpleamqp.Message{Topic: "work"}))
	<-deliveries

	require.NoError(t, ch.Close())

	assert.Equal(t, 1, b.QueueLen("work"))
	assert.Equal(t, 0, b.Consumers("work"))

	_, ok := <-deliveries
	assert.False(t, ok, "delivery channel closed")
}

func TestAutoDeleteAndExclusiveQueues(t *testing.T) {
	b := NewBroker()
	ch := openChannel(t, b)
	ctx := context.Background()

	require.NoError(t, ch.DeclareQueue(ctx, simpleamqp.DeclareQueue{Name: "temp", AutoDelete: true}))

	_, err := ch.Consume(ctx, simpleamqp.BindConsumer{Queue: "temp", Tag: "c1"})
	require.NoError(t, err)

	require.NoError(t, ch.Cancel(ctx, "c1"))
	assert.False(t, b.HasQueue("temp"), "auto-delete queue removed with its last consumer")

	require.NoError(t, ch.DeclareQueue(ctx, simpleamqp.DeclareQueue{Name: "mine", Exclusive: true}))

	other := openChannel(t, b)
	err = other.DeclareQueue(ctx, simpleamqp.DeclareQueue{Name: "mine"})
	require.ErrorIs(t, err, ErrPrecondition)

	b.DropConnections(assert.AnError)
	assert.False(t, b.HasQueue("mine"), "exclusive queue removed with its connection")
}

func TestConnectWhileDown(t *testing.T) {
	b := NewBroker()
	b.SetDown(true)

	_, err := b.Connect(context.Background(), simpleamqp.CreateConnection{})
	require.ErrorIs(t, err, ErrConnectionRefused)
	assert.Equal(t, 0, b.Connects())
}
