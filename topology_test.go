package simpleamqp

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(actions []Action) []ActionKind {
	out := make([]ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind()
	}

	return out
}

func TestNewConnectionLogsCreateConnection(t *testing.T) {
	conn := NewConnection(Parameters{Host: "rabbit", Username: "app", Password: "secret"})

	actions := conn.Actions()
	require.Len(t, actions, 1)

	assert.Equal(t, CreateConnection{
		Host:     "rabbit",
		Port:     DefaultPort,
		Username: "app",
		Password: "secret",
		VHost:    DefaultVHost,
	}, actions[0])
	assert.NotContains(t, actions[0].String(), "secret", "password is never rendered")
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestChannelNumbersAreSequential(t *testing.T) {
	conn := NewConnection(DefaultParameters())

	for i := 1; i <= 3; i++ {
		assert.Equal(t, i, conn.Channel().Number())
	}

	assert.Equal(t, []ActionKind{
		KindCreateConnection,
		KindCreateChannel,
		KindCreateChannel,
		KindCreateChannel,
	}, kinds(conn.Actions()))
}

func TestNamedEntitiesAreCachedPerChannel(t *testing.T) {
	conn := NewConnection(DefaultParameters())
	ch := conn.Channel()

	q1 := ch.Queue("jobs", QueueOptions{Durable: true})
	q2 := ch.Queue("jobs", QueueOptions{AutoDelete: true})

	assert.Same(t, q1, q2, "named queue returns the cached handle")
	assert.True(t, q2.Options().Durable, "options of the first declaration win")

	e1 := ch.Exchange("events", ExchangeKindTopic, ExchangeOptions{Durable: true})
	e2 := ch.Exchange("events", ExchangeKindFanout, ExchangeOptions{})

	assert.Same(t, e1, e2, "named exchange returns the cached handle")
	assert.Equal(t, ExchangeKindTopic, e2.Kind())
	assert.True(t, ch.HasExchange("events"))
	assert.False(t, ch.HasExchange("missing"))

	other := conn.Channel()
	assert.NotSame(t, q1, other.Queue("jobs", QueueOptions{}), "caches are per channel")

	assert.Equal(t, []ActionKind{
		KindCreateConnection,
		KindCreateChannel,
		KindDeclareQueue,
		KindDeclareExchange,
		KindCreateChannel,
		KindDeclareQueue,
	}, kinds(conn.Actions()))
}

func TestAnonymousEntitiesAreFresh(t *testing.T) {
	conn := NewConnection(DefaultParameters())
	ch := conn.Channel()

	q1 := ch.Queue("", QueueOptions{})
	q2 := ch.Queue("", QueueOptions{})

	assert.NotSame(t, q1, q2)
	assert.NotEqual(t, q1.Name(), q2.Name())
	assert.True(t, strings.HasPrefix(q1.Name(), "private."))
	assert.True(t, strings.HasPrefix(q2.Name(), "private."))

	e1 := ch.Exchange("", ExchangeKindFanout, ExchangeOptions{})
	e2 := ch.Exchange("", ExchangeKindFanout, ExchangeOptions{})

	assert.NotEqual(t, e1.Name(), e2.Name())
	assert.True(t, strings.HasPrefix(e1.Name(), "private."))

	assert.Same(t, q1, ch.Queue(q1.Name(), QueueOptions{}), "generated names are cached like any other")
}

func TestConsumeRecordsBindConsumer(t *testing.T) {
	conn := NewConnection(DefaultParameters())
	ch := conn.Channel()
	q := ch.Queue("jobs", QueueOptions{})

	cb := func(context.Context, Message) (bool, error) { return true, nil }

	c := q.Consume(cb, DefaultConsumeOptions())

	assert.True(t, strings.HasPrefix(c.Tag(), "consumer."))
	assert.Same(t, q, c.Queue())
	assert.Same(t, ch, c.Channel())
	assert.Equal(t, []*Consumer{c}, q.Consumers())

	actions := conn.Actions()
	bc, ok := actions[len(actions)-1].(BindConsumer)
	require.True(t, ok, "last action is BindConsumer")

	assert.Equal(t, 1, bc.Channel)
	assert.Equal(t, "jobs", bc.Queue)
	assert.Equal(t, c.Tag(), bc.Tag)
	assert.False(t, bc.AutoAck)
	assert.True(t, bc.NackRequeue, "requeue on failure by default")
	assert.NotNil(t, bc.Callback)

	other := q.Consume(cb, ConsumeOptions{AutoAck: true})
	assert.NotEqual(t, c.Tag(), other.Tag())
}

func TestBindingsAreRecordedOnQueue(t *testing.T) {
	conn := NewConnection(DefaultParameters())
	ch := conn.Channel()

	e := ch.Exchange("events", ExchangeKindTopic, ExchangeOptions{})
	q := ch.Queue("audit", QueueOptions{}).
		Bind(e, "user.*", nil).
		Bind(e, "order.#", Props{"x-priority": 1})

	assert.Equal(t, []BindQueue{
		{Channel: 1, Queue: "audit", Exchange: "events", RoutingKey: "user.*"},
		{Channel: 1, Queue: "audit", Exchange: "events", RoutingKey: "order.#", Props: Props{"x-priority": 1}},
	}, q.Bindings())

	dst := ch.Exchange("mirror", ExchangeKindFanout, ExchangeOptions{}).Bind(e, "#", nil)

	actions := conn.Actions()
	assert.Equal(t, BindExchange{
		Channel:     1,
		Source:      "events",
		Destination: dst.Name(),
		RoutingKey:  "#",
	}, actions[len(actions)-1])
}

func TestActionsAreImmutable(t *testing.T) {
	conn := NewConnection(DefaultParameters())
	ch := conn.Channel()

	props := Props{"x-max-length": 10}
	ch.Queue("bounded", QueueOptions{Props: props})

	props["x-max-length"] = 20

	actions := conn.Actions()
	assert.Equal(t, Props{"x-max-length": 10}, actions[2].(DeclareQueue).Props)

	actions[0] = CreateChannel{Number: 99}
	assert.Equal(t, KindCreateConnection, conn.Actions()[0].Kind(), "Actions returns a copy")
}

func TestChannelBind(t *testing.T) {
	tests := []struct {
		name    string
		binding Binding
		want    []string
	}{
		{
			name:    "topic",
			binding: TopicBinding("audit", "events", "user.created"),
			want: []string{
				"DeclareExchange(ch=1 name=events type=topic durable=true auto_delete=false internal=false)",
				"DeclareQueue(ch=1 name=audit durable=false exclusive=false auto_delete=false)",
				"BindQueue(ch=1 queue=audit exchange=events key=user.created)",
			},
		},
		{
			name:    "direct",
			binding: DirectBinding("jobs"),
			want: []string{
				"DeclareExchange(ch=1 name=amq.direct type=direct durable=true auto_delete=false internal=false)",
				"DeclareQueue(ch=1 name=jobs durable=false exclusive=false auto_delete=false)",
				"BindQueue(ch=1 queue=jobs exchange=amq.direct key=jobs)",
			},
		},
		{
			name:    "default exchange",
			binding: Binding{QueueName: "plain"},
			want: []string{
				"DeclareQueue(ch=1 name=plain durable=false exclusive=false auto_delete=false)",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := NewConnection(DefaultParameters())
			ch := conn.Channel()

			q := ch.Bind(tt.binding)
			assert.Equal(t, tt.binding.QueueName, q.Name())

			var got []string
			for _, a := range conn.Actions()[2:] {
				got = append(got, a.String())
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFanoutBindingUsesPrivateQueue(t *testing.T) {
	conn := NewConnection(DefaultParameters())
	q := conn.Channel().Bind(FanoutBinding("broadcast"))

	assert.True(t, strings.HasPrefix(q.Name(), "private."))
	assert.True(t, q.Options().Exclusive)
}

func TestHeadersBindingMatchesAll(t *testing.T) {
	b := HeadersBinding("headers", Props{"region": "eu"})

	assert.Equal(t, Props{"x-match": "all", "region": "eu"}, b.BindProps)
	assert.Equal(t, ExchangeDefaultHeaders, b.ExchangeName)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "replaying_actions", StateReplayingActions.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.Equal(t, "BindConsumer", KindBindConsumer.String())
}
