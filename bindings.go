package simpleamqp

// Binding describes an exchange, a queue and the binding between them, to be
// declared together with Channel.Bind. If ExchangeName is empty the queue is
// not bound and receives messages through the default exchange.
type Binding struct {
	QueueName    string
	ExchangeName string
	ExchangeKind ExchangeKind
	RoutingKey   string
	BindProps    Props

	Queue    QueueOptions
	Exchange ExchangeOptions
}

// DirectBinding returns a Binding for the amq.direct exchange where the queue
// is named after its routing key.
func DirectBinding(routingKey string) Binding {
	return Binding{
		QueueName:    routingKey,
		ExchangeName: ExchangeDefaultDirect,
		ExchangeKind: ExchangeKindDirect,
		RoutingKey:   routingKey,
		Exchange:     ExchangeOptions{Durable: true},
	}
}

// FanoutBinding returns a Binding for a named fanout exchange and a private
// queue. amq.fanout is never used since it would broadcast everything
// everywhere.
func FanoutBinding(exchangeName string) Binding {
	return Binding{
		ExchangeName: exchangeName,
		ExchangeKind: ExchangeKindFanout,
		Queue:        QueueOptions{Exclusive: true, AutoDelete: true},
		Exchange:     ExchangeOptions{Durable: true},
	}
}

// TopicBinding returns a Binding for a topic exchange.
func TopicBinding(queueName, exchangeName, routingKey string) Binding {
	return Binding{
		QueueName:    queueName,
		ExchangeName: exchangeName,
		ExchangeKind: ExchangeKindTopic,
		RoutingKey:   routingKey,
		Exchange:     ExchangeOptions{Durable: true},
	}
}

// HeadersBinding returns a Binding for amq.headers matching all given
// headers.
func HeadersBinding(queueName string, headers Props) Binding {
	props := Props{"x-match": "all"}
	for k, v := range headers {
		props[k] = v
	}

	return Binding{
		QueueName:    queueName,
		ExchangeName: ExchangeDefaultHeaders,
		ExchangeKind: ExchangeKindHeaders,
		BindProps:    props,
		Exchange:     ExchangeOptions{Durable: true},
	}
}

// Bind declares the exchange and the queue of b and binds them, in that
// order. The queue is returned so a consumer can be attached.
func (ch *Channel) Bind(b Binding) *Queue {
	if b.ExchangeName == "" {
		return ch.Queue(b.QueueName, b.Queue)
	}

	e := ch.Exchange(b.ExchangeName, b.ExchangeKind, b.Exchange)

	return ch.Queue(b.QueueName, b.Queue).Bind(e, b.RoutingKey, b.BindProps)
}
