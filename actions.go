package simpleamqp

import (
	"fmt"
	"maps"
)

// ActionKind tags the variants of Action.
type ActionKind int

// Kinds of actions recorded in a connection's action log.
const (
	KindCreateConnection ActionKind = iota + 1
	KindCreateChannel
	KindDeclareQueue
	KindDeclareExchange
	KindBindQueue
	KindBindExchange
	KindBindConsumer
)

func (k ActionKind) String() string {
	switch k {
	case KindCreateConnection:
		return "CreateConnection"
	case KindCreateChannel:
		return "CreateChannel"
	case KindDeclareQueue:
		return "DeclareQueue"
	case KindDeclareExchange:
		return "DeclareExchange"
	case KindBindQueue:
		return "BindQueue"
	case KindBindExchange:
		return "BindExchange"
	case KindBindConsumer:
		return "BindConsumer"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is one replayable topology step. Actions are values; once appended
// to the log they never change.
type Action interface {
	Kind() ActionKind
	String() string
}

// Props is an AMQP arguments table.
type Props map[string]any

func (p Props) clone() Props {
	if p == nil {
		return nil
	}

	return maps.Clone(p)
}

// CreateConnection opens the transport connection. It is always the first
// action of a log.
type CreateConnection struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string
}

func (CreateConnection) Kind() ActionKind { return KindCreateConnection }

func (a CreateConnection) String() string {
	return fmt.Sprintf("CreateConnection(%s@%s:%d%s)", a.Username, a.Host, a.Port, a.VHost)
}

// CreateChannel opens a logical channel.
type CreateChannel struct {
	Number int
}

func (CreateChannel) Kind() ActionKind { return KindCreateChannel }

func (a CreateChannel) String() string {
	return fmt.Sprintf("CreateChannel(%d)", a.Number)
}

// DeclareQueue declares a queue on a channel.
type DeclareQueue struct {
	Channel    int
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Props      Props
}

func (DeclareQueue) Kind() ActionKind { return KindDeclareQueue }

func (a DeclareQueue) String() string {
	return fmt.Sprintf(
		"DeclareQueue(ch=%d name=%s durable=%t exclusive=%t auto_delete=%t)",
		a.Channel, a.Name, a.Durable, a.Exclusive, a.AutoDelete,
	)
}

// DeclareExchange declares an exchange on a channel.
type DeclareExchange struct {
	Channel    int
	Name       string
	Type       ExchangeKind
	Durable    bool
	AutoDelete bool
	Internal   bool
	Props      Props
}

func (DeclareExchange) Kind() ActionKind { return KindDeclareExchange }

func (a DeclareExchange) String() string {
	return fmt.Sprintf(
		"DeclareExchange(ch=%d name=%s type=%s durable=%t auto_delete=%t internal=%t)",
		a.Channel, a.Name, a.Type, a.Durable, a.AutoDelete, a.Internal,
	)
}

// BindQueue binds a queue to an exchange.
type BindQueue struct {
	Channel    int
	Queue      string
	Exchange   string
	RoutingKey string
	Props      Props
}

func (BindQueue) Kind() ActionKind { return KindBindQueue }

func (a BindQueue) String() string {
	return fmt.Sprintf("BindQueue(ch=%d queue=%s exchange=%s key=%s)", a.Channel, a.Queue, a.Exchange, a.RoutingKey)
}

// BindExchange binds Destination to Source.
type BindExchange struct {
	Channel     int
	Source      string
	Destination string
	RoutingKey  string
	Props       Props
}

func (BindExchange) Kind() ActionKind { return KindBindExchange }

func (a BindExchange) String() string {
	return fmt.Sprintf(
		"BindExchange(ch=%d source=%s destination=%s key=%s)",
		a.Channel, a.Source, a.Destination, a.RoutingKey,
	)
}

// BindConsumer starts a consumer on a queue.
type BindConsumer struct {
	Channel     int
	Queue       string
	Tag         string
	Callback    ConsumerFunc
	AutoAck     bool
	Exclusive   bool
	NackRequeue bool
	Props       Props
}

func (BindConsumer) Kind() ActionKind { return KindBindConsumer }

func (a BindConsumer) String() string {
	return fmt.Sprintf(
		"BindConsumer(ch=%d queue=%s tag=%s auto_ack=%t exclusive=%t nack_requeue=%t)",
		a.Channel, a.Queue, a.Tag, a.AutoAck, a.Exclusive, a.NackRequeue,
	)
}

// actionChannel returns the channel number an action runs on, 0 for the
// connection itself.
func actionChannel(a Action) int {
	switch a := a.(type) {
	case CreateChannel:
		return a.Number
	case DeclareQueue:
		return a.Channel
	case DeclareExchange:
		return a.Channel
	case BindQueue:
		return a.Channel
	case BindExchange:
		return a.Channel
	case BindConsumer:
		return a.Channel
	default:
		return 0
	}
}
