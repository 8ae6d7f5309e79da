package rpc

import (
	"fmt"

	simpleamqp "github.com/0x4b53/simple-amqp"
	"github.com/0x4b53/simple-amqp/codec"
)

// Names shared by every implementation of the protocol.
const (
	// Topic is the routing key of every call.
	Topic = "rpc"

	exchangePrefix = "rpc."
	replyKeyPrefix = "rpc.reply."
)

// ExchangeName returns the topic exchange calls to route are published to.
func ExchangeName(route string) string {
	return exchangePrefix + route
}

// QueueName returns the queue the server for route listens on.
func QueueName(route string) string {
	return exchangePrefix + route
}

// ReplyKey returns the correlation id set on the response to the call with
// correlationID.
func ReplyKey(correlationID string) string {
	return replyKeyPrefix + correlationID
}

type wireCall struct {
	Service string `codec:"service" json:"service"`
	Method  string `codec:"method" json:"method"`
	Args    []any  `codec:"args" json:"args"`
}

type wireResponse struct {
	Status int `codec:"status" json:"status"`
	Body   any `codec:"body" json:"body"`
}

// EncodeCall encodes call with c. The route is not part of the payload; it
// selects the exchange.
func EncodeCall(c codec.Codec, call Call) (simpleamqp.Message, error) {
	args := call.Args
	if args == nil {
		args = []any{}
	}

	payload, err := c.Marshal(wireCall{
		Service: call.Service,
		Method:  call.Method,
		Args:    args,
	})
	if err != nil {
		return simpleamqp.Message{}, fmt.Errorf("encode call: %w", err)
	}

	return simpleamqp.NewMessage(payload, c.ContentType()), nil
}

// DecodeCall decodes a call received on route, picking the codec from the
// message content type.
func DecodeCall(codecs *codec.Registry, msg simpleamqp.Message, route string) (Call, error) {
	var w wireCall

	if err := codecs.Lookup(msg.ContentType).Unmarshal(msg.Payload, &w); err != nil {
		return Call{}, fmt.Errorf("decode call: %w", err)
	}

	return Call{
		Route:   route,
		Service: w.Service,
		Method:  w.Method,
		Args:    w.Args,
	}, nil
}

// EncodeResponse encodes resp with c.
func EncodeResponse(c codec.Codec, resp Response) (simpleamqp.Message, error) {
	payload, err := c.Marshal(wireResponse{
		Status: int(resp.Status),
		Body:   resp.Body,
	})
	if err != nil {
		return simpleamqp.Message{}, fmt.Errorf("encode response: %w", err)
	}

	return simpleamqp.NewMessage(payload, c.ContentType()), nil
}

// DecodeResponse decodes a response, picking the codec from the message
// content type.
func DecodeResponse(codecs *codec.Registry, msg simpleamqp.Message) (Response, error) {
	var w wireResponse

	if err := codecs.Lookup(msg.ContentType).Unmarshal(msg.Payload, &w); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}

	return Response{
		Status: Status(w.Status),
		Body:   w.Body,
	}, nil
}
