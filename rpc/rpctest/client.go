// Package rpctest helps testing code that uses rpc clients.
package rpctest

import (
	simpleamqp "github.com/0x4b53/simple-amqp"
	"github.com/0x4b53/simple-amqp/rpc"
)

// NewTestClient returns a client for service with a custom send function to
// use for testing. It never reaches a broker.
func NewTestClient(service string, sf rpc.SendFunc) *rpc.Client {
	conn := simpleamqp.NewConnection(simpleamqp.DefaultParameters())

	return rpc.New(conn, "rpctest").
		Client(service, "rpctest").
		WithSender(sf)
}
