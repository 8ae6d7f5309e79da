package amqptest

import (
	"context"
	"testing"
	"time"

	simpleamqp "github.com/0x4b53/simple-amqp"
)

// Connect returns a connection using broker as transport with a short
// reconnect delay.
func Connect(broker *Broker) *simpleamqp.Connection {
	return simpleamqp.NewConnection(simpleamqp.DefaultParameters()).
		WithTransport(broker).
		WithReconnectDelay(10 * time.Millisecond)
}

// Start starts conn with auto reconnect and waits until it is ready. The
// connection is stopped when the test ends; the returned function stops it
// earlier.
func Start(tb testing.TB, conn *simpleamqp.Connection) func() {
	tb.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Start(ctx, true, true); err != nil {
		tb.Fatalf("start connection: %v", err)
	}

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := conn.Stop(ctx); err != nil {
			tb.Errorf("stop connection: %v", err)
		}
	}

	tb.Cleanup(stop)

	return stop
}
