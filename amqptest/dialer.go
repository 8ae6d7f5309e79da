package amqptest

import (
	"net"

	simpleamqp "github.com/0x4b53/simple-amqp"
)

// RecordingDialer returns a dialer for amqp.Config.Dial and a channel
// receiving every net.Conn it opens. Closing a received conn simulates a
// network failure against a real broker.
func RecordingDialer() (simpleamqp.Dialer, <-chan net.Conn) {
	var (
		dial  = simpleamqp.DefaultDialer(simpleamqp.DefaultDialTimeout)
		conns = make(chan net.Conn, 100)
	)

	return func(network, addr string) (net.Conn, error) {
		conn, err := dial(network, addr)
		if err != nil {
			return nil, err
		}

		conns <- conn

		return conn, nil
	}, conns
}
