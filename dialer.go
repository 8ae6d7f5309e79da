package simpleamqp

import (
	"net"
	"time"
)

// DefaultDialTimeout bounds both the TCP dial and the AMQP handshake.
const DefaultDialTimeout = 2 * time.Second

// Dialer is a function returning a connection used to connect to the
// broker. It matches amqp.Config.Dial.
type Dialer func(network, addr string) (net.Conn, error)

// DefaultDialer returns a Dialer giving up after timeout. The deadline also
// covers TLS and AMQP handshaking since heartbeats have not started yet; the
// amqp client clears it once the connection is open.
func DefaultDialer(timeout time.Duration) Dialer {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	return func(network, addr string) (net.Conn, error) {
		conn, err := net.DialTimeout(network, addr, timeout)
		if err != nil {
			return nil, err
		}

		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return nil, err
		}

		return conn, nil
	}
}
