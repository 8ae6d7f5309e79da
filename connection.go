package simpleamqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultReconnectDelay is the fixed delay between reconnect attempts.
const DefaultReconnectDelay = time.Second

// State is the lifecycle state of a Connection.
type State int

// Connection states. A connection moves Disconnected, Connecting,
// ReplayingActions, Ready and falls back to Disconnected when the transport
// goes away. Stop moves it through Closing to Disconnected.
const (
	StateDisconnected State = iota
	StateConnecting
	StateReplayingActions
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReplayingActions:
		return "replaying_actions"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// OnErrorFunc can be registered with [Connection.OnConnectionError] and
// [Connection.OnConsumerError].
type OnErrorFunc func(err error)

// Connection owns an action log describing the topology of one broker
// connection and drives a transport to replay it on every (re)connect.
//
// Building topology through Channel, Queue, Exchange and Consume never
// touches the transport; it only appends to the log. Actions appended while
// the connection is Ready are applied right away, in log order.
type Connection struct {
	params         Parameters
	transport      Transport
	reconnectDelay time.Duration
	logger         *slog.Logger

	mu sync.Mutex

	actions   []Action
	channels  int
	cancelled map[string]struct{}

	middlewares       []ConsumerMiddlewareFunc
	onConnectionError []OnErrorFunc
	onConsumerError   []OnErrorFunc
	onReady           []func()
	onClosing         []OnErrorFunc
	onDisconnected    []OnErrorFunc

	state    State
	session  *session
	applied  int
	running  bool
	stopping bool
	stopChan chan struct{}
	done     chan struct{}
	runErr   error
	stopErr  error

	// changed is closed and replaced on every state or progress change.
	changed chan struct{}
	// wakeup nudges the processor when actions are appended.
	wakeup chan struct{}
}

// NewConnection returns a Connection to the broker described by params. The
// first action of the log is CreateConnection.
func NewConnection(params Parameters) *Connection {
	c := &Connection{
		params:         params.withDefaults(),
		transport:      NewAMQPTransport(),
		reconnectDelay: DefaultReconnectDelay,
		cancelled:      map[string]struct{}{},
		changed:        make(chan struct{}),
		wakeup:         make(chan struct{}, 1),
	}

	c.WithLogger(slog.Default())
	c.actions = append(c.actions, c.params.action())

	return c
}

// WithTransport sets the transport used to reach the broker. The default is
// an AMQPTransport.
func (c *Connection) WithTransport(t Transport) *Connection {
	c.transport = t

	return c
}

// WithLogger sets the logger to use for error and debug logging. By default
// the library will log errors using the logger from [slog.Default]. Some logs
// contain message envelopes, including any headers.
func (c *Connection) WithLogger(logger *slog.Logger) *Connection {
	c.logger = logger.With("component", "simpleamqp-connection")

	return c
}

// WithReconnectDelay sets the fixed delay between reconnect attempts.
func (c *Connection) WithReconnectDelay(d time.Duration) *Connection {
	c.reconnectDelay = d

	return c
}

// AddMiddleware wraps every consumer callback of this connection. Only
// consumers started after the call are affected.
func (c *Connection) AddMiddleware(m ConsumerMiddlewareFunc) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.middlewares = append(c.middlewares, m)

	return c
}

// OnConnectionError registers a handler for transport failures. Without a
// handler the failures are logged.
func (c *Connection) OnConnectionError(f OnErrorFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onConnectionError = append(c.onConnectionError, f)
}

// OnConsumerError registers a handler for errors and panics raised by
// consumer callbacks. Without a handler they are logged.
func (c *Connection) OnConsumerError(f OnErrorFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onConsumerError = append(c.onConsumerError, f)
}

// OnReady registers a function called every time the action log has been
// fully replayed.
func (c *Connection) OnReady(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onReady = append(c.onReady, f)
}

// OnClosing registers a function called when Stop starts tearing down a
// connection, before any consumer is cancelled, with ErrConnectionAborted.
// Consumer callbacks may still be running when it is called.
func (c *Connection) OnClosing(f OnErrorFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onClosing = append(c.onClosing, f)
}

// OnDisconnected registers a function called every time a transport
// connection is torn down, with the cause. After Stop the cause is
// ErrConnectionAborted.
func (c *Connection) OnDisconnected(f OnErrorFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onDisconnected = append(c.onDisconnected, f)
}

// Parameters returns the broker parameters of the connection.
func (c *Connection) Parameters() Parameters {
	return c.params
}

// Channel creates a new logical channel.
func (c *Connection) Channel() *Channel {
	c.mu.Lock()

	c.channels++
	ch := &Channel{
		conn:      c,
		number:    c.channels,
		queues:    map[string]*Queue{},
		exchanges: map[string]*Exchange{},
	}

	c.actions = append(c.actions, CreateChannel{Number: ch.number})
	c.mu.Unlock()

	c.wake()

	return ch
}

// Actions returns a copy of the action log.
func (c *Connection) Actions() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Action(nil), c.actions...)
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Connection) addAction(a Action) {
	c.mu.Lock()
	c.actions = append(c.actions, a)
	c.mu.Unlock()

	c.wake()
}

func (c *Connection) actionAt(i int) (Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i >= len(c.actions) {
		return nil, false
	}

	return c.actions[i], true
}

func (c *Connection) wake() {
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
}

// broadcastLocked must be called with c.mu held.
func (c *Connection) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setStateLocked(s)
}

func (c *Connection) setStateLocked(s State) {
	if c.state == s {
		return
	}

	c.logger.Debug("state changed",
		slog.String("from", c.state.String()),
		slog.String("to", s.String()),
	)

	c.state = s
	c.broadcastLocked()
}

// waitFor blocks until cond reports done or an error, re-evaluating it on
// every state change. cond runs with c.mu held.
func (c *Connection) waitFor(ctx context.Context, cond func() (bool, error)) error {
	for {
		c.mu.Lock()
		done, err := cond()
		changed := c.changed
		c.mu.Unlock()

		if err != nil {
			return err
		}

		if done {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitReady blocks until the connection is Ready. It fails if the
// connection stopped, returning the error that stopped it.
func (c *Connection) WaitReady(ctx context.Context) error {
	return c.waitFor(ctx, func() (bool, error) {
		if c.state == StateReady {
			return true, nil
		}

		if !c.running {
			if c.runErr != nil {
				return false, c.runErr
			}

			return false, ErrNotRunning
		}

		return false, nil
	})
}

// Flush blocks until every action logged before the call has been applied
// on a Ready connection.
func (c *Connection) Flush(ctx context.Context) error {
	c.mu.Lock()
	target := len(c.actions)
	c.mu.Unlock()

	return c.waitFor(ctx, func() (bool, error) {
		if c.state == StateReady && c.applied >= target {
			return true, nil
		}

		if !c.running {
			if c.runErr != nil {
				return false, c.runErr
			}

			return false, ErrNotRunning
		}

		return false, nil
	})
}

func (c *Connection) notifyConnectionError(err error) {
	c.mu.Lock()
	handlers := append([]OnErrorFunc(nil), c.onConnectionError...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Error("connection error", slog.Any("error", err))
		return
	}

	for _, f := range handlers {
		f(err)
	}
}

func (c *Connection) notifyConsumerError(err error) {
	c.mu.Lock()
	handlers := append([]OnErrorFunc(nil), c.onConsumerError...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Error("consumer error", slog.Any("error", err))
		return
	}

	for _, f := range handlers {
		f(err)
	}
}
