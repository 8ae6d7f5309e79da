package simpleamqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// errStopping aborts an in-flight action when Stop is called.
var errStopping = errors.New("connection stopping")

// session holds the transport handles of one connection attempt. Handles are
// only valid until the session is lost; a new attempt starts from an empty
// session.
type session struct {
	conn      TransportConn
	channels  map[int]*liveChannel
	consumers sync.WaitGroup

	closing  atomic.Bool
	lostOnce sync.Once
	lost     chan struct{}
	lostErr  error
}

func newSession() *session {
	return &session{
		channels: map[int]*liveChannel{},
		lost:     make(chan struct{}),
	}
}

func (s *session) fail(err error) {
	if s.closing.Load() {
		return
	}

	s.lostOnce.Do(func() {
		s.lostErr = err
		close(s.lost)
	})
}

func (s *session) watch(notify <-chan error) {
	go func() {
		err, ok := <-notify
		if !ok || err == nil {
			err = ErrUnexpectedConnClosed
		}

		s.fail(err)
	}()
}

// liveChannel is an open transport channel. sem serialises operations on
// it; the maps are guarded by Connection.mu.
type liveChannel struct {
	number int
	ch     TransportChannel
	sem    chan struct{}

	queues    map[string]struct{}
	exchanges map[string]struct{}
	consumers map[string]BindConsumer
}

func newLiveChannel(number int, ch TransportChannel) *liveChannel {
	return &liveChannel{
		number:    number,
		ch:        ch,
		sem:       make(chan struct{}, 1),
		queues:    map[string]struct{}{},
		exchanges: map[string]struct{}{},
		consumers: map[string]BindConsumer{},
	}
}

func (lc *liveChannel) acquire(ctx context.Context, lost <-chan struct{}) error {
	select {
	case lc.sem <- struct{}{}:
		return nil
	case <-lost:
		return ErrConnectionAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (lc *liveChannel) release() {
	<-lc.sem
}

func isBuiltinExchange(name string) bool {
	return name == "" || strings.HasPrefix(name, "amq.")
}

// Start connects to the broker and replays the action log. With wait set,
// Start blocks until the connection is Ready; otherwise it returns at once
// and the replay runs in the background.
//
// With autoReconnect set every failure, including the first connect, is
// followed by a fixed delay and a replay from the first action. Without it
// the first failure stops the connection and, when waiting, is returned.
func (c *Connection) Start(ctx context.Context, autoReconnect, wait bool) error {
	c.mu.Lock()

	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	c.running = true
	c.stopping = false
	c.runErr = nil
	c.stopErr = nil
	c.stopChan = stop
	c.done = done
	c.broadcastLocked()
	c.mu.Unlock()

	c.logger.Info("starting connection",
		slog.String("broker", c.params.String()),
		slog.Bool("auto_reconnect", autoReconnect),
	)

	go c.run(autoReconnect, stop, done)

	if !wait {
		return nil
	}

	return c.WaitReady(ctx)
}

// Stop cancels every active consumer, waiting for each cancel to be
// acknowledged, closes all channels and then the connection. It blocks until
// teardown is done or ctx expires. Stopping a stopped connection is a no-op.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()

	if !c.running {
		c.mu.Unlock()
		return nil
	}

	done := c.done

	if !c.stopping {
		c.stopping = true
		close(c.stopChan)
	}

	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopErr
}

func (c *Connection) run(autoReconnect bool, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		stopped, err := c.runSession(stop)
		if stopped {
			c.finish(nil, err)
			return
		}

		c.notifyConnectionError(err)

		if !autoReconnect {
			c.finish(err, nil)
			return
		}

		c.logger.Info("reconnecting",
			slog.Duration("delay", c.reconnectDelay),
			slog.Any("error", err),
		)

		select {
		case <-stop:
			c.finish(nil, nil)
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Connection) finish(runErr, stopErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = false
	c.runErr = runErr
	c.stopErr = stopErr
	c.session = nil
	c.applied = 0
	c.state = StateDisconnected
	c.broadcastLocked()

	c.logger.Info("connection stopped")
}

// runSession connects and replays the log, then keeps applying new actions
// until the session is lost or stop is closed. stopped reports a graceful
// stop, in which case err holds teardown failures.
func (c *Connection) runSession(stop <-chan struct{}) (stopped bool, err error) {
	s := newSession()
	ready := false
	idx := 0

	c.setState(StateConnecting)

	for {
		if a, ok := c.actionAt(idx); ok {
			err := c.apply(s, stop, idx, a)

			switch {
			case errors.Is(err, errStopping):
				return true, c.shutdown(s)
			case err != nil:
				err = &ActionError{Index: idx, Action: a, Err: err}
				c.abort(s, err)

				return false, err
			}

			idx++
			c.markApplied(s, idx)

			continue
		}

		if !ready {
			ready = true
			c.markReady()
		}

		select {
		case <-c.wakeup:
		case <-s.lost:
			err := fmt.Errorf("%w: %w", ErrConnectionAborted, s.lostErr)
			c.abort(s, err)

			return false, err
		case <-stop:
			return true, c.shutdown(s)
		}
	}
}

func (c *Connection) markApplied(s *session, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n == 1 {
		c.session = s
		c.setStateLocked(StateReplayingActions)
	}

	c.applied = n
	c.broadcastLocked()
}

func (c *Connection) markReady() {
	c.mu.Lock()
	c.setStateLocked(StateReady)
	hooks := append([]func(){}, c.onReady...)
	c.mu.Unlock()

	c.logger.Info("connection ready", slog.String("broker", c.params.String()))

	for _, f := range hooks {
		f()
	}
}

// await runs op and waits for its result, giving up as soon as the session
// is lost or the connection is stopping. One op is in flight at a time.
func (c *Connection) await(s *session, stop <-chan struct{}, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan error, 1)

	go func() {
		result <- op(ctx)
	}()

	select {
	case err := <-result:
		return err
	case <-s.lost:
		return fmt.Errorf("%w: %w", ErrConnectionAborted, s.lostErr)
	case <-stop:
		return errStopping
	}
}

func (c *Connection) lookupChannel(s *session, number int) (*liveChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lc, ok := s.channels[number]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChannelNotReady, number)
	}

	return lc, nil
}

// onChannel runs op on the transport channel with the channel held.
func (c *Connection) onChannel(
	s *session,
	stop <-chan struct{},
	number int,
	op func(ctx context.Context, lc *liveChannel) error,
) (*liveChannel, error) {
	lc, err := c.lookupChannel(s, number)
	if err != nil {
		return nil, err
	}

	err = c.await(s, stop, func(ctx context.Context) error {
		if err := lc.acquire(ctx, s.lost); err != nil {
			return err
		}
		defer lc.release()

		return op(ctx, lc)
	})

	return lc, err
}

func (c *Connection) apply(s *session, stop <-chan struct{}, idx int, action Action) error {
	c.logger.Debug("applying action",
		slog.Int("index", idx),
		slog.Int("channel", actionChannel(action)),
		slog.String("action", action.String()),
	)

	switch a := action.(type) {
	case CreateConnection:
		var tc TransportConn

		err := c.await(s, stop, func(ctx context.Context) error {
			conn, err := c.transport.Connect(ctx, a)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrConnectFailed, err)
			}

			if ctx.Err() != nil {
				_ = conn.Close()
				return ctx.Err()
			}

			tc = conn

			return nil
		})
		if err != nil {
			return err
		}

		s.conn = tc
		s.watch(tc.NotifyClose())

		return nil

	case CreateChannel:
		var tc TransportChannel

		err := c.await(s, stop, func(ctx context.Context) error {
			ch, err := s.conn.Channel(ctx, a.Number)
			if err != nil {
				return err
			}

			if ctx.Err() != nil {
				_ = ch.Close()
				return ctx.Err()
			}

			tc = ch

			return nil
		})
		if err != nil {
			return err
		}

		s.watch(tc.NotifyClose())

		c.mu.Lock()
		s.channels[a.Number] = newLiveChannel(a.Number, tc)
		c.mu.Unlock()

		return nil

	case DeclareQueue:
		lc, err := c.onChannel(s, stop, a.Channel, func(ctx context.Context, lc *liveChannel) error {
			return lc.ch.DeclareQueue(ctx, a)
		})
		if err != nil {
			return err
		}

		c.mu.Lock()
		lc.queues[a.Name] = struct{}{}
		c.mu.Unlock()

		return nil

	case DeclareExchange:
		lc, err := c.onChannel(s, stop, a.Channel, func(ctx context.Context, lc *liveChannel) error {
			return lc.ch.DeclareExchange(ctx, a)
		})
		if err != nil {
			return err
		}

		c.mu.Lock()
		lc.exchanges[a.Name] = struct{}{}
		c.mu.Unlock()

		return nil

	case BindQueue:
		_, err := c.onChannel(s, stop, a.Channel, func(ctx context.Context, lc *liveChannel) error {
			return lc.ch.BindQueue(ctx, a)
		})

		return err

	case BindExchange:
		_, err := c.onChannel(s, stop, a.Channel, func(ctx context.Context, lc *liveChannel) error {
			return lc.ch.BindExchange(ctx, a)
		})

		return err

	case BindConsumer:
		return c.applyConsumer(s, stop, a)

	default:
		return fmt.Errorf("%w: %T", ErrUnknownAction, action)
	}
}

func (c *Connection) applyConsumer(s *session, stop <-chan struct{}, a BindConsumer) error {
	if c.isCancelled(a.Tag) {
		c.logger.Debug("skipping cancelled consumer", slog.String("consumer_tag", a.Tag))
		return nil
	}

	_, err := c.onChannel(s, stop, a.Channel, func(ctx context.Context, lc *liveChannel) error {
		deliveries, err := lc.ch.Consume(ctx, a)
		if err != nil {
			return err
		}

		c.mu.Lock()
		_, cancelled := c.cancelled[a.Tag]
		if !cancelled {
			lc.consumers[a.Tag] = a
		}
		c.mu.Unlock()

		// Cancelled while the consume was in flight.
		if cancelled {
			return lc.ch.Cancel(ctx, a.Tag)
		}

		s.consumers.Add(1)

		go c.consume(s, lc, a, deliveries, stop)

		return nil
	})

	return err
}

func (c *Connection) isCancelled(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.cancelled[tag]

	return ok
}

// abort drops a lost session. Its handles are invalid from here on.
func (c *Connection) abort(s *session, cause error) {
	s.fail(cause)

	c.mu.Lock()

	if c.session == s {
		c.session = nil
	}

	c.applied = 0
	c.setStateLocked(StateDisconnected)

	hooks := append([]OnErrorFunc(nil), c.onDisconnected...)
	c.mu.Unlock()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			c.logger.Debug("closing lost connection", slog.Any("error", err))
		}
	}

	for _, f := range hooks {
		f(cause)
	}
}

// shutdown tears a session down gracefully.
func (c *Connection) shutdown(s *session) error {
	c.mu.Lock()
	c.setStateLocked(StateClosing)
	closing := slices.Clone(c.onClosing)
	c.mu.Unlock()

	for _, f := range closing {
		f(ErrConnectionAborted)
	}

	ctx := context.Background()

	c.mu.Lock()

	channels := make([]*liveChannel, 0, len(s.channels))
	for _, lc := range s.channels {
		channels = append(channels, lc)
	}

	c.mu.Unlock()

	slices.SortFunc(channels, func(a, b *liveChannel) int {
		return a.number - b.number
	})

	var result *multierror.Error

	for _, lc := range channels {
		c.mu.Lock()

		tags := make([]string, 0, len(lc.consumers))
		for tag := range lc.consumers {
			tags = append(tags, tag)
		}

		c.mu.Unlock()

		slices.Sort(tags)

		for _, tag := range tags {
			if err := c.cancelOnChannel(ctx, s, lc, tag); err != nil {
				result = multierror.Append(result, fmt.Errorf("cancel consumer %s: %w", tag, err))
			}
		}
	}

	s.consumers.Wait()
	s.closing.Store(true)

	for _, lc := range channels {
		if err := lc.ch.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close channel %d: %w", lc.number, err))
		}
	}

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
		}
	}

	c.mu.Lock()
	c.session = nil
	c.applied = 0
	hooks := append([]OnErrorFunc(nil), c.onDisconnected...)
	c.mu.Unlock()

	for _, f := range hooks {
		f(ErrConnectionAborted)
	}

	return result.ErrorOrNil()
}

func (c *Connection) cancelOnChannel(ctx context.Context, s *session, lc *liveChannel, tag string) error {
	if err := lc.acquire(ctx, s.lost); err != nil {
		return err
	}

	err := lc.ch.Cancel(ctx, tag)
	lc.release()

	c.mu.Lock()
	delete(lc.consumers, tag)
	c.mu.Unlock()

	return err
}

// readyChannel returns the live channel with the given number.
func (c *Connection) readyChannel(number int) (*session, *liveChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		return nil, nil, fmt.Errorf("%w: %d", ErrChannelNotReady, number)
	}

	lc, ok := s.channels[number]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrChannelNotReady, number)
	}

	return s, lc, nil
}

// Publish publishes msg on ch. It fails with ErrChannelNotReady unless the
// channel is open on the current transport connection, and with
// ErrUnknownExchange unless msg.Exchange was declared on that channel. The
// default exchange and amq.* exchanges are always accepted.
func (c *Connection) Publish(ctx context.Context, ch *Channel, msg Message) error {
	s, lc, err := c.readyChannel(ch.Number())
	if err != nil {
		return err
	}

	if !isBuiltinExchange(msg.Exchange) {
		c.mu.Lock()
		_, ok := lc.exchanges[msg.Exchange]
		c.mu.Unlock()

		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownExchange, msg.Exchange)
		}
	}

	if err := lc.acquire(ctx, s.lost); err != nil {
		return err
	}
	defer lc.release()

	c.logger.Debug("publishing",
		slog.Int("channel", lc.number),
		MessageLogAttr("message", msg),
	)

	if err := lc.ch.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return nil
}

// CancelConsumer cancels consumer on ch and removes it from the channel's
// active set. The consumer is not restarted by later replays.
func (c *Connection) CancelConsumer(ctx context.Context, ch *Channel, consumer *Consumer) error {
	tag := consumer.Tag()

	c.mu.Lock()

	c.cancelled[tag] = struct{}{}

	var (
		s  = c.session
		lc *liveChannel
	)

	if s != nil {
		if l, ok := s.channels[ch.Number()]; ok {
			if _, active := l.consumers[tag]; active {
				lc = l
			}
		}
	}

	c.mu.Unlock()

	if lc == nil {
		return nil
	}

	if err := c.cancelOnChannel(ctx, s, lc, tag); err != nil {
		return fmt.Errorf("cancel consumer %s: %w", tag, err)
	}

	return nil
}
