// Package rpc implements request/response calls over a simpleamqp
// connection.
//
// Calls for a route are published to the topic exchange rpc.{route} with
// routing key rpc. The server for that route consumes them from the queue
// rpc.{route}, dispatches them to a registered service method and publishes
// the response to the reply queue named in the call. Responses are matched to
// their call by correlation id.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	simpleamqp "github.com/0x4b53/simple-amqp"
	"github.com/0x4b53/simple-amqp/codec"
)

const (
	// DefaultTimeout makes Call use the timeout configured with
	// WithCallTimeout.
	DefaultTimeout time.Duration = -1

	// DefaultCallTimeout is the call timeout unless WithCallTimeout is used.
	DefaultCallTimeout = 10 * time.Second
)

// HandlerFunc answers a call received by the server.
type HandlerFunc func(ctx context.Context, call Call) Response

// HandlerMiddlewareFunc wraps the dispatch of received calls.
type HandlerMiddlewareFunc func(next HandlerFunc) HandlerFunc

// HandlerMiddlewareChain attaches the middlewares to next. The middlewares
// are executed in the given order.
func HandlerMiddlewareChain(next HandlerFunc, m ...HandlerMiddlewareFunc) HandlerFunc {
	if len(m) == 0 {
		return next
	}

	return m[0](HandlerMiddlewareChain(next, m[1:]...))
}

type reply struct {
	resp Response
	err  error
}

// RPC is both the client and the server side of the protocol on one
// connection. Register services and clients, then call Configure (or Start)
// to add the RPC topology to the connection.
type RPC struct {
	conn        *simpleamqp.Connection
	route       string
	callTimeout time.Duration
	codecs      *codec.Registry
	logger      *slog.Logger

	mu sync.Mutex

	services    map[string]*Service
	routes      map[string]struct{}
	middlewares []HandlerMiddlewareFunc
	onRecvError []func(error)

	configured  bool
	callChannel *simpleamqp.Channel
	replyQueue  *simpleamqp.Queue
	pending     map[string]chan reply
}

// New returns an RPC listening for calls on route.
func New(conn *simpleamqp.Connection, route string) *RPC {
	r := &RPC{
		conn:        conn,
		route:       route,
		callTimeout: DefaultCallTimeout,
		codecs:      codec.DefaultRegistry(),
		services:    map[string]*Service{},
		routes:      map[string]struct{}{},
		pending:     map[string]chan reply{},
	}

	r.WithLogger(slog.Default())
	conn.OnClosing(r.faultPending)
	conn.OnDisconnected(r.faultPending)

	return r
}

// WithCallTimeout sets the timeout used by calls made with DefaultTimeout.
func (r *RPC) WithCallTimeout(d time.Duration) *RPC {
	r.callTimeout = d

	return r
}

// WithCodec sets the codec calls are encoded with. Calls and responses in
// other registered content types are still decoded.
func (r *RPC) WithCodec(c codec.Codec) *RPC {
	r.codecs.SetDefault(c)

	return r
}

// WithLogger sets the logger used for failed calls.
func (r *RPC) WithLogger(logger *slog.Logger) *RPC {
	r.logger = logger.With("component", "simpleamqp-rpc")

	return r
}

// Route returns the route the server listens on.
func (r *RPC) Route() string {
	return r.route
}

// Connection returns the underlying connection.
func (r *RPC) Connection() *simpleamqp.Connection {
	return r.conn
}

// AddService registers svc, replacing any service with the same name.
// Services must not be changed once calls are being received.
func (r *RPC) AddService(svc *Service) *RPC {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services[svc.Name()] = svc

	return r
}

// Method registers fn as service.name, creating the service if needed. See
// Service.Method for the accepted signatures.
func (r *RPC) Method(service, name string, fn any) *RPC {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[service]
	if !ok {
		svc = NewService(service)
		r.services[service] = svc
	}

	svc.Method(name, fn)

	return r
}

// AddMiddleware wraps the dispatch of every received call.
func (r *RPC) AddMiddleware(m HandlerMiddlewareFunc) *RPC {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.middlewares = append(r.middlewares, m)

	return r
}

// OnRecvError registers f to be called with calls that could not be decoded.
func (r *RPC) OnRecvError(f func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onRecvError = append(r.onRecvError, f)
}

// Client returns a client calling service on the server listening on route.
// The exchange for route is declared with the rest of the topology.
func (r *RPC) Client(service, route string) *Client {
	r.addRoute(route)

	return newClient(r, service, route)
}

func (r *RPC) addRoute(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.routes[route]; ok {
		return
	}

	r.routes[route] = struct{}{}

	if r.configured {
		r.declareRouteLocked(route)
	}
}

func (r *RPC) declareRouteLocked(route string) *simpleamqp.Exchange {
	return r.callChannel.Exchange(ExchangeName(route), simpleamqp.ExchangeKindTopic, simpleamqp.ExchangeOptions{
		Durable: true,
	})
}

// Configure adds the RPC topology to the connection: the call channel with
// the exchanges of every known route and the listening queue, and the
// response channel with an anonymous reply queue. Calling it again is a
// no-op.
func (r *RPC) Configure() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.configured {
		return
	}

	r.configured = true
	r.callChannel = r.conn.Channel()

	r.routes[r.route] = struct{}{}

	routes := make([]string, 0, len(r.routes))
	for route := range r.routes {
		routes = append(routes, route)
	}

	slices.Sort(routes)

	for _, route := range routes {
		r.declareRouteLocked(route)
	}

	listen := r.declareRouteLocked(r.route)

	r.callChannel.
		Queue(QueueName(r.route), simpleamqp.QueueOptions{AutoDelete: true}).
		Bind(listen, Topic, nil).
		Consume(r.handleCall, simpleamqp.DefaultConsumeOptions())

	r.replyQueue = r.conn.Channel().Queue("", simpleamqp.QueueOptions{
		Exclusive:  true,
		AutoDelete: true,
	})

	r.replyQueue.Consume(r.handleReply, simpleamqp.ConsumeOptions{AutoAck: true})
}

// Start configures the RPC if needed and starts the connection.
func (r *RPC) Start(ctx context.Context, autoReconnect, wait bool) error {
	r.Configure()

	return r.conn.Start(ctx, autoReconnect, wait)
}

// Stop stops the connection. Pending calls fail with
// simpleamqp.ErrConnectionAborted.
func (r *RPC) Stop(ctx context.Context) error {
	return r.conn.Stop(ctx)
}

// Call publishes call and waits for its response. A timeout of
// DefaultTimeout uses the configured call timeout; zero or a negative
// timeout waits until ctx is done.
//
// Errors are only returned when no response was received: ErrCallTimeout,
// simpleamqp.ErrConnectionAborted, a publish failure or the error of ctx.
// Application failures are reported by the response status.
func (r *RPC) Call(ctx context.Context, call Call, timeout time.Duration) (Response, error) {
	r.mu.Lock()

	if !r.configured {
		r.mu.Unlock()
		return Response{}, ErrNotConfigured
	}

	if _, ok := r.routes[call.Route]; !ok {
		r.routes[call.Route] = struct{}{}
		r.declareRouteLocked(call.Route)
	}

	ch := r.callChannel
	replyTo := r.replyQueue.Name()
	r.mu.Unlock()

	msg, err := EncodeCall(r.codecs.Default(), call)
	if err != nil {
		return Response{}, err
	}

	correlationID := uuid.NewString()
	key := ReplyKey(correlationID)

	msg = msg.
		WithExchange(ExchangeName(call.Route)).
		WithTopic(Topic).
		WithCorrelationID(correlationID).
		WithReplyTo(replyTo)

	if timeout == DefaultTimeout {
		timeout = r.callTimeout
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	slot := r.addPending(key)
	defer r.removePending(key)

	// Slots added after the closing hook ran are never faulted.
	if r.conn.State() == simpleamqp.StateClosing {
		return Response{}, fmt.Errorf("%w: connection is closing", simpleamqp.ErrConnectionAborted)
	}

	if err := ch.Publish(callCtx, msg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Response{}, ErrCallTimeout
		}

		return Response{}, fmt.Errorf("publish call: %w", err)
	}

	select {
	case rep := <-slot:
		return rep.resp, rep.err
	case <-callCtx.Done():
		if ctx.Err() == nil {
			return Response{}, ErrCallTimeout
		}

		return Response{}, ctx.Err()
	}
}

func (r *RPC) addPending(key string) chan reply {
	slot := make(chan reply, 1)

	r.mu.Lock()
	r.pending[key] = slot
	r.mu.Unlock()

	return slot
}

func (r *RPC) removePending(key string) {
	r.mu.Lock()
	delete(r.pending, key)
	r.mu.Unlock()
}

// takePending removes and returns the slot for key.
func (r *RPC) takePending(key string) (chan reply, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}

	return slot, ok
}

func (r *RPC) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending)
}

// faultPending fails every pending call when the connection goes away.
func (r *RPC) faultPending(cause error) {
	err := cause
	if !errors.Is(err, simpleamqp.ErrConnectionAborted) {
		err = fmt.Errorf("%w: %w", simpleamqp.ErrConnectionAborted, cause)
	}

	r.mu.Lock()
	pending := r.pending
	r.pending = map[string]chan reply{}
	r.mu.Unlock()

	for _, slot := range pending {
		slot <- reply{err: err}
	}
}

func (r *RPC) handleReply(_ context.Context, msg simpleamqp.Message) (bool, error) {
	slot, ok := r.takePending(msg.CorrelationID)
	if !ok {
		r.logger.Debug("discarding stale response", slog.String("correlation_id", msg.CorrelationID))
		return true, nil
	}

	resp, err := DecodeResponse(r.codecs, msg)
	if err != nil {
		slot <- reply{err: err}
		return true, nil
	}

	slot <- reply{resp: resp}

	return true, nil
}

func (r *RPC) handleCall(ctx context.Context, msg simpleamqp.Message) (bool, error) {
	call, err := DecodeCall(r.codecs, msg, r.route)
	if err != nil {
		r.notifyRecvError(err)
		return true, nil
	}

	r.mu.Lock()
	handler := HandlerMiddlewareChain(r.dispatch, r.middlewares...)
	r.mu.Unlock()

	resp := handler(ctx, call)

	if msg.ReplyTo == "" {
		return true, nil
	}

	c := r.codecs.Lookup(msg.ContentType)

	out, err := EncodeResponse(c, resp)
	if err != nil {
		r.logger.Error("encoding response",
			slog.String("service", call.Service),
			slog.String("method", call.Method),
			slog.Any("error", err),
		)

		out, err = EncodeResponse(c, Response{Status: StatusCallError})
		if err != nil {
			return false, err
		}
	}

	out = out.
		WithTopic(msg.ReplyTo).
		WithCorrelationID(ReplyKey(msg.CorrelationID))

	if err := r.callChannel.Publish(ctx, out); err != nil {
		return false, fmt.Errorf("publish response: %w", err)
	}

	return true, nil
}

func (r *RPC) notifyRecvError(err error) {
	r.mu.Lock()
	handlers := slices.Clone(r.onRecvError)
	r.mu.Unlock()

	if len(handlers) == 0 {
		r.logger.Error("receiving call", slog.Any("error", err))
		return
	}

	for _, f := range handlers {
		f(err)
	}
}

func (r *RPC) dispatch(ctx context.Context, call Call) Response {
	r.mu.Lock()
	svc, hasService := r.services[call.Service]

	var m *method
	if hasService {
		m = svc.methods[call.Method]
	}

	r.mu.Unlock()

	if !hasService {
		return Response{
			Status: StatusServiceNotFound,
			Body:   fmt.Sprintf("Service [%s] not found", call.Service),
		}
	}

	if m == nil {
		return Response{
			Status: StatusMethodNotFound,
			Body:   fmt.Sprintf("Method [%s->%s] not found", call.Service, call.Method),
		}
	}

	body, err := m.call(ctx, call.Args)

	switch {
	case err == nil:
		return Response{Status: StatusOK, Body: body}
	case errors.Is(err, ErrArgsMismatch):
		r.logger.Debug("invalid call arguments",
			slog.String("service", call.Service),
			slog.String("method", call.Method),
			slog.Any("error", err),
		)

		return Response{Status: StatusArgsMismatch, Body: "Invalid call arguments"}
	default:
		r.logger.Error("call failed",
			slog.String("service", call.Service),
			slog.String("method", call.Method),
			slog.Any("error", err),
		)

		return Response{Status: StatusCallError}
	}
}
