package rpc

import (
	"context"
	"sync"
	"time"
)

// MethodFunc calls one method of a service.
type MethodFunc func(ctx context.Context, args ...any) (Response, error)

// Client calls the methods of one service on one route.
type Client struct {
	rpc     *RPC
	service string
	route   string

	mu          sync.Mutex
	sender      SendFunc
	timeout     time.Duration
	middlewares []ClientMiddlewareFunc
	methods     map[string]MethodFunc
}

func newClient(r *RPC, service, route string) *Client {
	return &Client{
		rpc:     r,
		service: service,
		route:   route,
		timeout: DefaultTimeout,
		methods: map[string]MethodFunc{},
	}
}

// Service returns the name of the called service.
func (c *Client) Service() string {
	return c.service
}

// Route returns the route calls are sent to.
func (c *Client) Route() string {
	return c.route
}

// WithTimeout sets the timeout of calls made by this client. The default is
// the timeout of the RPC.
func (c *Client) WithTimeout(t time.Duration) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timeout = t

	return c
}

// WithSender replaces the function sending calls to the broker. Middlewares
// still run around it.
func (c *Client) WithSender(sf SendFunc) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sender = sf

	return c
}

// AddMiddleware adds a middleware around every call of this client.
func (c *Client) AddMiddleware(m ClientMiddlewareFunc) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.middlewares = append(c.middlewares, m)

	return c
}

// Invoke calls method with args.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) (Response, error) {
	c.mu.Lock()
	timeout := c.timeout
	send := c.sender
	middlewares := append([]ClientMiddlewareFunc(nil), c.middlewares...)
	c.mu.Unlock()

	if send == nil {
		send = func(ctx context.Context, call Call) (Response, error) {
			return c.rpc.Call(ctx, call, timeout)
		}
	}

	if args == nil {
		args = []any{}
	}

	return ClientMiddlewareChain(send, middlewares...)(ctx, Call{
		Route:   c.route,
		Service: c.service,
		Method:  method,
		Args:    args,
	})
}

// Method returns a function calling name. Functions are cached per name.
func (c *Client) Method(name string) MethodFunc {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.methods[name]; ok {
		return f
	}

	f := func(ctx context.Context, args ...any) (Response, error) {
		return c.Invoke(ctx, name, args...)
	}

	c.methods[name] = f

	return f
}
