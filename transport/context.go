// Package transport implements the messaging layer between ctrl-rpc clients and
// the controller: request sockets with strict request/reply alternation,
// conflating feed sockets, and the SocketPool that leases request sockets.
//
// Sockets connect asynchronously. Opening a socket never fails because the
// peer is down; the socket keeps redialing in the background and simply stays
// not-writable (request) or silent (feed) until a connection exists. Every
// wait on a socket is a bounded poll, see Wait.
//
//	Acquire ─► ReqSocket.Send ─► poll Readable ─► TryRecv ─► Release
//	                                   │
//	                 timeout ──► Release(reuse) ─► awaiting-reply ─► drained ─► available
//	                                                     └── reuse timeout ─► evicted
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"ctrl-rpc/rpcerr"

	"go.uber.org/zap"
)

const (
	defaultDialTimeout  = 3 * time.Second
	defaultRedialDelay  = 100 * time.Millisecond
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Context owns the dialer settings shared by a group of sockets and tracks
// every socket opened through it, so Close can tear them all down.
type Context struct {
	dialer       net.Dialer
	redialDelay  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	sockets map[io.Closer]struct{}
	closed  bool
}

// ContextOption configures a Context.
type ContextOption func(*Context)

func WithDialTimeout(d time.Duration) ContextOption {
	return func(c *Context) { c.dialer.Timeout = d }
}

func WithRedialDelay(d time.Duration) ContextOption {
	return func(c *Context) { c.redialDelay = d }
}

func WithWriteTimeout(d time.Duration) ContextOption {
	return func(c *Context) { c.writeTimeout = d }
}

// WithPingInterval sets how often idle request sockets send a keepalive
// frame. Zero disables pings.
func WithPingInterval(d time.Duration) ContextOption {
	return func(c *Context) { c.pingInterval = d }
}

func WithContextLogger(l *zap.Logger) ContextOption {
	return func(c *Context) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewContext creates a transport context.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		dialer:       net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 15 * time.Second},
		redialDelay:  defaultRedialDelay,
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		logger:       zap.NewNop(),
		sockets:      make(map[io.Closer]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes every socket still tracked by the context. Sockets opened
// afterwards fail with rpcerr.ErrClosed.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sockets := make([]io.Closer, 0, len(c.sockets))
	for s := range c.sockets {
		sockets = append(sockets, s)
	}
	c.sockets = make(map[io.Closer]struct{})
	c.mu.Unlock()

	for _, s := range sockets {
		s.Close()
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// NumSockets returns the number of open sockets created through c.
func (c *Context) NumSockets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sockets)
}

func (c *Context) track(s io.Closer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return rpcerr.ErrClosed
	}
	c.sockets[s] = struct{}{}
	return nil
}

func (c *Context) untrack(s io.Closer) {
	c.mu.Lock()
	delete(c.sockets, s)
	c.mu.Unlock()
}

// connect dials ep until it succeeds or ctx ends. It returns nil when ctx
// ends first.
func (c *Context) connect(ctx context.Context, ep Endpoint) net.Conn {
	network, address, err := ep.dialArgs()
	if err != nil {
		c.logger.Error("invalid endpoint", zap.Stringer("endpoint", ep), zap.Error(err))
		return nil
	}
	for attempt := 0; ; attempt++ {
		conn, err := c.dialer.DialContext(ctx, network, address)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		if attempt == 0 {
			c.logger.Debug("dial failed, retrying in background", zap.Stringer("endpoint", ep), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.redialDelay):
		}
	}
}
