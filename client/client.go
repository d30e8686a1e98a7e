// Package client sends commands to the controller over a pool of request
// sockets and, optionally, follows its heartbeat feed.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ctrl-rpc/codec"
	"ctrl-rpc/heartbeat"
	"ctrl-rpc/message"
	"ctrl-rpc/middleware"
	"ctrl-rpc/rpcerr"
	"ctrl-rpc/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultStateField  = "slavestates"
	defaultPoolLimit   = 1
	heartbeatPortShift = 1
)

// ErrNothingPending is returned by ReceiveCommand when no command was sent
// with WithNoWait.
var ErrNothingPending = errors.New("no command awaiting a reply")

type Config struct {
	Endpoint transport.Endpoint

	// PoolLimit caps live sockets; zero means one, negative means unbounded.
	PoolLimit    int
	ReuseTimeout time.Duration

	// Timeout is the default budget of one exchange. Negative waits forever.
	Timeout       time.Duration
	FireAndForget bool

	// Session fills the fields a request leaves empty. A missing slave
	// request id is generated.
	Session message.Session

	// Heartbeat, when set, starts a monitor for the controller's feed.
	Heartbeat *HeartbeatConfig

	// Context, when set, is shared and never closed by the client.
	Context *transport.Context

	Logger      *zap.Logger
	Middlewares []middleware.Middleware
}

type HeartbeatConfig struct {
	// Source, when set, is re-evaluated on every spin so the monitor follows
	// a moving feed. Otherwise Endpoint is used, defaulting to the command
	// endpoint with the port shifted by one.
	Source              transport.EndpointSource
	Endpoint            transport.Endpoint
	ReinitializeTimeout time.Duration

	// StateField names the map holding per-session states; the entry for the
	// client's slave request id is published. Ignored when Extract is set.
	StateField string
	Extract    heartbeat.Extractor
}

// Client is meant to be used from one goroutine at a time. Overlapping calls
// still work but are reported in the log as a race.
type Client struct {
	pool          *transport.SocketPool
	tctx          *transport.Context
	ownsContext   bool
	monitor       *heartbeat.Monitor
	session       message.Session
	timeout       time.Duration
	fireAndForget bool
	codec         codec.Codec
	handler       middleware.HandlerFunc
	logger        *zap.Logger

	inUse  atomic.Bool
	closed atomic.Bool

	mu          sync.Mutex
	held        *transport.PooledSocket
	heldCommand string
}

// New creates a client. Sockets connect lazily; the heartbeat monitor, if
// configured, starts right away.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint.IsZero() {
		return nil, fmt.Errorf("client: %w", rpcerr.ErrNotConfigured)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PoolLimit == 0 {
		cfg.PoolLimit = defaultPoolLimit
	}
	if cfg.Session.SlaveRequestID == "" {
		cfg.Session.SlaveRequestID = uuid.NewString()
	}

	c := &Client{
		tctx:          cfg.Context,
		session:       cfg.Session,
		timeout:       cfg.Timeout,
		fireAndForget: cfg.FireAndForget,
		codec:         &codec.JSONCodec{},
		logger: cfg.Logger.With(zap.String("component", "client"),
			zap.Stringer("endpoint", cfg.Endpoint), zap.String("slave_request_id", cfg.Session.SlaveRequestID)),
	}
	if c.tctx == nil {
		c.tctx = transport.NewContext(transport.WithContextLogger(cfg.Logger))
		c.ownsContext = true
	}

	poolOpts := []transport.PoolOption{
		transport.WithTransportContext(c.tctx),
		transport.WithPoolLogger(cfg.Logger),
	}
	if cfg.PoolLimit > 0 {
		poolOpts = append(poolOpts, transport.WithLimit(cfg.PoolLimit))
	}
	if cfg.ReuseTimeout > 0 {
		poolOpts = append(poolOpts, transport.WithReuseTimeout(cfg.ReuseTimeout))
	}
	c.pool = transport.NewSocketPool(cfg.Endpoint, poolOpts...)
	c.handler = middleware.Chain(cfg.Middlewares...)(c.exchange)

	if cfg.Heartbeat != nil {
		if err := c.startMonitor(cfg); err != nil {
			c.pool.Shutdown()
			if c.ownsContext {
				c.tctx.Close()
			}
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) startMonitor(cfg Config) error {
	hb := cfg.Heartbeat
	source := hb.Source
	if source == nil {
		ep, err := heartbeatEndpoint(cfg.Endpoint, hb.Endpoint)
		if err != nil {
			return err
		}
		source = transport.StaticEndpoint(ep)
	}
	extract := hb.Extract
	if extract == nil {
		field := hb.StateField
		if field == "" {
			field = DefaultStateField
		}
		extract = heartbeat.KeyedState(field, c.session.SlaveRequestID)
	}
	mon, err := heartbeat.NewMonitor(heartbeat.Config{
		Source:              source,
		ReinitializeTimeout: hb.ReinitializeTimeout,
		Extract:             extract,
		Name:                "heartbeat-" + c.session.SlaveRequestID,
		Logger:              cfg.Logger,
		Context:             c.tctx,
	})
	if err != nil {
		return err
	}
	if err := mon.Start(); err != nil {
		return err
	}
	c.monitor = mon
	return nil
}

func heartbeatEndpoint(command, explicit transport.Endpoint) (transport.Endpoint, error) {
	if !explicit.IsZero() {
		return explicit, nil
	}
	if command.URL != "" {
		return transport.Endpoint{}, fmt.Errorf("client: heartbeat endpoint must be set for %s", command)
	}
	return command.WithPort(command.Port + heartbeatPortShift), nil
}

// CallOption tunes a single SendCommand.
type CallOption func(*callOptions)

type callOptions struct {
	timeout       time.Duration
	noWait        bool
	fireAndForget bool
	cancel        transport.CancelCheck
}

// WithTimeout overrides the client's budget for one call. Zero makes a single
// attempt at every step, negative waits forever.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithNoWait returns right after sending and keeps the socket leased until
// ReceiveCommand.
func WithNoWait() CallOption {
	return func(o *callOptions) { o.noWait = true }
}

// WithFireAndForget sends without expecting any reply.
func WithFireAndForget(v bool) CallOption {
	return func(o *callOptions) { o.fireAndForget = v }
}

// WithCancelCheck aborts every wait of the call as soon as fn returns true.
func WithCancelCheck(fn transport.CancelCheck) CallOption {
	return func(o *callOptions) { o.cancel = fn }
}

type callOptionsKey struct{}

func (c *Client) callOptions(opts []CallOption) *callOptions {
	co := &callOptions{timeout: c.timeout, fireAndForget: c.fireAndForget}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// SendCommand sends req and, unless told otherwise, waits for the reply and
// returns its output.
//
// Fire-and-forget calls and WithNoWait calls return a nil output. A pending
// WithNoWait command that was never received is abandoned by the next
// SendCommand.
func (c *Client) SendCommand(ctx context.Context, req *message.Request, opts ...CallOption) (json.RawMessage, error) {
	defer c.enter("SendCommand")()
	if c.closed.Load() {
		return nil, fmt.Errorf("client: %w", rpcerr.ErrClosed)
	}
	co := c.callOptions(opts)
	c.fillSession(&req.Session)
	req.FireAndForget = co.fireAndForget
	return c.handler(context.WithValue(ctx, callOptionsKey{}, co), req)
}

// Call builds a request for command, sends it and decodes the output into
// reply, which may be nil.
func (c *Client) Call(ctx context.Context, command string, params map[string]any, reply any, opts ...CallOption) error {
	out, err := c.SendCommand(ctx, message.NewRequest(command, params, message.Session{}), opts...)
	if err != nil {
		return err
	}
	if reply == nil || out == nil {
		return nil
	}
	if err := c.codec.Decode(out, reply); err != nil {
		return rpcerr.Protocolf("decode %s output: %v", command, err)
	}
	return nil
}

// ReceiveCommand waits for the reply of the command sent with WithNoWait. The
// socket is released whatever the outcome.
func (c *Client) ReceiveCommand(ctx context.Context, timeout time.Duration, cancel transport.CancelCheck) (json.RawMessage, error) {
	defer c.enter("ReceiveCommand")()
	c.mu.Lock()
	sock, command := c.held, c.heldCommand
	c.held, c.heldCommand = nil, ""
	c.mu.Unlock()
	if sock == nil {
		return nil, ErrNothingPending
	}
	return c.receive(ctx, sock, command, timeout, cancel)
}

// GetPublishedState returns the latest heartbeat state for this session, or
// nil when unknown or when no monitor is configured.
func (c *Client) GetPublishedState() json.RawMessage {
	if c.monitor == nil {
		return nil
	}
	return c.monitor.GetPublishedState()
}

// Heartbeat returns the monitor, or nil.
func (c *Client) Heartbeat() *heartbeat.Monitor { return c.monitor }

func (c *Client) Stats() transport.PoolStats { return c.pool.Stats() }

// Destroy stops the monitor, abandons any pending command, shuts the pool
// down and closes the transport context if the client created it.
func (c *Client) Destroy() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if c.monitor != nil {
		errs = append(errs, c.monitor.Stop())
	}
	c.abandonHeld()
	c.pool.Shutdown()
	if c.ownsContext {
		errs = append(errs, c.tctx.Close())
	}
	c.logger.Debug("client destroyed")
	return errors.Join(errs...)
}

// exchange is the innermost handler of the middleware chain.
func (c *Client) exchange(ctx context.Context, req *message.Request) (json.RawMessage, error) {
	co, ok := ctx.Value(callOptionsKey{}).(*callOptions)
	if !ok {
		co = c.callOptions(nil)
	}
	body, err := c.codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Command, err)
	}

	c.abandonHeld()

	start := time.Now()
	sock, err := c.pool.Acquire(ctx, co.timeout, co.cancel)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}

	// A fresh socket may still be connecting.
	err = transport.Wait(ctx, remaining(co.timeout, start), co.cancel, func() (bool, error) {
		if sock.Broken() {
			return false, fmt.Errorf("%w: connection to %s failed", rpcerr.ErrTransport, sock.Endpoint())
		}
		return sock.Writable(), nil
	})
	if err == nil {
		err = sock.Send(body)
	}
	if err != nil {
		c.pool.Release(sock, !sock.Broken())
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}

	switch {
	case co.fireAndForget:
		c.pool.Release(sock, false)
		c.logger.Debug("command sent without reply", zap.String("command", req.Command))
		return nil, nil
	case co.noWait:
		c.mu.Lock()
		c.held, c.heldCommand = sock, req.Command
		c.mu.Unlock()
		return nil, nil
	}
	return c.receive(ctx, sock, req.Command, remaining(co.timeout, start), co.cancel)
}

func (c *Client) receive(ctx context.Context, sock *transport.PooledSocket, command string, timeout time.Duration, cancel transport.CancelCheck) (json.RawMessage, error) {
	var body []byte
	err := transport.Wait(ctx, timeout, cancel, func() (bool, error) {
		b, ok, err := sock.TryRecv()
		if err != nil {
			return false, err
		}
		body = b
		return ok, nil
	})
	c.pool.Release(sock, !sock.Broken())
	if err != nil {
		return nil, fmt.Errorf("receive %s reply: %w", command, err)
	}
	out, err := message.ParseReply(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	return out, nil
}

func (c *Client) abandonHeld() {
	c.mu.Lock()
	sock, command := c.held, c.heldCommand
	c.held, c.heldCommand = nil, ""
	c.mu.Unlock()
	if sock == nil {
		return
	}
	c.logger.Warn("abandoning reply that was never received", zap.String("command", command))
	c.pool.Release(sock, !sock.Broken())
}

func (c *Client) fillSession(s *message.Session) {
	if s.SlaveRequestID == "" {
		s.SlaveRequestID = c.session.SlaveRequestID
	}
	if s.UserInfo == nil {
		s.UserInfo = c.session.UserInfo
	}
	if s.Locale == "" {
		s.Locale = c.session.Locale
	}
}

// enter marks the client busy for the duration of one public call.
func (c *Client) enter(op string) func() {
	if !c.inUse.CompareAndSwap(false, true) {
		c.logger.Warn("client used by concurrent callers", zap.String("op", op))
		return func() {}
	}
	return func() { c.inUse.Store(false) }
}

func remaining(timeout time.Duration, start time.Time) time.Duration {
	if timeout < 0 {
		return timeout
	}
	if left := timeout - time.Since(start); left > 0 {
		return left
	}
	return 0
}
