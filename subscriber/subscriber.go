// Package subscriber consumes publish/subscribe feeds from the controller.
//
// A Subscriber binds an EndpointSource, a handler and a conflate flag to at
// most one live feed socket. The endpoint is re-evaluated on every spin; when
// it changes the socket is replaced, and when it disappears the socket is
// dropped and the spin reports NotConfigured. A Threaded subscriber drives
// SpinOnce from its own goroutine.
package subscriber

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ctrl-rpc/rpcerr"
	"ctrl-rpc/transport"

	"go.uber.org/zap"
)

// Handler receives the raw body of each feed message, on the spinning
// goroutine.
type Handler func(payload []byte)

// SpinResult tells a successful SpinOnce apart.
type SpinResult int

const (
	Idle          SpinResult = iota // nothing arrived (non-blocking spin only)
	Received                        // the handler ran at least once
	NotConfigured                   // no endpoint is configured
)

func (r SpinResult) String() string {
	switch r {
	case Idle:
		return "idle"
	case Received:
		return "received"
	case NotConfigured:
		return "not-configured"
	}
	return "unknown"
}

// Subscriber is not meant for concurrent SpinOnce calls; its mutex only keeps
// Close safe against a spin in progress. Endpoint, Connected and
// SocketsOpened never wait for a spin.
type Subscriber struct {
	source           transport.EndpointSource
	handler          Handler
	conflate         bool
	reconnectTimeout time.Duration
	tctx             *transport.Context
	ownsContext      bool
	logger           *zap.Logger

	mu           sync.Mutex
	sock         *transport.SubSocket
	lastActivity time.Time
	closed       bool

	live   atomic.Pointer[transport.SubSocket]
	opened atomic.Uint64
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithConflate keeps only the newest unread message.
func WithConflate(conflate bool) Option {
	return func(s *Subscriber) { s.conflate = conflate }
}

// WithReconnectTimeout recreates the socket when no message arrived for d.
// Zero disables it.
func WithReconnectTimeout(d time.Duration) Option {
	return func(s *Subscriber) { s.reconnectTimeout = d }
}

// WithTransportContext opens sockets through a caller-owned context, which
// Close leaves alone.
func WithTransportContext(c *transport.Context) Option {
	return func(s *Subscriber) {
		if c != nil {
			s.tctx = c
			s.ownsContext = false
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Subscriber) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a subscriber. No socket is opened until the first spin.
func New(source transport.EndpointSource, handler Handler, opts ...Option) *Subscriber {
	s := &Subscriber{
		source:  source,
		handler: handler,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tctx == nil {
		s.tctx = transport.NewContext(transport.WithContextLogger(s.logger))
		s.ownsContext = true
	}
	s.logger = s.logger.With(zap.String("component", "subscriber"))
	return s
}

// SpinOnce drains the feed and runs the handler for what it finds.
//
// With timeout zero it makes a single non-blocking attempt and returns Idle
// when nothing is pending. With a positive timeout it polls until a message
// arrives, the endpoint becomes unset (NotConfigured, no error), or the
// timeout elapses (rpcerr.ErrTimeout). A negative timeout polls until ctx or
// cancel fire.
func (s *Subscriber) SpinOnce(ctx context.Context, timeout time.Duration, cancel transport.CancelCheck) (SpinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Idle, rpcerr.ErrClosed
	}

	result := Idle
	err := transport.Wait(ctx, timeout, cancel, func() (bool, error) {
		ep, ok := s.source.Endpoint()
		if !ok {
			s.closeSocketLocked("endpoint unset")
			result = NotConfigured
			return true, nil
		}
		if s.sock != nil && !s.sock.Endpoint().Equal(ep) {
			s.logger.Info("feed endpoint changed",
				zap.Stringer("from", s.sock.Endpoint()), zap.Stringer("to", ep))
			s.closeSocketLocked("endpoint changed")
		}
		if s.sock == nil {
			if err := s.openLocked(ep); err != nil {
				return false, err
			}
		}

		n, err := s.drainLocked()
		if err != nil {
			return false, err
		}
		if n > 0 {
			result = Received
			s.lastActivity = time.Now()
			return true, nil
		}
		if s.reconnectTimeout > 0 && time.Since(s.lastActivity) > s.reconnectTimeout {
			s.logger.Info("feed silent, reconnecting",
				zap.Stringer("endpoint", ep), zap.Duration("silence", time.Since(s.lastActivity)))
			s.closeSocketLocked("silence")
		}
		return false, nil
	})
	if timeout == 0 && errors.Is(err, rpcerr.ErrTimeout) {
		return Idle, nil
	}
	return result, err
}

// Reset drops the live socket; the next spin opens a fresh one.
func (s *Subscriber) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSocketLocked("reset")
}

// Endpoint returns the endpoint of the live socket, if any.
func (s *Subscriber) Endpoint() (transport.Endpoint, bool) {
	sock := s.live.Load()
	if sock == nil {
		return transport.Endpoint{}, false
	}
	return sock.Endpoint(), true
}

// Connected reports whether the live socket holds a connection.
func (s *Subscriber) Connected() bool {
	sock := s.live.Load()
	return sock != nil && sock.Connected()
}

// SocketsOpened counts sockets opened over the subscriber's lifetime.
func (s *Subscriber) SocketsOpened() uint64 {
	return s.opened.Load()
}

// Close drops the socket and closes the transport context if the subscriber
// created it.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeSocketLocked("closed")
	s.mu.Unlock()

	if s.ownsContext {
		return s.tctx.Close()
	}
	return nil
}

func (s *Subscriber) openLocked(ep transport.Endpoint) error {
	sock, err := s.tctx.OpenSubSocket(ep, s.conflate)
	if err != nil {
		return err
	}
	s.sock = sock
	s.live.Store(sock)
	s.opened.Add(1)
	s.lastActivity = time.Now()
	s.logger.Debug("feed socket opened", zap.Stringer("endpoint", ep), zap.Bool("conflate", s.conflate))
	return nil
}

func (s *Subscriber) closeSocketLocked(reason string) {
	if s.sock == nil {
		return
	}
	s.logger.Debug("feed socket closed", zap.Stringer("endpoint", s.sock.Endpoint()), zap.String("reason", reason))
	s.sock.Close()
	s.sock = nil
	s.live.Store(nil)
}

func (s *Subscriber) drainLocked() (int, error) {
	n := 0
	for {
		body, ok, err := s.sock.TryRecv()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
		if s.handler != nil {
			s.handler(body)
		}
	}
}
