package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"ctrl-rpc/protocol"
	"ctrl-rpc/rpcerr"

	"go.uber.org/zap"
)

type frame struct {
	seq  uint32
	body []byte
}

// ReqSocket is a request socket with strict request/reply alternation: after
// Send, no further Send is accepted until the matching reply was received.
//
// A background goroutine dials the endpoint and then reads frames, handing
// replies to an inbox so that Readable and TryRecv never block. Any
// connection failure marks the socket broken for good; it is up to the owner
// to discard it.
type ReqSocket struct {
	tctx     *Context
	endpoint Endpoint
	logger   *zap.Logger
	cancel   context.CancelFunc

	writeMu sync.Mutex // Send and the ping loop share the connection

	mu          sync.Mutex
	conn        net.Conn
	seq         uint32
	outstanding bool
	inbox       []frame
	err         error
	closed      bool
}

// OpenReqSocket opens a request socket against ep. The connection is
// established in the background.
func (c *Context) OpenReqSocket(ep Endpoint) (*ReqSocket, error) {
	if _, _, err := ep.dialArgs(); err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithCancel(context.Background())
	s := &ReqSocket{
		tctx:     c,
		endpoint: ep,
		logger:   c.logger.With(zap.String("component", "req-socket"), zap.Stringer("endpoint", ep)),
		cancel:   cancel,
	}
	if err := c.track(s); err != nil {
		cancel()
		return nil, err
	}
	go s.run(dialCtx)
	return s, nil
}

// Endpoint returns the address the socket was opened against.
func (s *ReqSocket) Endpoint() Endpoint { return s.endpoint }

func (s *ReqSocket) run(ctx context.Context) {
	conn := s.tctx.connect(ctx, s.endpoint)
	if conn == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	if s.tctx.pingInterval > 0 {
		go s.pingLoop(ctx, conn)
	}
	s.readLoop(conn)
}

func (s *ReqSocket) readLoop(conn net.Conn) {
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			s.fail(err)
			return
		}
		switch header.MsgType {
		case protocol.MsgTypePing:
			continue
		case protocol.MsgTypeReply:
			s.mu.Lock()
			s.inbox = append(s.inbox, frame{seq: header.Seq, body: body})
			s.mu.Unlock()
		default:
			s.fail(fmt.Errorf("unexpected %s frame on request socket", header.MsgType))
			return
		}
	}
}

func (s *ReqSocket) pingLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(s.tctx.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(s.tctx.writeTimeout))
		err := protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypePing}, nil)
		s.writeMu.Unlock()
		if err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *ReqSocket) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return
	}
	s.err = err
	s.logger.Debug("socket broken", zap.Error(err))
}

// Connected reports whether the background dial has succeeded.
func (s *ReqSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Writable reports whether Send would be accepted now: connected, healthy and
// no reply outstanding.
func (s *ReqSocket) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.err == nil && s.conn != nil && !s.outstanding
}

// Readable reports whether TryRecv has something to report, either a frame
// or a broken connection.
func (s *ReqSocket) Readable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox) > 0 || s.err != nil
}

// Outstanding reports whether a request was sent and its reply not yet
// received.
func (s *ReqSocket) Outstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// Broken reports whether the connection failed.
func (s *ReqSocket) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil
}

// Send writes one request. It must only be called when Writable is true.
func (s *ReqSocket) Send(body []byte) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return rpcerr.ErrClosed
	case s.err != nil:
		err := s.err
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", rpcerr.ErrTransport, err)
	case s.conn == nil:
		s.mu.Unlock()
		return fmt.Errorf("%w: not connected to %s", rpcerr.ErrTransport, s.endpoint)
	case s.outstanding:
		s.mu.Unlock()
		return fmt.Errorf("send on socket awaiting reply %d", s.seq)
	}
	s.seq++
	seq := s.seq
	s.outstanding = true
	conn := s.conn
	s.mu.Unlock()

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(s.tctx.writeTimeout))
	err := protocol.Encode(conn, &protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}, body)
	s.writeMu.Unlock()
	if err != nil {
		s.fail(err)
		return fmt.Errorf("%w: %v", rpcerr.ErrTransport, err)
	}
	return nil
}

// TryRecv returns the reply to the outstanding request if it has arrived.
// Frames that answer no outstanding request are discarded.
func (s *ReqSocket) TryRecv() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.inbox) > 0 {
		f := s.inbox[0]
		s.inbox = s.inbox[1:]
		if !s.outstanding || f.seq != s.seq {
			s.logger.Debug("discarding stray reply", zap.Uint32("seq", f.seq), zap.Uint32("want", s.seq))
			continue
		}
		s.outstanding = false
		return f.body, true, nil
	}
	if s.err != nil {
		return nil, false, fmt.Errorf("%w: %v", rpcerr.ErrTransport, s.err)
	}
	if s.closed {
		return nil, false, rpcerr.ErrClosed
	}
	return nil, false, nil
}

// absorb consumes a pending reply, if any, and reports whether the socket is
// idle and healthy afterwards.
func (s *ReqSocket) absorb() bool {
	if _, _, err := s.TryRecv(); err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.outstanding && s.err == nil && !s.closed
}

// Close tears the connection down. It is safe to call more than once.
func (s *ReqSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.inbox = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	s.tctx.untrack(s)
	return nil
}
