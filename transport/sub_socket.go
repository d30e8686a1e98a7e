package transport

import (
	"context"
	"net"
	"sync"

	"ctrl-rpc/protocol"
	"ctrl-rpc/rpcerr"

	"go.uber.org/zap"
)

// DefaultHighWaterMark bounds the backlog of a non-conflating feed socket.
// Messages arriving beyond it are dropped.
const DefaultHighWaterMark = 1000

// SubSocket receives publish frames from one feed endpoint.
//
// With conflate set, only the newest unread message is retained; older
// backlog is overwritten as soon as a newer message arrives. The socket
// redials after a lost connection until closed.
type SubSocket struct {
	tctx     *Context
	endpoint Endpoint
	conflate bool
	hwm      int
	logger   *zap.Logger
	cancel   context.CancelFunc

	mu        sync.Mutex
	conn      net.Conn
	queue     [][]byte
	dropped   uint64
	connected bool
	closed    bool
}

// OpenSubSocket opens a feed socket against ep. The connection is
// established in the background.
func (c *Context) OpenSubSocket(ep Endpoint, conflate bool) (*SubSocket, error) {
	if _, _, err := ep.dialArgs(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &SubSocket{
		tctx:     c,
		endpoint: ep,
		conflate: conflate,
		hwm:      DefaultHighWaterMark,
		logger:   c.logger.With(zap.String("component", "sub-socket"), zap.Stringer("endpoint", ep)),
		cancel:   cancel,
	}
	if err := c.track(s); err != nil {
		cancel()
		return nil, err
	}
	go s.run(ctx)
	return s, nil
}

// Endpoint returns the address the socket was opened against.
func (s *SubSocket) Endpoint() Endpoint { return s.endpoint }

func (s *SubSocket) run(ctx context.Context) {
	for {
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
		s.connected = true
		s.mu.Unlock()

		err := s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		s.connected = false
		closed := s.closed
		s.mu.Unlock()
		conn.Close()
		if closed {
			return
		}
		s.logger.Debug("feed connection lost, redialing", zap.Error(err))
	}
}

func (s *SubSocket) readLoop(conn net.Conn) error {
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return err
		}
		if header.MsgType != protocol.MsgTypePublish {
			continue
		}
		s.push(body)
	}
}

func (s *SubSocket) push(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.conflate:
		if len(s.queue) > 0 {
			s.dropped += uint64(len(s.queue))
		}
		s.queue = append(s.queue[:0], body)
	case len(s.queue) >= s.hwm:
		s.dropped++
	default:
		s.queue = append(s.queue, body)
	}
}

// Connected reports whether the socket currently holds a live connection.
func (s *SubSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Pending returns the number of unread messages.
func (s *SubSocket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped returns how many messages were discarded by conflation or the
// high-water mark.
func (s *SubSocket) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// TryRecv pops the oldest unread message without blocking.
func (s *SubSocket) TryRecv() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, rpcerr.ErrClosed
	}
	if len(s.queue) == 0 {
		return nil, false, nil
	}
	body := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return body, true, nil
}

// Close tears the connection down. It is safe to call more than once.
func (s *SubSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	s.tctx.untrack(s)
	return nil
}
