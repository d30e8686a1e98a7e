package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ctrl-rpc/rpcerr"

	"go.uber.org/zap"
)

// DefaultReuseTimeout is how long a released socket may keep waiting for a
// stray reply before the peer is presumed hung and the socket is evicted.
const DefaultReuseTimeout = 10 * time.Second

// PooledSocket is a request socket owned by a SocketPool. Callers only hold
// it between Acquire and Release.
type PooledSocket struct {
	*ReqSocket
	id         uint64
	releasedAt time.Time
}

// ID identifies the socket within its pool.
func (s *PooledSocket) ID() uint64 { return s.id }

// PoolStats is a snapshot of pool counters.
//
// Invariants: Acquired-Released == Leased and Opened-Closed == Tracked.
type PoolStats struct {
	Acquired  uint64
	Released  uint64
	Opened    uint64
	Closed    uint64
	Leased    int
	Tracked   int
	Available int
	Awaiting  int
}

// SocketPool hands out request sockets bound to one endpoint.
//
// Sockets are created lazily up to the limit. A socket released for reuse
// first goes to the awaiting-reply set, where it absorbs any reply still in
// flight before it becomes available again. A socket that stays there past
// the reuse timeout is treated as stuck on a hung peer and closed.
// Reclamation runs opportunistically on every Acquire and Release; there is
// no background goroutine.
type SocketPool struct {
	endpoint     Endpoint
	tctx         *Context
	ownsContext  bool
	limit        int
	reuseTimeout time.Duration
	logger       *zap.Logger

	mu        sync.Mutex
	active    bool
	nextID    uint64
	tracked   map[*PooledSocket]struct{}
	leased    map[*PooledSocket]struct{}
	awaiting  map[*PooledSocket]struct{}
	available []*PooledSocket
	stats     PoolStats
}

// PoolOption configures a SocketPool.
type PoolOption func(*SocketPool)

// WithLimit caps the number of sockets the pool tracks. Zero means no limit.
func WithLimit(n int) PoolOption {
	return func(p *SocketPool) { p.limit = n }
}

func WithReuseTimeout(d time.Duration) PoolOption {
	return func(p *SocketPool) {
		if d > 0 {
			p.reuseTimeout = d
		}
	}
}

// WithTransportContext makes the pool open sockets through a caller-owned
// context. Shutdown never closes it.
func WithTransportContext(c *Context) PoolOption {
	return func(p *SocketPool) {
		if c != nil {
			p.tctx = c
			p.ownsContext = false
		}
	}
}

func WithPoolLogger(l *zap.Logger) PoolOption {
	return func(p *SocketPool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewSocketPool creates an empty pool for ep.
func NewSocketPool(ep Endpoint, opts ...PoolOption) *SocketPool {
	p := &SocketPool{
		endpoint:     ep,
		reuseTimeout: DefaultReuseTimeout,
		logger:       zap.NewNop(),
		active:       true,
		tracked:      make(map[*PooledSocket]struct{}),
		leased:       make(map[*PooledSocket]struct{}),
		awaiting:     make(map[*PooledSocket]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tctx == nil {
		p.tctx = NewContext(WithContextLogger(p.logger))
		p.ownsContext = true
	}
	p.logger = p.logger.With(zap.String("component", "socket-pool"), zap.Stringer("endpoint", ep))
	return p
}

// Endpoint returns the endpoint every socket of the pool connects to.
func (p *SocketPool) Endpoint() Endpoint { return p.endpoint }

// Acquire leases a socket: an available one if any, else a new one while
// under the limit, else it polls until one frees up. Fails with
// rpcerr.ErrTimeout or rpcerr.ErrCancelled; see Wait for timeout semantics.
func (p *SocketPool) Acquire(ctx context.Context, timeout time.Duration, cancel CancelCheck) (*PooledSocket, error) {
	var sock *PooledSocket
	err := Wait(ctx, timeout, cancel, func() (bool, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.active {
			return false, fmt.Errorf("socket pool: %w", rpcerr.ErrClosed)
		}
		p.reclaimLocked()

		if n := len(p.available); n > 0 {
			sock = p.available[n-1]
			p.available = p.available[:n-1]
		} else if p.limit <= 0 || len(p.tracked) < p.limit {
			s, err := p.openLocked()
			if err != nil {
				return false, err
			}
			sock = s
		} else {
			return false, nil
		}
		p.leased[sock] = struct{}{}
		p.stats.Acquired++
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquire socket for %s: %w", p.endpoint, err)
	}
	return sock, nil
}

// Release returns a leased socket. With reuse set and the pool active, the
// socket waits in awaiting-reply until drained; otherwise it is closed.
func (p *SocketPool) Release(sock *PooledSocket, reuse bool) {
	if sock == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.leased[sock]; !ok {
		// Already reclaimed by Shutdown, or not ours.
		sock.Close()
		return
	}
	delete(p.leased, sock)
	p.stats.Released++

	if reuse && p.active && !sock.Broken() {
		sock.releasedAt = time.Now()
		p.awaiting[sock] = struct{}{}
	} else {
		p.closeLocked(sock)
	}
	p.reclaimLocked()
}

// Shutdown stops new acquisitions, closes every socket the pool created and
// closes the transport context if the pool created it.
func (p *SocketPool) Shutdown() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.stats.Released += uint64(len(p.leased))
	for sock := range p.tracked {
		sock.absorb()
		p.closeLocked(sock)
	}
	p.leased = make(map[*PooledSocket]struct{})
	p.awaiting = make(map[*PooledSocket]struct{})
	p.available = nil
	p.mu.Unlock()

	if p.ownsContext {
		p.tctx.Close()
	}
	p.logger.Debug("socket pool shut down")
}

// Stats returns a snapshot of the pool counters.
func (p *SocketPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Leased = len(p.leased)
	s.Tracked = len(p.tracked)
	s.Available = len(p.available)
	s.Awaiting = len(p.awaiting)
	return s
}

func (p *SocketPool) openLocked() (*PooledSocket, error) {
	rs, err := p.tctx.OpenReqSocket(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("open socket: %w", err)
	}
	p.nextID++
	sock := &PooledSocket{ReqSocket: rs, id: p.nextID}
	p.tracked[sock] = struct{}{}
	p.stats.Opened++
	p.logger.Debug("socket opened", zap.Uint64("socket", sock.id), zap.Int("tracked", len(p.tracked)))
	return sock, nil
}

func (p *SocketPool) closeLocked(sock *PooledSocket) {
	if _, ok := p.tracked[sock]; !ok {
		return
	}
	delete(p.tracked, sock)
	delete(p.awaiting, sock)
	sock.Close()
	p.stats.Closed++
}

// reclaimLocked promotes drained awaiting-reply sockets and evicts broken or
// stuck ones.
func (p *SocketPool) reclaimLocked() {
	now := time.Now()
	for sock := range p.awaiting {
		switch {
		case sock.Broken():
			p.closeLocked(sock)
		case sock.absorb():
			delete(p.awaiting, sock)
			p.available = append(p.available, sock)
		case now.Sub(sock.releasedAt) > p.reuseTimeout:
			p.logger.Warn("evicting socket stuck awaiting reply",
				zap.Uint64("socket", sock.id),
				zap.Duration("waited", now.Sub(sock.releasedAt)))
			p.closeLocked(sock)
		}
	}

	kept := p.available[:0]
	for _, sock := range p.available {
		if sock.Broken() {
			p.closeLocked(sock)
			continue
		}
		kept = append(kept, sock)
	}
	p.available = kept
}
