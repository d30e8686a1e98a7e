package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"ctrl-rpc/codec"
	"ctrl-rpc/protocol"
	"ctrl-rpc/transport"

	"go.uber.org/zap"
)

// Publisher broadcasts feed messages to every connected subscriber. A slow or
// dead subscriber is dropped rather than allowed to stall the others.
type Publisher struct {
	codec        codec.Codec
	writeTimeout time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewPublisher binds a feed endpoint and starts accepting subscribers.
func NewPublisher(network, address string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		codec:        &codec.JSONCodec{},
		writeTimeout: time.Second,
		logger:       logger.With(zap.String("component", "publisher")),
		listener:     ln,
		conns:        make(map[net.Conn]struct{}),
	}
	go p.acceptLoop()
	return p, nil
}

func (p *Publisher) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.conns[conn] = struct{}{}
		p.mu.Unlock()
		go p.watch(conn)
	}
}

// watch notices subscribers that hang up; they never send anything useful.
func (p *Publisher) watch(conn net.Conn) {
	for {
		if _, _, err := protocol.Decode(conn); err != nil {
			p.drop(conn)
			return
		}
	}
}

func (p *Publisher) drop(conn net.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	conn.Close()
}

// Endpoint returns the bound address.
func (p *Publisher) Endpoint() transport.Endpoint {
	return endpointOf(p.listener)
}

// Subscribers returns the number of connected subscribers.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Publish encodes v and sends it to every subscriber.
func (p *Publisher) Publish(v any) error {
	body, err := p.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode feed message: %w", err)
	}
	return p.PublishRaw(body)
}

// PublishRaw sends an already encoded body.
func (p *Publisher) PublishRaw(body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("publisher closed")
	}
	header := &protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: protocol.MsgTypePublish}
	for conn := range p.conns {
		conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		if err := protocol.Encode(conn, header, body); err != nil {
			p.logger.Debug("dropping subscriber", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			delete(p.conns, conn)
			conn.Close()
		}
	}
	return nil
}

// DisconnectAll hangs up on every subscriber while keeping the endpoint open.
func (p *Publisher) DisconnectAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.conns {
		conn.Close()
		delete(p.conns, conn)
	}
}

// Close stops accepting and disconnects every subscriber.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.DisconnectAll()
	return p.listener.Close()
}
