package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"ctrl-rpc/protocol"
)

// replyPeer is a minimal controller stand-in answering request frames.
type replyPeer struct {
	ln      net.Listener
	handler func(body []byte) ([]byte, bool)

	mu    sync.Mutex
	conns []net.Conn
}

func startReplyPeer(t *testing.T, handler func(body []byte) ([]byte, bool)) (*replyPeer, Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &replyPeer{ln: ln, handler: handler}
	go p.serve()
	t.Cleanup(p.close)
	return p, Endpoint{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
}

func (p *replyPeer) serve() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.mu.Unlock()
		go func() {
			for {
				header, body, err := protocol.Decode(conn)
				if err != nil {
					return
				}
				if header.MsgType != protocol.MsgTypeRequest {
					continue
				}
				reply, ok := p.handler(body)
				if !ok {
					continue
				}
				protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeReply, Seq: header.Seq}, reply)
			}
		}()
	}
}

func (p *replyPeer) close() {
	p.ln.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
}

// feedPeer is a minimal publisher.
type feedPeer struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func startFeedPeer(t *testing.T) (*feedPeer, Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &feedPeer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			p.mu.Lock()
			p.conns = append(p.conns, conn)
			p.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, c := range p.conns {
			c.Close()
		}
	})
	return p, Endpoint{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
}

func (p *feedPeer) subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *feedPeer) publish(body []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		protocol.Encode(c, &protocol.Header{MsgType: protocol.MsgTypePublish}, body)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
