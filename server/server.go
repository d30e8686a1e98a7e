// Package server implements the controller side of the ctrl-rpc protocol: a
// request/reply responder and a feed publisher. It backs the mock controller
// of the ctlclient binary and the package tests of the client stack.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine per connection)
//	  → for each request, in order: decode Request → dispatch → encode Reply → write
//
// Each connection is served strictly in order, one request at a time, which
// is the reply discipline a request socket expects.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ctrl-rpc/codec"
	"ctrl-rpc/message"
	"ctrl-rpc/protocol"
	"ctrl-rpc/transport"

	"go.uber.org/zap"
)

// HandlerFunc answers one command. The returned value becomes the reply's
// output; an error becomes the reply's error field.
type HandlerFunc func(ctx context.Context, req *message.Request) (any, error)

// CodedError lets a handler attach an error code to its failure.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

// ErrNoReply makes the server swallow a request without answering, the way
// a hung controller would.
var ErrNoReply = errors.New("no reply")

// Server is the request/reply side of the controller.
type Server struct {
	serviceMap map[string]*service
	handlers   map[string]HandlerFunc
	codec      codec.Codec
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	shutdown atomic.Bool
	served   atomic.Uint64
}

// NewServer creates a server with no commands.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		serviceMap: make(map[string]*service),
		handlers:   make(map[string]HandlerFunc),
		codec:      &codec.JSONCodec{},
		logger:     logger.With(zap.String("component", "server")),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Register exposes every method of rcvr shaped like
// func (r *T) Name(params *P, out *O) error as command "Name".
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	for name := range svc.method {
		svr.serviceMap[name] = svc
	}
	return nil
}

// Handle registers fn for command, taking precedence over Register.
func (svr *Server) Handle(command string, fn HandlerFunc) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.handlers[command] = fn
}

// Listen binds the server; Serve must be called to accept connections.
func (svr *Server) Listen(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	svr.listener = ln
	svr.mu.Unlock()
	return nil
}

// Endpoint returns the bound address.
func (svr *Server) Endpoint() transport.Endpoint {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return endpointOf(svr.listener)
}

// Served counts answered or swallowed requests.
func (svr *Server) Served() uint64 { return svr.served.Load() }

// Serve runs the accept loop until Shutdown.
func (svr *Server) Serve() error {
	svr.mu.Lock()
	ln := svr.listener
	svr.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("server: Listen was not called")
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.mu.Lock()
		svr.conns[conn] = struct{}{}
		svr.mu.Unlock()
		svr.wg.Add(1)
		go svr.handleConn(conn)
	}
}

func (svr *Server) handleConn(conn net.Conn) {
	defer svr.wg.Done()
	defer func() {
		svr.mu.Lock()
		delete(svr.conns, conn)
		svr.mu.Unlock()
		conn.Close()
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType == protocol.MsgTypePing {
			continue
		}
		if header.MsgType != protocol.MsgTypeRequest {
			svr.logger.Warn("dropping connection after unexpected frame", zap.Stringer("type", header.MsgType))
			return
		}

		reply, ok := svr.handleRequest(body)
		svr.served.Add(1)
		if !ok {
			continue
		}
		payload, err := svr.codec.Encode(reply)
		if err != nil {
			svr.logger.Error("failed to encode reply", zap.Error(err))
			payload, _ = svr.codec.Encode(message.NewErrorReply("failed to encode reply", "internal"))
		}
		err = protocol.Encode(conn, &protocol.Header{
			CodecType: header.CodecType,
			MsgType:   protocol.MsgTypeReply,
			Seq:       header.Seq,
		}, payload)
		if err != nil {
			svr.logger.Debug("failed to write reply", zap.Error(err))
			return
		}
	}
}

// handleRequest decodes and dispatches one request. ok is false when no reply
// must be sent.
func (svr *Server) handleRequest(body []byte) (*message.Reply, bool) {
	var req message.Request
	if err := svr.codec.Decode(body, &req); err != nil {
		return message.NewErrorReply("malformed request: "+err.Error(), "bad_request"), true
	}

	out, err := svr.dispatch(context.Background(), &req)
	if req.FireAndForget {
		if err != nil && !errors.Is(err, ErrNoReply) {
			svr.logger.Warn("fire-and-forget command failed", zap.String("command", req.Command), zap.Error(err))
		}
		return nil, false
	}
	if errors.Is(err, ErrNoReply) {
		return nil, false
	}
	if err != nil {
		code := ""
		var coded *CodedError
		if errors.As(err, &coded) {
			code = coded.Code
		}
		return message.NewErrorReply(err.Error(), code), true
	}
	reply, err := message.NewOutputReply(out)
	if err != nil {
		return message.NewErrorReply("failed to encode output: "+err.Error(), "internal"), true
	}
	return reply, true
}

func (svr *Server) dispatch(ctx context.Context, req *message.Request) (any, error) {
	svr.mu.Lock()
	fn, hasHandler := svr.handlers[req.Command]
	svc, hasService := svr.serviceMap[req.Command]
	svr.mu.Unlock()

	switch {
	case hasHandler:
		return fn(ctx, req)
	case hasService:
		return svc.invoke(req.Command, req.Params)
	}
	return nil, &CodedError{Code: "unknown_command", Err: fmt.Errorf("unknown command %q", req.Command)}
}

// Shutdown closes the listener and every connection, then waits for the
// connection goroutines to exit.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.shutdown.Store(true)
	svr.mu.Lock()
	if svr.listener != nil {
		svr.listener.Close()
	}
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for connections to close")
	}
}

func endpointOf(ln net.Listener) transport.Endpoint {
	if ln == nil {
		return transport.Endpoint{}
	}
	switch addr := ln.Addr().(type) {
	case *net.TCPAddr:
		return transport.Endpoint{Host: addr.IP.String(), Port: addr.Port}
	case *net.UnixAddr:
		return transport.Endpoint{URL: "ipc://" + addr.Name}
	}
	return transport.Endpoint{}
}

// decodeParams converts a request's param map into the method argument type.
func decodeParams(params map[string]any, dst any) error {
	if len(params) == 0 {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
