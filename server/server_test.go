package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"ctrl-rpc/codec"
	"ctrl-rpc/message"
	"ctrl-rpc/protocol"
	"ctrl-rpc/rpcerr"
)

type MoveParams struct {
	X, Y float64
}

type MoveResult struct {
	Distance float64
}

type Robot struct{}

func (r *Robot) Move(params *MoveParams, out *MoveResult) error {
	out.Distance = params.X + params.Y
	return nil
}

func (r *Robot) Fail(params *MoveParams, out *MoveResult) error {
	return errors.New("joint limit")
}

func startServer(t *testing.T) *Server {
	t.Helper()
	svr := NewServer(nil)
	if err := svr.Register(&Robot{}); err != nil {
		t.Fatalf("Failed to register robot: %v", err)
	}
	if err := svr.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	go svr.Serve()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func roundTrip(t *testing.T, conn net.Conn, seq uint32, req *message.Request) ([]byte, bool) {
	t.Helper()
	cdc := &codec.JSONCodec{}
	body, err := cdc.Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	header := protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: protocol.MsgTypeRequest, Seq: seq}
	if err := protocol.Encode(conn, &header, body); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})
	replyHeader, responseBody, err := protocol.Decode(conn)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, false
		}
		t.Fatal(err)
	}
	if replyHeader.Seq != seq {
		t.Fatalf("Expect reply with seq %v, got %v", seq, replyHeader.Seq)
	}
	if replyHeader.MsgType != protocol.MsgTypeReply {
		t.Fatalf("Expect reply frame, got %s", replyHeader.MsgType)
	}
	return responseBody, true
}

func dial(t *testing.T, svr *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", svr.Endpoint().String()[len("tcp://"):])
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerReflectiveCommand(t *testing.T) {
	svr := startServer(t)
	conn := dial(t, svr)

	body, ok := roundTrip(t, conn, 123, message.NewRequest("Move", map[string]any{"X": 1.5, "Y": 2}, message.Session{}))
	if !ok {
		t.Fatal("expect a reply")
	}
	out, err := message.ParseReply(body)
	if err != nil {
		t.Fatal(err)
	}
	var result MoveResult
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatal(err)
	}
	if result.Distance != 3.5 {
		t.Fatalf("Expect distance 3.5, got %v", result.Distance)
	}
}

func TestServerErrors(t *testing.T) {
	svr := startServer(t)
	conn := dial(t, svr)

	body, _ := roundTrip(t, conn, 1, message.NewRequest("Fail", nil, message.Session{}))
	_, err := message.ParseReply(body)
	var remote *rpcerr.RemoteError
	if !errors.As(err, &remote) || remote.Description != "joint limit" {
		t.Fatalf("expect remote error from handler, got %v", err)
	}

	body, _ = roundTrip(t, conn, 2, message.NewRequest("Teleport", nil, message.Session{}))
	_, err = message.ParseReply(body)
	if !errors.As(err, &remote) || remote.Code != "unknown_command" {
		t.Fatalf("expect unknown command error, got %v", err)
	}
}

func TestServerHandlerAndFireAndForget(t *testing.T) {
	svr := startServer(t)
	seen := make(chan string, 4)
	svr.Handle("Log", func(ctx context.Context, req *message.Request) (any, error) {
		seen <- req.Session.SlaveRequestID
		return map[string]any{"ok": true}, nil
	})
	conn := dial(t, svr)

	req := message.NewRequest("Log", nil, message.Session{SlaveRequestID: "s1"})
	req.FireAndForget = true
	if _, ok := roundTrip(t, conn, 1, req); ok {
		t.Fatal("fire-and-forget request must not be answered")
	}
	if got := <-seen; got != "s1" {
		t.Fatalf("expect handler to run, got %q", got)
	}

	body, ok := roundTrip(t, conn, 2, message.NewRequest("Log", nil, message.Session{SlaveRequestID: "s2"}))
	if !ok {
		t.Fatal("expect reply")
	}
	if out, err := message.ParseReply(body); err != nil || string(out) != `{"ok":true}` {
		t.Fatalf("unexpected reply %s, %v", out, err)
	}
}

func TestServerNoReply(t *testing.T) {
	svr := startServer(t)
	svr.Handle("Hang", func(ctx context.Context, req *message.Request) (any, error) {
		return nil, ErrNoReply
	})
	conn := dial(t, svr)
	if _, ok := roundTrip(t, conn, 1, message.NewRequest("Hang", nil, message.Session{})); ok {
		t.Fatal("expect no reply")
	}
	if svr.Served() != 1 {
		t.Fatalf("expect one served request, got %d", svr.Served())
	}
}

func TestPublisher(t *testing.T) {
	pub, err := NewPublisher("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	conn, err := net.Dial("tcp", pub.Endpoint().String()[len("tcp://"):])
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for pub.Subscribers() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := pub.Publish(map[string]any{"state": "idle"}); err != nil {
		t.Fatal(err)
	}
	header, body, err := protocol.Decode(conn)
	if err != nil {
		t.Fatal(err)
	}
	if header.MsgType != protocol.MsgTypePublish || string(body) != `{"state":"idle"}` {
		t.Fatalf("unexpected frame %s %s", header.MsgType, body)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for pub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed subscriber was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
