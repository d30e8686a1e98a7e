package message

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"ctrl-rpc/codec"
	"ctrl-rpc/rpcerr"
)

func TestRequestRoundTrip(t *testing.T) {
	req := NewRequest("ExecuteTask", map[string]any{
		"taskparams": map[string]any{
			"speed":   0.25,
			"targets": []any{"bin1", "bin2"},
			"nested":  map[string]any{"depth": 2.0},
		},
	}, Session{SlaveRequestID: "slave-1", Locale: "en_US"})

	cdc := &codec.JSONCodec{}
	data, err := cdc.Encode(req)
	if err != nil {
		t.Fatalf("Failed to encode request: %v", err)
	}

	var decoded Request
	if err := cdc.Decode(data, &decoded); err != nil {
		t.Fatalf("Failed to decode request: %v", err)
	}
	if !reflect.DeepEqual(req, &decoded) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, *req)
	}
}

func TestNextStampIncreases(t *testing.T) {
	prev := NextStamp()
	for i := 0; i < 1000; i++ {
		next := NextStamp()
		if next <= prev {
			t.Fatalf("stamp went backwards: %d after %d", next, prev)
		}
		prev = next
	}
}

func TestParseReply(t *testing.T) {
	cases := []struct {
		name       string
		body       string
		wantOutput string
		wantKind   rpcerr.Kind
		wantCode   string
		protocol   bool
	}{
		{name: "output", body: `{"output":{"ok":true}}`, wantOutput: `{"ok":true}`},
		{name: "null output", body: `{"output":null}`, wantOutput: `null`},
		{name: "succeeded without output", body: `{"status":"succeeded"}`, wantOutput: `null`},
		{name: "error object numeric code", body: `{"error":{"description":"no path","errorcode":17}}`, wantKind: rpcerr.KindError, wantCode: "17"},
		{name: "error object string code", body: `{"error":{"description":"no path","errorcode":"E_PATH"}}`, wantKind: rpcerr.KindError, wantCode: "E_PATH"},
		{name: "error string", body: `{"error":"broken"}`, wantKind: rpcerr.KindError},
		{name: "exception", body: `{"exception":"Traceback"}`, wantKind: rpcerr.KindException},
		{name: "status", body: `{"status":"aborted"}`, wantKind: rpcerr.KindStatus},
		{name: "null error ignored", body: `{"error":null,"output":1}`, wantOutput: `1`},
		{name: "not json", body: `garbage`, protocol: true},
		{name: "empty object", body: `{}`, protocol: true},
		{name: "array", body: `[1,2]`, protocol: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ParseReply([]byte(tc.body))
			switch {
			case tc.protocol:
				if !errors.Is(err, rpcerr.ErrProtocol) {
					t.Fatalf("expect protocol error, got %v", err)
				}
			case tc.wantKind != "":
				var remote *rpcerr.RemoteError
				if !errors.As(err, &remote) {
					t.Fatalf("expect remote error, got %v", err)
				}
				if remote.Kind != tc.wantKind {
					t.Fatalf("expect kind %s, got %s", tc.wantKind, remote.Kind)
				}
				if remote.Code != tc.wantCode {
					t.Fatalf("expect code %q, got %q", tc.wantCode, remote.Code)
				}
			default:
				if err != nil {
					t.Fatal(err)
				}
				if string(out) != tc.wantOutput {
					t.Fatalf("expect output %s, got %s", tc.wantOutput, out)
				}
			}
		})
	}
}

func TestErrorReplyParses(t *testing.T) {
	reply := NewErrorReply("unknown command", "404")
	body, err := json.Marshal(reply)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ParseReply(body)
	var remote *rpcerr.RemoteError
	if !errors.As(err, &remote) || remote.Description != "unknown command" || remote.Code != "404" {
		t.Fatalf("unexpected error: %v", err)
	}
}
