// Package message defines the documents exchanged with the controller.
//
// A Request is the envelope for every command. The controller answers with a
// Reply that carries either an output (success) or one of error, exception,
// or a status other than "succeeded". ParseReply maps each failure shape to a
// *rpcerr.RemoteError and anything unreadable to rpcerr.ErrProtocol.
package message

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"ctrl-rpc/rpcerr"
)

// StatusSucceeded is the only status value treated as success.
const StatusSucceeded = "succeeded"

// Session identifies who is asking and which remote worker should answer.
type Session struct {
	UserInfo       map[string]any `json:"userinfo,omitempty"`
	SlaveRequestID string         `json:"slaverequestid,omitempty"`
	Locale         string         `json:"locale,omitempty"`
}

// Request carries one command to the controller.
type Request struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
	Session Session        `json:"session"`
	Stamp   int64          `json:"stamp"` // milliseconds, strictly increasing per process

	// FireAndForget tells the controller not to answer.
	FireAndForget bool `json:"fireandforget,omitempty"`
}

var lastStamp atomic.Int64

// NextStamp returns the current time in milliseconds, bumped so that
// successive calls never return the same or a smaller value.
func NextStamp() int64 {
	for {
		now := time.Now().UnixMilli()
		last := lastStamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastStamp.CompareAndSwap(last, now) {
			return now
		}
	}
}

// NewRequest builds a stamped request.
func NewRequest(command string, params map[string]any, session Session) *Request {
	return &Request{
		Command: command,
		Params:  params,
		Session: session,
		Stamp:   NextStamp(),
	}
}

// Reply is the controller's answer to one Request.
type Reply struct {
	Output    json.RawMessage `json:"output,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	Exception string          `json:"exception,omitempty"`
	Status    string          `json:"status,omitempty"`
}

// ErrorInfo is the structured form of the reply's error field.
type ErrorInfo struct {
	Description string          `json:"description"`
	StackTrace  string          `json:"stacktrace,omitempty"`
	Code        json.RawMessage `json:"errorcode,omitempty"`
}

// NewOutputReply builds a successful reply around v.
func NewOutputReply(v any) (*Reply, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Reply{Output: out}, nil
}

// NewErrorReply builds a failed reply.
func NewErrorReply(description, code string) *Reply {
	info := ErrorInfo{Description: description}
	if code != "" {
		info.Code, _ = json.Marshal(code)
	}
	raw, _ := json.Marshal(info)
	return &Reply{Error: raw}
}

// ParseReply decodes a reply body and returns its output.
func ParseReply(body []byte) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, rpcerr.Protocolf("decode reply: %v", err)
	}
	if fields == nil {
		return nil, rpcerr.Protocolf("reply is not an object")
	}

	if raw, ok := fields["error"]; ok && !isNull(raw) {
		return nil, parseRemoteError(raw)
	}
	if raw, ok := fields["exception"]; ok && !isNull(raw) {
		var exc string
		if err := json.Unmarshal(raw, &exc); err != nil {
			exc = string(raw)
		}
		if exc != "" {
			return nil, &rpcerr.RemoteError{Kind: rpcerr.KindException, Description: exc}
		}
	}

	var status string
	if raw, ok := fields["status"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &status); err != nil {
			return nil, rpcerr.Protocolf("status is not a string: %s", raw)
		}
		if status != StatusSucceeded {
			return nil, &rpcerr.RemoteError{Kind: rpcerr.KindStatus, Status: status}
		}
	}

	if raw, ok := fields["output"]; ok {
		return raw, nil
	}
	if status == StatusSucceeded {
		return json.RawMessage("null"), nil
	}
	return nil, rpcerr.Protocolf("reply carries neither output nor error")
}

func parseRemoteError(raw json.RawMessage) error {
	remote := &rpcerr.RemoteError{Kind: rpcerr.KindError}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		remote.Description = text
		return remote
	}

	var info ErrorInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return rpcerr.Protocolf("malformed error field: %s", raw)
	}
	remote.Description = info.Description
	remote.StackTrace = info.StackTrace
	remote.Code = normalizeCode(info.Code)
	return remote
}

// normalizeCode accepts numeric or string codes.
func normalizeCode(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
