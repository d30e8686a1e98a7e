// Package rpcerr defines the error taxonomy shared by the transport, client and
// subscriber layers.
//
// Callers classify failures with errors.Is against the sentinels below, and
// extract remote failures with errors.As into *RemoteError:
//
//	ErrTimeout     budget exceeded acquiring, sending or receiving
//	ErrCancelled   cooperative preemption fired
//	ErrProtocol    reply could not be decoded or lacks expected fields
//	ErrTransport   socket-level failure
//	*RemoteError   the peer explicitly reported a failure
package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTimeout   = errors.New("timeout")
	ErrCancelled = errors.New("cancelled")
	ErrProtocol  = errors.New("protocol error")
	ErrTransport = errors.New("transport error")
	ErrClosed    = errors.New("closed")

	// ErrNotConfigured is reported when a subscription has no endpoint. It is
	// a status, not a failure.
	ErrNotConfigured = errors.New("endpoint not configured")
)

// Kind of failure reported by the remote peer.
type Kind string

const (
	KindError     Kind = "error"
	KindException Kind = "exception"
	KindStatus    Kind = "status"
)

// RemoteError is returned when the reply carries an error, an exception or a
// status other than succeeded.
type RemoteError struct {
	Kind        Kind
	Description string
	StackTrace  string
	Code        string
	Status      string
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString("remote ")
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	switch {
	case e.Description != "":
		b.WriteString(": ")
		b.WriteString(e.Description)
	case e.Status != "":
		b.WriteString(": status ")
		b.WriteString(e.Status)
	}
	return b.String()
}

// Timeoutf wraps ErrTimeout with a formatted context message.
func Timeoutf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

// Protocolf wraps ErrProtocol with a formatted context message.
func Protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// FromContext maps a finished context to the taxonomy: a passed deadline is a
// timeout, anything else is a cancellation.
func FromContext(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrCancelled, err)
}

// IsTemporary reports whether err is worth retrying from the caller's side.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport)
}
