package rpcerr

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFromContext(t *testing.T) {
	if err := FromContext(context.Background()); err != nil {
		t.Fatalf("expect nil for live context, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := FromContext(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expect ErrCancelled, got %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()
	if err := FromContext(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect ErrTimeout, got %v", err)
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	cases := []struct {
		err  *RemoteError
		want string
	}{
		{&RemoteError{Kind: KindError, Description: "bad pose", Code: "42"}, "remote error (42): bad pose"},
		{&RemoteError{Kind: KindException, Description: "boom"}, "remote exception: boom"},
		{&RemoteError{Kind: KindStatus, Status: "aborted"}, "remote status: status aborted"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("expect %q, got %q", tc.want, got)
		}
	}
}

func TestIsTemporary(t *testing.T) {
	if !IsTemporary(Timeoutf("acquire after %s", time.Second)) {
		t.Fatal("timeout should be temporary")
	}
	if IsTemporary(Protocolf("missing output")) {
		t.Fatal("protocol error should not be temporary")
	}
	if IsTemporary(&RemoteError{Kind: KindError}) {
		t.Fatal("remote error should not be temporary")
	}
}
