package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ctrl-rpc/message"
	"ctrl-rpc/rpcerr"

	"go.uber.org/zap"
)

func echoHandler(ctx context.Context, req *message.Request) (json.RawMessage, error) {
	return json.RawMessage(`"ok"`), nil
}

// slowHandler waits like the client does: until done or the context ends.
func slowHandler(ctx context.Context, req *message.Request) (json.RawMessage, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return json.RawMessage(`"ok"`), nil
	case <-ctx.Done():
		return nil, rpcerr.FromContext(ctx)
	}
}

func newRequest() *message.Request {
	return message.NewRequest("GetJointValues", nil, message.Session{})
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zap.NewExample())(echoHandler)

	out, err := handler(context.Background(), newRequest())
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `"ok"` {
		t.Fatalf("expect output \"ok\", got '%s'", out)
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	if _, err := handler(context.Background(), newRequest()); err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	_, err := handler(context.Background(), newRequest())
	if !errors.Is(err, rpcerr.ErrTimeout) {
		t.Fatalf("expect timeout error, got '%v'", err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: two pass at once, the third is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), newRequest()); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}
	if _, err := handler(context.Background(), newRequest()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: '%v'", err)
	}
}

func TestRetry(t *testing.T) {
	cases := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"succeeds after timeouts", 2, rpcerr.Timeoutf("no reply"), 3, false},
		{"gives up", 5, rpcerr.ErrTransport, 3, true},
		{"remote error is final", 5, &rpcerr.RemoteError{Kind: rpcerr.KindException}, 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			stamps := map[int64]bool{}
			flaky := func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
				calls++
				stamps[req.Stamp] = true
				if calls <= tc.failures {
					return nil, tc.err
				}
				return json.RawMessage(`1`), nil
			}
			_, err := RetryMiddleware(2, time.Millisecond, nil)(flaky)(context.Background(), newRequest())
			if calls != tc.wantCalls {
				t.Fatalf("expect %d calls, got %d", tc.wantCalls, calls)
			}
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if len(stamps) != calls {
				t.Fatalf("expect a fresh stamp per attempt, got %d stamps for %d calls", len(stamps), calls)
			}
		})
	}
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	handler := Chain(tag("outer"), LoggingMiddleware(nil), TimeOutMiddleware(500*time.Millisecond), tag("inner"))(echoHandler)

	if _, err := handler(context.Background(), newRequest()); err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}
