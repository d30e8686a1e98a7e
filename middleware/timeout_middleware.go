package middleware

import (
	"context"
	"encoding/json"
	"time"

	"ctrl-rpc/message"
)

// TimeOutMiddleware bounds the whole exchange by a context deadline. Every
// wait in the client honors it, so the leased socket is always released
// before the call returns.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, req)
		}
	}
}
