// Package middleware wraps client command calls in an onion of cross-cutting
// behavior: logging, deadlines, rate limiting and retries.
package middleware

import (
	"context"
	"encoding/json"

	"ctrl-rpc/message"
)

// HandlerFunc performs one command exchange. Calls that expect no reply
// return a nil output and a nil error.
type HandlerFunc func(ctx context.Context, req *message.Request) (json.RawMessage, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is the outermost layer.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
