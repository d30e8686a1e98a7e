package middleware

import (
	"context"
	"encoding/json"
	"time"

	"ctrl-rpc/message"
	"ctrl-rpc/rpcerr"

	"go.uber.org/zap"
)

// RetryMiddleware repeats a command that timed out or hit a transport failure,
// with exponential backoff. Remote and protocol errors are returned at once.
// Only use it for idempotent commands.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
			out, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !rpcerr.IsTemporary(err) {
					return out, err
				}
				logger.Info("retrying command",
					zap.String("command", req.Command), zap.Int("attempt", i+1), zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, rpcerr.FromContext(ctx)
				case <-timer.C:
				}
				req.Stamp = message.NextStamp()
				out, err = next(ctx, req)
			}
			return out, err
		}
	}
}
