package middleware

import (
	"context"
	"encoding/json"
	"time"

	"ctrl-rpc/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
			start := time.Now()
			out, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("command", req.Command),
				zap.Int64("stamp", req.Stamp),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("command failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("command done", append(fields, zap.Int("reply_bytes", len(out)))...)
			}
			return out, err
		}
	}
}
