package middleware

import (
	"context"
	"time"

	"curryx/message"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every request with its duration. Failed requests are
// logged at Warn with their error kind.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", method(req)),
				zap.Stringer("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != nil {
				logger.Warn("request failed", append(fields, zap.String("kind", string(resp.Error.Kind)), zap.String("error", resp.Error.Message))...)
				return resp
			}
			logger.Debug("request served", fields...)
			return resp
		}
	}
}
