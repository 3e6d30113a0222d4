package middleware

import (
	"context"
	"fmt"

	"curryx/message"

	"go.uber.org/zap"
)

// RecoverMiddleware turns a panicking handler into an invocation failure, so
// one bad request does not take the whole provider down.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked", zap.String("method", method(req)), zap.Any("panic", r), zap.StackSkip("stack", 1))
					resp = message.NewFailure(req.ID, &message.Error{
						Kind:    message.KindInvocationFailed,
						Message: fmt.Sprintf("panic: %v", r),
						Cause:   fmt.Sprintf("%T", r),
					})
				}
			}()
			return next(ctx, req)
		}
	}
}
